package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// MessageStore persists accepted messages into their month partition and
// reads them back one month at a time.
type MessageStore interface {
	CreateMessage(ctx context.Context, userID int64, action, content, flags string) (*domain.Message, error)
	ListMessages(ctx context.Context, userID int64, month time.Time, limit int) ([]domain.Message, error)
}

// MessageService is the intake path for chat messages: admit, persist, then
// commit the quota. A message that fails to persist is not counted.
type MessageService struct {
	Admission *AdmissionPipeline
	Messages  MessageStore

	Log *zerolog.Logger
}

// Submission is the result of MessageService.Submit.
type Submission struct {
	Decision Decision        `json:"decision"`
	Message  *domain.Message `json:"message,omitempty"`
	// Count is the user's message count for the day after this message.
	Count int64 `json:"count,omitempty"`
}

func (s *MessageService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

// Submit runs admission for req and stores the message when accepted. A
// rejection is reported in the returned Submission with a nil error; the
// error is set only when an accepted message could not be stored.
func (s *MessageService) Submit(ctx context.Context, req Request) (Submission, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.Int64("user.id", req.UserID),
			attribute.String("action", string(req.Action)),
		),
	)
	defer span.End()

	d := s.Admission.Admit(ctx, req)
	if !d.Accepted {
		return Submission{Decision: d}, nil
	}

	msg, err := s.Messages.CreateMessage(ctx, d.UserID, string(d.Action), d.Text, FlagString(d.Flags))
	if err != nil {
		span.RecordError(err)
		s.logger().Error().Err(err).Int64("user_id", d.UserID).Msg("store message")
		return Submission{Decision: rejectInternal(d)}, domain.Transient(err)
	}

	count, err := s.Admission.Commit(ctx, d)
	if err != nil {
		// The message is stored; the counter misses one increment.
		span.RecordError(err)
		s.logger().Error().Err(err).Int64("user_id", d.UserID).Str("message_id", msg.ID).Msg("quota commit failed")
	}
	return Submission{Decision: d, Message: msg, Count: count}, nil
}

// List returns up to limit of a user's stored messages from the month that
// contains month (UTC, the partitioning clock), oldest first. A month that
// has no partition, or whose partition was retired, is empty.
func (s *MessageService) List(ctx context.Context, userID int64, month time.Time, limit int) ([]domain.Message, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "List",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	msgs, err := s.Messages.ListMessages(ctx, userID, domain.MonthStart(month.UTC()), limit)
	if err != nil {
		span.RecordError(err)
		return nil, domain.Transient(err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func rejectInternal(d Decision) Decision {
	d.Accepted = false
	d.Reason = ReasonInternal
	d.UserMessage = msgRetryLater
	d.Text = ""
	return d
}
