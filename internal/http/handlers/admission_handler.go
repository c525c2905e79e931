// Admission HTTP handlers.
//
// A transport that processes messages itself uses the two-phase flow: it
// asks POST /admissions for a decision, does its downstream work, and then
// reports success on POST /admissions/commit so the message is counted
// against the daily quota. POST /messages runs all three steps in one call
// and stores the message in its month partition.
//
//   - POST /admissions          (decide, optionally commit at once)
//   - POST /admissions/commit   (count an accepted message after processing)
//   - POST /messages            (decide, store, commit)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/http/middleware"
	"github.com/tbourn/chat-gatekeeper/internal/ratelimit"
	"github.com/tbourn/chat-gatekeeper/internal/services"
)

// AdmitRequest is the JSON payload of POST /admissions and POST /messages.
type AdmitRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Action string `json:"action"`
	Text   string `json:"text"`
	// Commit counts an accepted message against the daily quota right away.
	// Ignored by POST /messages, which always commits after storing.
	Commit bool `json:"commit"`
}

// CommitRequest is the JSON payload of POST /admissions/commit. Day is the
// "day" of the admission decision; when empty the current quota day is
// used. Action defaults to "message".
type CommitRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Action string `json:"action"`
	Day    string `json:"day" example:"2025-03-10"`
}

// CommitResponse reports the user's message count after the commit.
type CommitResponse struct {
	UserID int64      `json:"user_id"`
	Day    domain.Day `json:"day,omitempty"`
	Count  int64      `json:"count"`
}

// AdmissionResponse is a decision plus transport extras.
type AdmissionResponse struct {
	services.Decision
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
	Count             int64 `json:"count,omitempty"`
}

// MessageResponse is the result of POST /messages.
type MessageResponse struct {
	AdmissionResponse
	Message *domain.Message `json:"message,omitempty"`
}

func (r AdmitRequest) toRequest(c *gin.Context) services.Request {
	return services.Request{
		UserID: r.UserID,
		Action: ratelimit.Action(r.Action),
		Text:   r.Text,
		IP:     c.ClientIP(),
	}
}

// decisionStatus is 503 for internal failures and 200 for every other
// outcome, rejections included.
func decisionStatus(d services.Decision) int {
	if d.Reason == services.ReasonInternal {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Admit godoc
// @ID          admit
// @Summary     Decide whether an event may proceed
// @Description Runs the admission pipeline (blocks, rate limits, consent, content checks, daily quota) for one event. Rejections are returned with status 200 and a reason code; only internal failures use 503. With commit=true an accepted message is counted right away.
// @Tags        Admission
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.AdmitRequest  true  "Event to admit"
//
// @Success     200  {object}  handlers.AdmissionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON"
// @Failure     503  {object}  handlers.AdmissionResponse  "Internal failure while deciding"
// @Router      /admissions [post]
func (h *Handlers) Admit(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	middleware.SetUserID(c, req.UserID)

	d := h.svc.Admission.Admit(c.Request.Context(), req.toRequest(c))
	middleware.SetDecision(c, d.Accepted, string(d.Reason))
	resp := AdmissionResponse{Decision: d, RetryAfterSeconds: setRetryAfter(c, d.RetryAfter)}

	if req.Commit && d.Accepted {
		n, err := h.svc.Admission.Commit(c.Request.Context(), d)
		if err != nil {
			serviceError(c, err, "commit")
			return
		}
		resp.Count = n
	}
	ok(c, decisionStatus(d), resp)
}

// CommitAdmission godoc
// @ID          commitAdmission
// @Summary     Commit an accepted admission
// @Description Counts a previously accepted event after the caller's downstream processing succeeded: the daily counter of the decision's day is incremented and the cached last message time updated.
// @Tags        Admission
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CommitRequest  true  "Accepted decision to commit"
//
// @Success     200  {object}  handlers.CommitResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON, user id, action or day"
// @Failure     503  {object}  handlers.ErrorResponse  "Counter storage unavailable"
// @Router      /admissions/commit [post]
func (h *Handlers) CommitAdmission(c *gin.Context) {
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.UserID <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeInvalidUser, "user_id must be a positive integer")
		return
	}
	middleware.SetUserID(c, req.UserID)

	action := ratelimit.ActionMessage
	if req.Action != "" {
		action = ratelimit.Action(req.Action)
		if !action.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeInvalidField, "unknown action")
			return
		}
	}
	var day domain.Day
	if req.Day != "" {
		d, err := domain.ParseDay(req.Day)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeInvalidField, "day must be YYYY-MM-DD")
			return
		}
		day = d
	}

	d := services.Decision{Accepted: true, Reason: services.ReasonAccepted, UserID: req.UserID, Action: action, Day: day}
	n, err := h.svc.Admission.Commit(c.Request.Context(), d)
	if err != nil {
		serviceError(c, err, "commit")
		return
	}
	middleware.SetDecision(c, true, string(services.ReasonAccepted))
	ok(c, http.StatusOK, CommitResponse{UserID: req.UserID, Day: day, Count: n})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Submit a chat message
// @Description Admits the message, stores the sanitized text in its month partition and commits the quota. A message that fails to store is not counted.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.AdmitRequest  true  "Message; action defaults to message"
//
// @Success     201  {object}  handlers.MessageResponse  "Accepted and stored"
// @Success     200  {object}  handlers.MessageResponse  "Rejected with a reason"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" {
		req.Action = string(ratelimit.ActionMessage)
	}
	middleware.SetUserID(c, req.UserID)

	sub, err := h.svc.Messages.Submit(c.Request.Context(), req.toRequest(c))
	if err != nil {
		serviceError(c, err, "store message")
		return
	}
	middleware.SetDecision(c, sub.Decision.Accepted, string(sub.Decision.Reason))

	resp := MessageResponse{
		AdmissionResponse: AdmissionResponse{
			Decision:          sub.Decision,
			RetryAfterSeconds: setRetryAfter(c, sub.Decision.RetryAfter),
			Count:             sub.Count,
		},
		Message: sub.Message,
	}
	status := decisionStatus(sub.Decision)
	if sub.Decision.Accepted {
		status = http.StatusCreated
	}
	ok(c, status, resp)
}
