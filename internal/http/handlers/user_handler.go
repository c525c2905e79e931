// User HTTP handlers.
//
// This file exposes REST endpoints for a user's account state, quota
// counters and stored messages:
//   - GET    /users/{id}                 (state)
//   - PUT    /users/{id}                 (register, idempotent)
//   - PATCH  /users/{id}/consent|gender|language|subscription
//   - DELETE /users/{id}                 (reset account)
//   - GET    /users/{id}/quota           (today's usage)
//   - GET    /users/{id}/quota/history   (last N days)
//   - GET    /users/{id}/messages        (one month, oldest first)
//
// Every write goes through the user service, which updates the database
// first and then the state cache, so a GET right after a PATCH sees the
// change.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 90

	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// RegisterUserRequest is the JSON payload of PUT /users/{id}. The body is
// optional.
type RegisterUserRequest struct {
	Language string `json:"language"`
}

// ConsentRequest is the JSON payload of PATCH /users/{id}/consent.
type ConsentRequest struct {
	Given *bool `json:"given" binding:"required"`
}

// GenderRequest is the JSON payload of PATCH /users/{id}/gender.
type GenderRequest struct {
	Gender string `json:"gender" binding:"required"`
}

// LanguageRequest is the JSON payload of PATCH /users/{id}/language.
type LanguageRequest struct {
	Language string `json:"language" binding:"required"`
}

// SubscriptionRequest is the JSON payload of PATCH /users/{id}/subscription.
// ExpiresAt is ignored for the free tier.
type SubscriptionRequest struct {
	Subscription string     `json:"subscription" binding:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// RegisterUserResponse reports whether PUT created the user.
type RegisterUserResponse struct {
	domain.CachedUserState
	Created bool `json:"created"`
}

// QuotaHistoryResponse wraps a user's counter history.
type QuotaHistoryResponse struct {
	UserID int64               `json:"user_id"`
	Days   []domain.DailyCount `json:"days"`
}

// ListMessagesResponse wraps one month of a user's stored messages.
type ListMessagesResponse struct {
	UserID int64 `json:"user_id"`
	// Month is the requested month as YYYY-MM.
	Month string `json:"month" example:"2025-03"`
	// Partition names the storage partition the month lives in.
	Partition string           `json:"partition" example:"messages_2025_03"`
	Messages  []domain.Message `json:"messages"`
}

// GetUser godoc
// @ID          getUser
// @Summary     Get user state
// @Description Returns the cached state of a user, loading it from the database on a miss.
// @Tags        Users
// @Produce     json
//
// @Param       id  path  int  true  "User ID"
//
// @Success     200  {object}  domain.CachedUserState
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /users/{id} [get]
func (h *Handlers) GetUser(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	st, err := h.svc.Users.State(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, "get user")
		return
	}
	ok(c, http.StatusOK, st)
}

// RegisterUser godoc
// @ID          registerUser
// @Summary     Register a user
// @Description Creates a user with default settings, or returns the existing one unchanged. The body is optional.
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                           true   "User ID"
// @Param       body  body  handlers.RegisterUserRequest  false  "Initial language"
//
// @Success     201  {object}  handlers.RegisterUserResponse  "Created"
// @Success     200  {object}  handlers.RegisterUserResponse  "Already registered"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id or body"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /users/{id} [put]
func (h *Handlers) RegisterUser(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	var req RegisterUserRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	st, created, err := h.svc.Users.Register(c.Request.Context(), id, strings.TrimSpace(req.Language))
	if err != nil {
		serviceError(c, err, "register user")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, RegisterUserResponse{CachedUserState: st, Created: created})
}

// SetConsent godoc
// @ID          setConsent
// @Summary     Record consent
// @Description Records whether the user accepted the terms of use. Messages from users without consent are rejected.
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                      true  "User ID"
// @Param       body  body  handlers.ConsentRequest  true  "Consent flag"
//
// @Success     200  {object}  domain.CachedUserState
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id or body"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /users/{id}/consent [patch]
func (h *Handlers) SetConsent(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	var req ConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be {\"given\": true|false}")
		return
	}
	st, err := h.svc.Users.SetConsent(c.Request.Context(), id, *req.Given)
	if err != nil {
		serviceError(c, err, "set consent")
		return
	}
	ok(c, http.StatusOK, st)
}

// SetGender godoc
// @ID          setGender
// @Summary     Set assistant persona
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                     true  "User ID"
// @Param       body  body  handlers.GenderRequest  true  "female or male"
//
// @Success     200  {object}  domain.CachedUserState
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id or gender"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /users/{id}/gender [patch]
func (h *Handlers) SetGender(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	var req GenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	g := domain.Gender(strings.ToLower(strings.TrimSpace(req.Gender)))
	st, err := h.svc.Users.SetGender(c.Request.Context(), id, g)
	if err != nil {
		serviceError(c, err, "set gender")
		return
	}
	ok(c, http.StatusOK, st)
}

// SetLanguage godoc
// @ID          setLanguage
// @Summary     Set interface language
// @Description The language is canonicalized to a BCP 47 tag and must be one of the supported languages.
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                       true  "User ID"
// @Param       body  body  handlers.LanguageRequest  true  "Language tag"
//
// @Success     200  {object}  domain.CachedUserState
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id or language"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /users/{id}/language [patch]
func (h *Handlers) SetLanguage(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	var req LanguageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	st, err := h.svc.Users.SetLanguage(c.Request.Context(), id, req.Language)
	if err != nil {
		serviceError(c, err, "set language")
		return
	}
	ok(c, http.StatusOK, st)
}

// SetSubscription godoc
// @ID          setSubscription
// @Summary     Change subscription tier
// @Description Changes the billing tier and with it the daily message limit. ExpiresAt is ignored for the free tier.
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                           true  "User ID"
// @Param       body  body  handlers.SubscriptionRequest  true  "Tier and expiry"
//
// @Success     200  {object}  domain.CachedUserState
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id or tier"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /users/{id}/subscription [patch]
func (h *Handlers) SetSubscription(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	sub := domain.Subscription(strings.ToLower(strings.TrimSpace(req.Subscription)))
	st, err := h.svc.Users.SetSubscription(c.Request.Context(), id, sub, req.ExpiresAt)
	if err != nil {
		serviceError(c, err, "set subscription")
		return
	}
	ok(c, http.StatusOK, st)
}

// DeleteUser godoc
// @ID          deleteUser
// @Summary     Reset account
// @Description Removes the user's persistent record and cached state. Quota counters expire on their own.
// @Tags        Users
//
// @Param       id  path  int  true  "User ID"
//
// @Success     204  "Deleted"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /users/{id} [delete]
func (h *Handlers) DeleteUser(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	existed, err := h.svc.Users.ResetAccount(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, "reset account")
		return
	}
	if !existed {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
		return
	}
	noContent(c)
}

// GetQuota godoc
// @ID          getQuota
// @Summary     Today's quota usage
// @Tags        Quota
// @Produce     json
//
// @Param       id  path  int  true  "User ID"
//
// @Success     200  {object}  services.QuotaStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Counter storage unavailable"
// @Router      /users/{id}/quota [get]
func (h *Handlers) GetQuota(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	st, err := h.svc.Quota.Status(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, "quota status")
		return
	}
	ok(c, http.StatusOK, st)
}

// GetQuotaHistory godoc
// @ID          getQuotaHistory
// @Summary     Quota history
// @Description Returns the last ?days= daily counters, oldest first. Days without messages are reported as zero.
// @Tags        Quota
// @Produce     json
//
// @Param       id    path   int  true   "User ID"
// @Param       days  query  int  false  "Number of days (1..90)"  default(7)
//
// @Success     200  {object}  handlers.QuotaHistoryResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id"
// @Failure     503  {object}  handlers.ErrorResponse  "Counter storage unavailable"
// @Router      /users/{id}/quota/history [get]
func (h *Handlers) GetQuotaHistory(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	days := clampDays(c, defaultHistoryDays, maxHistoryDays)
	rows, err := h.svc.Quota.History(c.Request.Context(), id, days)
	if err != nil {
		serviceError(c, err, "quota history")
		return
	}
	ok(c, http.StatusOK, QuotaHistoryResponse{UserID: id, Days: rows})
}

// GetMessages godoc
// @ID          getMessages
// @Summary     List a user's messages
// @Description Returns up to ?limit= stored messages of one month, oldest first. The month defaults to the current UTC month; a month whose partition does not exist or was retired is empty.
// @Tags        Messages
// @Produce     json
//
// @Param       id     path   int     true   "User ID"
// @Param       month  query  string  false  "Month as YYYY-MM"  example(2025-03)
// @Param       limit  query  int     false  "Max messages (1..500)"  default(50)
//
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id or month"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /users/{id}/messages [get]
func (h *Handlers) GetMessages(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	month := domain.MonthStart(time.Now().UTC())
	if raw := strings.TrimSpace(c.Query("month")); raw != "" {
		m, err := time.Parse(monthLayout, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeInvalidField, "month must be YYYY-MM")
			return
		}
		month = m
	}
	limit := clampLimit(c, defaultMessageLimit, maxMessageLimit)

	msgs, err := h.svc.Messages.List(c.Request.Context(), id, month, limit)
	if err != nil {
		serviceError(c, err, "list messages")
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		UserID:    id,
		Month:     month.Format(monthLayout),
		Partition: domain.PartitionName(month),
		Messages:  msgs,
	})
}
