package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/cache"
	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
	"github.com/tbourn/chat-gatekeeper/internal/ratelimit"
	"github.com/tbourn/chat-gatekeeper/internal/scheduler"
	"github.com/tbourn/chat-gatekeeper/internal/services"
)

// ---------- stubs ----------

type stubAdmission struct {
	decide     func(services.Request) services.Decision
	commits    int
	commitErr  error
	lastReq    services.Request
	lastCommit services.Decision
}

func (s *stubAdmission) Admit(_ context.Context, req services.Request) services.Decision {
	s.lastReq = req
	return s.decide(req)
}

func (s *stubAdmission) Commit(_ context.Context, d services.Decision) (int64, error) {
	if !d.Accepted {
		return 0, services.ErrNotAccepted
	}
	if s.commitErr != nil {
		return 0, s.commitErr
	}
	s.lastCommit = d
	s.commits++
	return int64(s.commits), nil
}

type stubMessages struct {
	submit func(services.Request) (services.Submission, error)
	list   func(userID int64, month time.Time, limit int) ([]domain.Message, error)
}

func (s stubMessages) Submit(_ context.Context, req services.Request) (services.Submission, error) {
	return s.submit(req)
}

func (s stubMessages) List(_ context.Context, userID int64, month time.Time, limit int) ([]domain.Message, error) {
	if s.list == nil {
		return []domain.Message{}, nil
	}
	return s.list(userID, month, limit)
}

// listCall records the arguments of the last MessageService.List call.
type listCall struct {
	userID int64
	month  time.Time
	limit  int
}

type stubUsers struct {
	users map[int64]domain.CachedUserState
	fail  error
}

func (s *stubUsers) get(id int64) (domain.CachedUserState, error) {
	if s.fail != nil {
		return domain.CachedUserState{}, s.fail
	}
	st, ok := s.users[id]
	if !ok {
		return st, services.ErrUserNotFound
	}
	return st, nil
}

func (s *stubUsers) State(_ context.Context, id int64) (domain.CachedUserState, error) {
	return s.get(id)
}

func (s *stubUsers) Register(_ context.Context, id int64, lang string) (domain.CachedUserState, bool, error) {
	if st, ok := s.users[id]; ok {
		return st, false, nil
	}
	if lang == "" {
		lang = "en"
	}
	st := domain.CachedUserState{UserID: id, Language: lang, Gender: domain.GenderFemale, Subscription: domain.SubscriptionFree}
	s.users[id] = st
	return st, true, nil
}

func (s *stubUsers) SetConsent(_ context.Context, id int64, given bool) (domain.CachedUserState, error) {
	st, err := s.get(id)
	if err != nil {
		return st, err
	}
	st.ConsentGiven = given
	s.users[id] = st
	return st, nil
}

func (s *stubUsers) SetGender(_ context.Context, id int64, g domain.Gender) (domain.CachedUserState, error) {
	if !g.Valid() {
		return domain.CachedUserState{}, services.ErrInvalidGender
	}
	st, err := s.get(id)
	if err != nil {
		return st, err
	}
	st.Gender = g
	s.users[id] = st
	return st, nil
}

func (s *stubUsers) SetLanguage(_ context.Context, id int64, code string) (domain.CachedUserState, error) {
	st, err := s.get(id)
	if err != nil {
		return st, err
	}
	st.Language = code
	return st, nil
}

func (s *stubUsers) SetSubscription(_ context.Context, id int64, sub domain.Subscription, _ *time.Time) (domain.CachedUserState, error) {
	if !sub.Valid() {
		return domain.CachedUserState{}, services.ErrInvalidSubscription
	}
	st, err := s.get(id)
	if err != nil {
		return st, err
	}
	st.Subscription = sub
	return st, nil
}

func (s *stubUsers) ResetAccount(_ context.Context, id int64) (bool, error) {
	_, ok := s.users[id]
	delete(s.users, id)
	return ok, nil
}

type stubQuota struct {
	gotDays int
}

func (s *stubQuota) Status(_ context.Context, id int64) (services.QuotaStatus, error) {
	return services.QuotaStatus{UserID: id, Day: "2025-03-10", Used: 3, Limit: 100, Remaining: 97}, nil
}

func (s *stubQuota) History(_ context.Context, id int64, days int) ([]domain.DailyCount, error) {
	s.gotDays = days
	return []domain.DailyCount{{Date: "2025-03-10", Count: 3}}, nil
}

type stubPartitions struct {
	created, dropped []time.Time
	fail             error
}

func (s *stubPartitions) Status(context.Context) (scheduler.PartitionStatus, error) {
	return scheduler.PartitionStatus{State: "idle"}, s.fail
}

func (s *stubPartitions) ForceCreate(_ context.Context, m time.Time) (bool, error) {
	s.created = append(s.created, m)
	return true, s.fail
}

func (s *stubPartitions) ForceDrop(_ context.Context, m time.Time) (bool, error) {
	s.dropped = append(s.dropped, m)
	return false, s.fail
}

type stubResets struct {
	days []domain.Day
	last *scheduler.ResetResult
}

func (s *stubResets) ForceReset(_ context.Context, day domain.Day) (int64, error) {
	s.days = append(s.days, day)
	return 4, nil
}

func (s *stubResets) LastResult() (scheduler.ResetResult, bool) {
	if s.last == nil {
		return scheduler.ResetResult{}, false
	}
	return *s.last, true
}

type stubCounters struct{ days []int }

func (s *stubCounters) Today() domain.Day { return "2025-03-10" }

func (s *stubCounters) CleanupOlderThan(_ context.Context, days int) (int64, error) {
	s.days = append(s.days, days)
	return 12, nil
}

// ---------- plumbing ----------

type fixture struct {
	r          *gin.Engine
	admission  *stubAdmission
	users      *stubUsers
	quota      *stubQuota
	blocks     *ratelimit.BlockList
	limiter    *ratelimit.Limiter
	cache      *cache.StateCache
	partitions *stubPartitions
	resets     *stubResets
	counters   *stubCounters
	listed     listCall
	listErr    error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limiter, err := ratelimit.NewLimiter(ratelimit.DefaultRules())
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	f := &fixture{
		admission: &stubAdmission{decide: func(req services.Request) services.Decision {
			return services.Decision{Accepted: true, Reason: services.ReasonAccepted, UserID: req.UserID, Action: req.Action}
		}},
		users:      &stubUsers{users: map[int64]domain.CachedUserState{}},
		quota:      &stubQuota{},
		blocks:     ratelimit.NewBlockList(5, time.Hour),
		limiter:    limiter,
		cache:      cache.New(time.Minute, 10),
		partitions: &stubPartitions{},
		resets:     &stubResets{},
		counters:   &stubCounters{},
	}
	h := New(Services{
		Admission: f.admission,
		Messages: stubMessages{submit: func(req services.Request) (services.Submission, error) {
			d := services.Decision{Accepted: true, Reason: services.ReasonAccepted, UserID: req.UserID, Action: req.Action}
			return services.Submission{Decision: d, Message: &domain.Message{ID: "m1", UserID: req.UserID, Content: req.Text}, Count: 1}, nil
		}, list: func(userID int64, month time.Time, limit int) ([]domain.Message, error) {
			f.listed = listCall{userID: userID, month: month, limit: limit}
			if f.listErr != nil {
				return nil, f.listErr
			}
			return []domain.Message{{ID: "m1", UserID: userID, Action: "message", Content: "hello", CreatedAt: month.Add(time.Hour)}}, nil
		}},
		Users:      f.users,
		Quota:      f.quota,
		RateLimits: f.limiter,
		Blocks:     f.blocks,
		Cache:      f.cache,
		Partitions: f.partitions,
		Resets:     f.resets,
		Counters:   f.counters,
		Daily:      metrics.NewDaily(time.UTC),
	})

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-test"); c.Next() })
	r.POST("/admissions", h.Admit)
	r.POST("/admissions/commit", h.CommitAdmission)
	r.POST("/messages", h.PostMessage)
	r.GET("/users/:id", h.GetUser)
	r.PUT("/users/:id", h.RegisterUser)
	r.PATCH("/users/:id/consent", h.SetConsent)
	r.PATCH("/users/:id/gender", h.SetGender)
	r.DELETE("/users/:id", h.DeleteUser)
	r.GET("/users/:id/quota", h.GetQuota)
	r.GET("/users/:id/quota/history", h.GetQuotaHistory)
	r.GET("/users/:id/messages", h.GetMessages)
	r.GET("/admin/ratelimit/:subject", h.RateLimitStats)
	r.GET("/admin/blocks", h.ListBlocks)
	r.POST("/admin/blocks", h.CreateBlock)
	r.DELETE("/admin/blocks/:subject", h.DeleteBlock)
	r.DELETE("/admin/cache/:id", h.InvalidateCache)
	r.POST("/admin/partitions", h.CreatePartition)
	r.DELETE("/admin/partitions/:month", h.DropPartition)
	r.GET("/admin/counters/reset", h.LastReset)
	r.POST("/admin/counters/reset", h.ResetCounters)
	r.POST("/admin/counters/cleanup", h.CleanupCounters)
	r.GET("/admin/metrics/daily", h.DailyMetrics)
	f.r = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rdr *bytes.Buffer
	if body != "" {
		rdr = bytes.NewBufferString(body)
	} else {
		rdr = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("json: %v (%s)", err, w.Body.String())
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	var e ErrorResponse
	decode(t, w, &e)
	if e.Code != code || e.RequestID != "rid-test" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
}

// ---------- admissions ----------

func TestAdmit_AcceptedAndCommitted(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/admissions", `{"user_id":7,"action":"message","text":"hi","commit":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["accepted"] != true || resp["count"] != float64(1) || resp["reason"] != "accepted" {
		t.Fatalf("unexpected body: %v", resp)
	}
	if f.admission.lastReq.IP == "" {
		t.Fatalf("client IP should be forwarded to admission")
	}
}

func TestAdmit_RejectionIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.admission.decide = func(req services.Request) services.Decision {
		return services.Decision{Reason: services.ReasonRateLimited, UserMessage: "slow down", RetryAfter: 1500 * time.Millisecond, UserID: req.UserID}
	}

	w := f.do(http.MethodPost, "/admissions", `{"user_id":7,"action":"command","commit":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After=%q want 2", got)
	}
	var resp AdmissionResponse
	decode(t, w, &resp)
	if resp.Accepted || resp.RetryAfterSeconds != 2 || resp.UserMessage != "slow down" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if f.admission.commits != 0 {
		t.Fatalf("rejected decisions must not be committed")
	}
}

func TestAdmit_InternalIs503_AndBadJSON(t *testing.T) {
	f := newFixture(t)
	f.admission.decide = func(req services.Request) services.Decision {
		return services.Decision{Reason: services.ReasonInternal, UserID: req.UserID}
	}
	if w := f.do(http.MethodPost, "/admissions", `{"user_id":7}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", w.Code)
	}
	expectError(t, f.do(http.MethodPost, "/admissions", `{"text":`), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, f.do(http.MethodPost, "/admissions", `{"text":"no user"}`), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestCommitAdmission_AfterDownstreamWork(t *testing.T) {
	f := newFixture(t)

	// Decide without committing, then commit the decision's day.
	w := f.do(http.MethodPost, "/admissions", `{"user_id":7,"action":"message","text":"hi"}`)
	if w.Code != http.StatusOK || f.admission.commits != 0 {
		t.Fatalf("admit: status=%d commits=%d", w.Code, f.admission.commits)
	}

	w = f.do(http.MethodPost, "/admissions/commit", `{"user_id":7,"day":"2025-03-10"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("commit: status=%d body=%s", w.Code, w.Body.String())
	}
	var resp CommitResponse
	decode(t, w, &resp)
	if resp.UserID != 7 || resp.Day != "2025-03-10" || resp.Count != 1 {
		t.Fatalf("unexpected body: %+v", resp)
	}
	got := f.admission.lastCommit
	if !got.Accepted || got.UserID != 7 || got.Action != ratelimit.ActionMessage || got.Day != "2025-03-10" {
		t.Fatalf("committed decision: %+v", got)
	}

	// Without a day the pipeline picks the current quota day.
	w = f.do(http.MethodPost, "/admissions/commit", `{"user_id":7,"action":"command"}`)
	if w.Code != http.StatusOK || f.admission.lastCommit.Day != "" || f.admission.lastCommit.Action != ratelimit.ActionCommand {
		t.Fatalf("status=%d decision=%+v", w.Code, f.admission.lastCommit)
	}
}

func TestCommitAdmission_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad json", `{"user_id":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing user", `{"day":"2025-03-10"}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"negative user", `{"user_id":-3}`, http.StatusBadRequest, ErrCodeInvalidUser},
		{"unknown action", `{"user_id":7,"action":"dance"}`, http.StatusBadRequest, ErrCodeInvalidField},
		{"bad day", `{"user_id":7,"day":"10/03/2025"}`, http.StatusBadRequest, ErrCodeInvalidField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			expectError(t, f.do(http.MethodPost, "/admissions/commit", tc.body), tc.status, tc.code)
			if f.admission.commits != 0 {
				t.Fatalf("nothing should be committed")
			}
		})
	}

	f := newFixture(t)
	f.admission.commitErr = domain.Transient(errors.New("db locked"))
	expectError(t, f.do(http.MethodPost, "/admissions/commit", `{"user_id":7}`), http.StatusServiceUnavailable, ErrCodeUnavailable)
}

func TestPostMessage_CreatedAndStorageFailure(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/messages", `{"user_id":7,"text":"hello"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp MessageResponse
	decode(t, w, &resp)
	if resp.Message == nil || resp.Message.Content != "hello" || resp.Count != 1 {
		t.Fatalf("unexpected body: %+v", resp)
	}

	f2 := &fixture{}
	h := New(Services{Messages: stubMessages{submit: func(services.Request) (services.Submission, error) {
		return services.Submission{}, domain.Transient(errors.New("disk full"))
	}}})
	f2.r = gin.New()
	f2.r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-test"); c.Next() })
	f2.r.POST("/messages", h.PostMessage)
	expectError(t, f2.do(http.MethodPost, "/messages", `{"user_id":7,"text":"hello"}`), http.StatusServiceUnavailable, ErrCodeUnavailable)
}

// ---------- users ----------

func TestUsers_LifecycleAndErrors(t *testing.T) {
	f := newFixture(t)

	expectError(t, f.do(http.MethodGet, "/users/abc", ""), http.StatusBadRequest, ErrCodeInvalidUser)
	expectError(t, f.do(http.MethodGet, "/users/-1", ""), http.StatusBadRequest, ErrCodeInvalidUser)
	expectError(t, f.do(http.MethodGet, "/users/5", ""), http.StatusNotFound, ErrCodeNotFound)

	if w := f.do(http.MethodPut, "/users/5", `{"language":"de"}`); w.Code != http.StatusCreated {
		t.Fatalf("register status=%d", w.Code)
	}
	w := f.do(http.MethodPut, "/users/5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("second register status=%d", w.Code)
	}
	var reg RegisterUserResponse
	decode(t, w, &reg)
	if reg.Created || reg.Language != "de" {
		t.Fatalf("unexpected register body: %+v", reg)
	}

	expectError(t, f.do(http.MethodPatch, "/users/5/consent", `{}`), http.StatusBadRequest, ErrCodeBadRequest)
	if w := f.do(http.MethodPatch, "/users/5/consent", `{"given":false}`); w.Code != http.StatusOK {
		t.Fatalf("consent=false must be accepted, status=%d", w.Code)
	}
	expectError(t, f.do(http.MethodPatch, "/users/5/gender", `{"gender":"robot"}`), http.StatusBadRequest, ErrCodeInvalidField)
	if w := f.do(http.MethodPatch, "/users/5/gender", `{"gender":" MALE "}`); w.Code != http.StatusOK {
		t.Fatalf("gender status=%d", w.Code)
	}
	if f.users.users[5].Gender != domain.GenderMale {
		t.Fatalf("gender not normalized: %q", f.users.users[5].Gender)
	}

	if w := f.do(http.MethodDelete, "/users/5", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", w.Code)
	}
	expectError(t, f.do(http.MethodDelete, "/users/5", ""), http.StatusNotFound, ErrCodeNotFound)

	f.users.fail = domain.Transient(errors.New("timeout"))
	expectError(t, f.do(http.MethodGet, "/users/5", ""), http.StatusServiceUnavailable, ErrCodeUnavailable)
}

func TestQuota_StatusAndHistoryClamp(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/users/9/quota", "")
	var st services.QuotaStatus
	decode(t, w, &st)
	if st.UserID != 9 || st.Remaining != 97 {
		t.Fatalf("unexpected quota: %+v", st)
	}

	f.do(http.MethodGet, "/users/9/quota/history?days=5000", "")
	if f.quota.gotDays != maxHistoryDays {
		t.Fatalf("days=%d want clamp to %d", f.quota.gotDays, maxHistoryDays)
	}
	f.do(http.MethodGet, "/users/9/quota/history", "")
	if f.quota.gotDays != defaultHistoryDays {
		t.Fatalf("days=%d want default %d", f.quota.gotDays, defaultHistoryDays)
	}
}

func TestGetMessages_MonthAndLimit(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/users/9/messages?month=2025-03&limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp ListMessagesResponse
	decode(t, w, &resp)
	if resp.UserID != 9 || resp.Month != "2025-03" || resp.Partition != "messages_2025_03" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hello" {
		t.Fatalf("messages=%+v", resp.Messages)
	}
	want := listCall{userID: 9, month: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), limit: 10}
	if !f.listed.month.Equal(want.month) || f.listed.userID != want.userID || f.listed.limit != want.limit {
		t.Fatalf("list called with %+v want %+v", f.listed, want)
	}

	f.do(http.MethodGet, "/users/9/messages?limit=100000", "")
	if f.listed.limit != maxMessageLimit {
		t.Fatalf("limit=%d want clamp to %d", f.listed.limit, maxMessageLimit)
	}
	f.do(http.MethodGet, "/users/9/messages", "")
	if f.listed.limit != defaultMessageLimit {
		t.Fatalf("limit=%d want default %d", f.listed.limit, defaultMessageLimit)
	}
	if cur := domain.MonthStart(time.Now().UTC()); !f.listed.month.Equal(cur) {
		t.Fatalf("month=%v want current month %v", f.listed.month, cur)
	}
}

func TestGetMessages_Errors(t *testing.T) {
	f := newFixture(t)

	expectError(t, f.do(http.MethodGet, "/users/0/messages", ""), http.StatusBadRequest, ErrCodeInvalidUser)
	expectError(t, f.do(http.MethodGet, "/users/9/messages?month=March", ""), http.StatusBadRequest, ErrCodeInvalidField)
	expectError(t, f.do(http.MethodGet, "/users/9/messages?month=2025-13", ""), http.StatusBadRequest, ErrCodeInvalidField)

	f.listErr = domain.Transient(errors.New("connection reset"))
	expectError(t, f.do(http.MethodGet, "/users/9/messages", ""), http.StatusServiceUnavailable, ErrCodeUnavailable)
}

// ---------- admin ----------

func TestParseSubject(t *testing.T) {
	cases := map[string]domain.Subject{
		"user:42":       domain.UserSubject(42),
		"42":            domain.UserSubject(42),
		"ip:10.0.0.1":   domain.IPSubject("10.0.0.1"),
		"ip:2001:db8::": domain.IPSubject("2001:db8::"),
	}
	for in, want := range cases {
		got, ok := parseSubject(in)
		if !ok || got != want {
			t.Fatalf("parseSubject(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "user:", "user:-3", "ip:", "bob"} {
		if _, ok := parseSubject(bad); ok {
			t.Fatalf("parseSubject(%q) should fail", bad)
		}
	}
}

func TestAdmin_Blocks(t *testing.T) {
	f := newFixture(t)

	expectError(t, f.do(http.MethodPost, "/admin/blocks", `{"subject":"nobody"}`), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, f.do(http.MethodPost, "/admin/blocks", `{"subject":"user:3","reason":"boredom"}`), http.StatusBadRequest, ErrCodeInvalidField)
	expectError(t, f.do(http.MethodPost, "/admin/blocks", `{"subject":"user:3","duration":"soon"}`), http.StatusBadRequest, ErrCodeInvalidField)

	w := f.do(http.MethodPost, "/admin/blocks", `{"subject":"user:3","reason":"abuse","duration":"2h","note":"ticket 17"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var rec domain.BlockRecord
	decode(t, w, &rec)
	if rec.Type != domain.BlockTemporary || rec.Reason != domain.ReasonAbuse || rec.ExpiresAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, blocked := f.blocks.IsBlocked(domain.UserSubject(3)); !blocked {
		t.Fatalf("subject should be blocked")
	}
	f.blocks.Block(domain.IPSubject("203.0.113.7"), domain.ReasonSpam, 0, "")

	var page BlockListResponse
	decode(t, f.do(http.MethodGet, "/admin/blocks?page=2&page_size=1", ""), &page)
	if page.Total != 2 || page.Number != 2 || page.Size != 1 || len(page.Blocks) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	if w := f.do(http.MethodDelete, "/admin/blocks/user:3", ""); w.Code != http.StatusNoContent {
		t.Fatalf("unblock status=%d", w.Code)
	}
	expectError(t, f.do(http.MethodDelete, "/admin/blocks/user:3", ""), http.StatusNotFound, ErrCodeNotFound)
}

func TestAdmin_RateLimitStats(t *testing.T) {
	f := newFixture(t)
	f.limiter.Allow(domain.UserSubject(8), ratelimit.ActionMessage)

	w := f.do(http.MethodGet, "/admin/ratelimit/user:8", "")
	var st ratelimit.SubjectStats
	decode(t, w, &st)
	if st.Subject != domain.UserSubject(8) || st.Actions[ratelimit.ActionMessage].Used != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	expectError(t, f.do(http.MethodGet, "/admin/ratelimit/who", ""), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestAdmin_CacheInvalidate(t *testing.T) {
	f := newFixture(t)
	f.cache.Set(domain.CachedUserState{UserID: 4})

	if w := f.do(http.MethodDelete, "/admin/cache/4", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	expectError(t, f.do(http.MethodDelete, "/admin/cache/4", ""), http.StatusNotFound, ErrCodeNotFound)
}

func TestAdmin_Partitions(t *testing.T) {
	f := newFixture(t)

	expectError(t, f.do(http.MethodPost, "/admin/partitions", `{"month":"March"}`), http.StatusBadRequest, ErrCodeInvalidField)
	w := f.do(http.MethodPost, "/admin/partitions", `{"month":"2025-03"}`)
	var resp PartitionResponse
	decode(t, w, &resp)
	if resp.Partition != "messages_2025_03" || resp.Created == nil || !*resp.Created {
		t.Fatalf("unexpected body: %+v", resp)
	}

	w = f.do(http.MethodDelete, "/admin/partitions/2025-01", "")
	decode(t, w, &resp)
	if resp.Partition != "messages_2025_01" || resp.Dropped == nil || *resp.Dropped {
		t.Fatalf("unexpected drop body: %+v", resp)
	}

	f.partitions.fail = errors.New("ddl failed")
	expectError(t, f.do(http.MethodDelete, "/admin/partitions/2025-01", ""), http.StatusServiceUnavailable, ErrCodeSchedulerFailed)
}

func TestAdmin_Counters(t *testing.T) {
	f := newFixture(t)

	expectError(t, f.do(http.MethodGet, "/admin/counters/reset", ""), http.StatusNotFound, ErrCodeNotFound)

	if w := f.do(http.MethodPost, "/admin/counters/reset", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(f.resets.days) != 1 || f.resets.days[0] != "2025-03-09" {
		t.Fatalf("default reset day should be yesterday, got %v", f.resets.days)
	}
	f.do(http.MethodPost, "/admin/counters/reset", `{"date":"2025-02-01"}`)
	if f.resets.days[1] != "2025-02-01" {
		t.Fatalf("explicit day not used: %v", f.resets.days)
	}
	expectError(t, f.do(http.MethodPost, "/admin/counters/reset", `{"date":"yesterday"}`), http.StatusBadRequest, ErrCodeInvalidField)

	w := f.do(http.MethodPost, "/admin/counters/cleanup", `{"days":10}`)
	var cnt CountResponse
	decode(t, w, &cnt)
	if cnt.Affected != 12 || f.counters.days[0] != 10 {
		t.Fatalf("unexpected cleanup: %+v %v", cnt, f.counters.days)
	}
	expectError(t, f.do(http.MethodPost, "/admin/counters/cleanup", `{"days":-1}`), http.StatusBadRequest, ErrCodeInvalidField)

	if w := f.do(http.MethodGet, "/admin/metrics/daily", ""); w.Code != http.StatusOK {
		t.Fatalf("daily metrics status=%d", w.Code)
	}
}

func TestHealth_ReportsDownDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(Services{Health: map[string]Pinger{
		"storage": PingerFunc(func(context.Context) error { return nil }),
		"redis":   PingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	}})
	r := gin.New()
	r.GET("/health", h.Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", w.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Down   map[string]string `json:"down"`
	}
	decode(t, w, &body)
	if body.Status != "degraded" || body.Down["redis"] == "" || body.Down["storage"] != "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	h = New(Services{})
	r = gin.New()
	r.GET("/health", h.Health)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("no dependencies: status=%d", w.Code)
	}
}
