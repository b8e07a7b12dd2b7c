package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/durable"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/lock/locktest"
	"github.com/shaiso/Recur/internal/recurrence"
	"github.com/shaiso/Recur/internal/repo"
)

// --- fake store ---

type fakeRules struct {
	mu    sync.Mutex
	rules map[uuid.UUID]domain.RRule
}

func newFakeRules() *fakeRules {
	return &fakeRules{rules: make(map[uuid.UUID]domain.RRule)}
}

func (f *fakeRules) Create(ctx context.Context, rule *domain.RRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[rule.ID]; ok {
		return repo.ErrAlreadyExists
	}
	f.rules[rule.ID] = *rule
	return nil
}

func (f *fakeRules) GetByID(ctx context.Context, id uuid.UUID) (*domain.RRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &r, nil
}

func (f *fakeRules) List(ctx context.Context, filter repo.RuleFilter) ([]domain.RRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RRule
	for _, r := range f.rules {
		if filter.Retired != nil && (r.NextOccurrence == nil) != *filter.Retired {
			continue
		}
		if filter.HandlerName != "" && r.HandlerName != filter.HandlerName {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *fakeRules) GetForUpdate(ctx context.Context, tx lock.Tx, id uuid.UUID) (*domain.RRule, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeRules) UpdateRecurrence(ctx context.Context, tx lock.Tx, rule *domain.RRule) error {
	saved := *rule
	tx.(*locktest.Tx).OnCommit(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.rules[saved.ID] = saved
	})
	return nil
}

func (f *fakeRules) Delete(ctx context.Context, tx lock.Tx, id uuid.UUID) error {
	if _, err := f.GetByID(ctx, id); err != nil {
		return err
	}
	tx.(*locktest.Tx).OnCommit(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.rules, id)
	})
	return nil
}

// --- helpers ---

var testNow = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type testAPI struct {
	mux    *http.ServeMux
	rules  *fakeRules
	locks  *locktest.Store
	locker *lock.Locker
}

func newTestAPI() *testAPI {
	rules := newFakeRules()
	locks := locktest.New()
	locker := lock.New(lock.Config{Store: locks})

	h := NewHandler(Config{
		Rules:      rules,
		Runner:     durable.NewRunner(durable.Config{Locker: locker, LockTimeout: 20 * time.Millisecond}),
		Calculator: recurrence.New(recurrence.Config{Now: func() time.Time { return testNow }}),
		Handlers:   handler.NewRegistry(nil),
		Now:        func() time.Time { return testNow },
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testAPI{mux: mux, rules: rules, locks: locks, locker: locker}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorCode {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return resp.Error.Code
}

func mondays() CreateRuleRequest {
	return CreateRuleRequest{
		Params: domain.Params{
			Freq:      domain.FrequencyWeekly,
			DTStart:   "2024-01-01 09:00:00",
			ByWeekday: []string{"MO"},
		},
		HandlerName: handler.NameNoop,
	}
}

func (a *testAPI) create(t *testing.T, req CreateRuleRequest) RuleResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/rules", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", rec.Code, rec.Body)
	}
	return decodeData[RuleResponse](t, rec)
}

// --- Tests ---

func TestCreateRule(t *testing.T) {
	a := newTestAPI()
	got := a.create(t, mondays())

	want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if got.NextOccurrence == nil || !got.NextOccurrence.Equal(want) {
		t.Errorf("next = %v, want %v", got.NextOccurrence, want)
	}
	if got.State != domain.RuleStateIdle.String() || got.TimeZone != "UTC" {
		t.Errorf("rule = %+v", got)
	}
}

func TestCreateRule_OffsetAppliedOnCreate(t *testing.T) {
	a := newTestAPI()
	req := mondays()
	req.TimeZone = "America/New_York"
	req.DayOffset = -1

	got := a.create(t, req)

	// Воскресенье 31 декабря, 09:00 EST.
	want := time.Date(2023, 12, 31, 14, 0, 0, 0, time.UTC)
	if got.NextOccurrence == nil || !got.NextOccurrence.Equal(want) {
		t.Errorf("next = %v, want %v", got.NextOccurrence, want)
	}
}

func TestCreateRule_DefaultsDTStart(t *testing.T) {
	a := newTestAPI()
	req := mondays()
	req.Params.DTStart = ""

	got := a.create(t, req)
	if got.Params.DTStart != "2024-01-01 08:00:00" {
		t.Errorf("dtstart = %q", got.Params.DTStart)
	}
}

func TestCreateRule_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRuleRequest)
	}{
		{"bad freq", func(r *CreateRuleRequest) { r.Params.Freq = "FORTNIGHTLY" }},
		{"bad weekday", func(r *CreateRuleRequest) { r.Params.ByWeekday = []string{"XX"} }},
		{"bad timezone", func(r *CreateRuleRequest) { r.TimeZone = "Mars/Olympus" }},
		{"unknown handler", func(r *CreateRuleRequest) { r.HandlerName = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI()
			req := mondays()
			tt.mutate(&req)

			rec := a.do(t, http.MethodPost, "/api/v1/rules", req)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if code := errorCode(t, rec); code != ErrCodeInvalidRule {
				t.Errorf("code = %s", code)
			}
		})
	}
}

func TestCreateRule_BadBody(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetRule(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	rec := a.do(t, http.MethodGet, "/api/v1/rules/"+created.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeData[RuleResponse](t, rec); got.ID != created.ID {
		t.Errorf("id = %s", got.ID)
	}

	if rec := a.do(t, http.MethodGet, "/api/v1/rules/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing rule: status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/v1/rules/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", rec.Code)
	}
}

func TestListRules_RetiredFilter(t *testing.T) {
	a := newTestAPI()
	active := a.create(t, mondays())

	retired := mondays()
	retired.Params.Until = "2023-12-01 00:00:00"
	retiredRule := a.create(t, retired)
	if retiredRule.State != domain.RuleStateRetired.String() {
		t.Fatalf("empty series must be retired, got %s", retiredRule.State)
	}

	rec := a.do(t, http.MethodGet, "/api/v1/rules?retired=false", nil)
	got := decodeData[[]RuleResponse](t, rec)
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("active rules = %+v", got)
	}

	if rec := a.do(t, http.MethodGet, "/api/v1/rules?retired=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUpdateRule_RecomputesNext(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	params := mondays().Params
	params.ByWeekday = []string{"TU"}
	rec := a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID.String(), UpdateRuleRequest{Params: &params})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got := decodeData[RuleResponse](t, rec)
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if got.NextOccurrence == nil || !got.NextOccurrence.Equal(want) {
		t.Errorf("next = %v, want %v", got.NextOccurrence, want)
	}

	stored, _ := a.rules.GetByID(context.Background(), created.ID)
	if !stored.NextOccurrence.Equal(want) {
		t.Error("update must be committed")
	}

	key := domain.RuleLockKey(created.ID)
	if a.locks.Held(key) {
		t.Error("lock must be released")
	}
	var change ruleChange
	if err := json.Unmarshal(a.locks.Value(key), &change); err != nil || change.Action != "updated" {
		t.Errorf("lock value = %s", a.locks.Value(key))
	}
}

func TestUpdateRule_MetadataOnlyKeepsNext(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	meta := map[string]any{"url": "http://example.invalid"}
	rec := a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID.String(), UpdateRuleRequest{Metadata: &meta})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeData[RuleResponse](t, rec)
	if !got.NextOccurrence.Equal(*created.NextOccurrence) || got.Metadata["url"] != "http://example.invalid" {
		t.Errorf("rule = %+v", got)
	}
}

func TestUpdateRule_ReadmitsRetiredRule(t *testing.T) {
	a := newTestAPI()
	req := mondays()
	req.Params.Until = "2023-12-01 00:00:00"
	created := a.create(t, req)

	params := mondays().Params
	rec := a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID.String(), UpdateRuleRequest{Params: &params})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeData[RuleResponse](t, rec)
	if got.State != domain.RuleStateIdle.String() || got.NextOccurrence == nil {
		t.Errorf("rule = %+v", got)
	}
}

func TestUpdateRule_ExhaustedRuleStaysRetired(t *testing.T) {
	a := newTestAPI()
	req := mondays()
	req.Params.Until = "2023-12-01 00:00:00"
	created := a.create(t, req)

	meta := map[string]any{"team": "billing"}
	rec := a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID.String(), UpdateRuleRequest{Metadata: &meta})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeData[RuleResponse](t, rec)
	if got.State != domain.RuleStateRetired.String() || got.NextOccurrence != nil {
		t.Errorf("rule = %+v", got)
	}
}

func TestUpdateRule_Locked(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	h, err := a.locker.TryAcquire(context.Background(), domain.RuleLockKey(created.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unlock(context.Background())

	meta := map[string]any{"k": "v"}
	rec := a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID.String(), UpdateRuleRequest{Metadata: &meta})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrCodeLocked {
		t.Errorf("code = %s", code)
	}
}

func TestDeleteRule(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())
	path := "/api/v1/rules/" + created.ID.String()

	if rec := a.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d", rec.Code)
	}
	if a.locks.OpenSessions() != 0 {
		t.Errorf("open sessions = %d", a.locks.OpenSessions())
	}
}

func TestRuleDates(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	rec := a.do(t, http.MethodGet, "/api/v1/rules/"+created.ID.String()+"/dates?count=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeData[DatesResponse](t, rec)
	if len(got.Dates) != 3 {
		t.Fatalf("dates = %v", got.Dates)
	}
	for i, d := range got.Dates {
		want := time.Date(2024, 1, 1+7*i, 9, 0, 0, 0, time.UTC)
		if !d.Equal(want) {
			t.Errorf("dates[%d] = %v, want %v", i, d, want)
		}
	}

	if rec := a.do(t, http.MethodGet, "/api/v1/rules/"+created.ID.String()+"/dates?start=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad start: status = %d", rec.Code)
	}
}

func TestCloneRule_WithDayOffset(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	offset := 2
	rec := a.do(t, http.MethodPost, "/api/v1/rules/"+created.ID.String()+"/clone", CloneRuleRequest{DayOffset: &offset})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got := decodeData[RuleResponse](t, rec)
	if got.ID == created.ID || got.DayOffset != 2 {
		t.Errorf("clone = %+v", got)
	}
	want := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	if got.NextOccurrence == nil || !got.NextOccurrence.Equal(want) {
		t.Errorf("next = %v, want %v", got.NextOccurrence, want)
	}
}

func TestCloneRule_KeepsOffsetWithoutBody(t *testing.T) {
	a := newTestAPI()
	created := a.create(t, mondays())

	rec := a.do(t, http.MethodPost, "/api/v1/rules/"+created.ID.String()+"/clone", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeData[RuleResponse](t, rec)
	if !got.NextOccurrence.Equal(*created.NextOccurrence) {
		t.Errorf("next = %v, want %v", got.NextOccurrence, created.NextOccurrence)
	}
}

func TestPreviewRule(t *testing.T) {
	a := newTestAPI()
	req := PreviewRequest{CreateRuleRequest: mondays(), Count: 2}
	req.DayOffset = 1

	rec := a.do(t, http.MethodPost, "/api/v1/rules/preview", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeData[DatesResponse](t, rec)
	want := []time.Time{
		time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC),
	}
	if len(got.Dates) != len(want) {
		t.Fatalf("dates = %v", got.Dates)
	}
	for i := range want {
		if !got.Dates[i].Equal(want[i]) {
			t.Errorf("dates[%d] = %v, want %v", i, got.Dates[i], want[i])
		}
	}
	if len(a.rules.rules) != 0 {
		t.Error("preview must not persist")
	}
}

func TestListHandlers(t *testing.T) {
	a := newTestAPI()
	rec := a.do(t, http.MethodGet, "/api/v1/handlers", nil)
	got := decodeData[HandlersResponse](t, rec)
	if len(got.Handlers) != 3 {
		t.Errorf("handlers = %v", got.Handlers)
	}
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	var captured int
	capture := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			captured = rw.status
		})
	}

	h := Chain(Metrics(), capture)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "rule not found")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules/x", nil))

	if captured != http.StatusNotFound || rec.Code != http.StatusNotFound {
		t.Errorf("captured = %d, recorded = %d", captured, rec.Code)
	}
}
