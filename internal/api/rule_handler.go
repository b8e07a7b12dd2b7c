package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/durable"
	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/repo"
)

const defaultDatesCount = 10

// ListRules возвращает список правил с фильтрацией.
// GET /api/v1/rules?handler=...&retired=...&limit=...&offset=...
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RuleFilter{
		HandlerName: q.Get("handler"),
		Limit:       queryInt(q.Get("limit"), 50),
		Offset:      queryInt(q.Get("offset"), 0),
	}

	if retiredStr := q.Get("retired"); retiredStr != "" {
		retired, err := strconv.ParseBool(retiredStr)
		if err != nil {
			BadRequest(w, "invalid retired")
			return
		}
		filter.Retired = &retired
	}

	rules, err := h.rules.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	now := h.now()
	result := make([]RuleResponse, len(rules))
	for i := range rules {
		result[i] = RuleFromDomain(&rules[i], now)
	}

	List(w, result, len(result))
}

// CreateRule создаёт новое правило.
// POST /api/v1/rules
//
// Первый occurrence вычисляется здесь, вместе с day_offset.
// Дальше next_occurrence сдвигает только scheduler.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	draft := req.Draft()
	if err := h.prepare(draft); HandleRepoError(w, h.logger, err, "") {
		return
	}

	first, err := h.calc.First(draft)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	now := h.now()
	rule := draft.Persist(uuid.New(), first, now)

	if err := h.rules.Create(r.Context(), rule); HandleRepoError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("rule created", "rule_id", rule.ID, "next_occurrence", rule.NextOccurrence)
	Created(w, RuleFromDomain(rule, now))
}

// GetRule возвращает правило по ID.
// GET /api/v1/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	rule, err := h.rules.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "rule not found") {
		return
	}

	Success(w, RuleFromDomain(rule, h.now()))
}

// UpdateRule обновляет правило под его lock'ом.
// PUT /api/v1/rules/{id}
//
// При изменении расписания (или для исчерпанного правила)
// next_occurrence вычисляется заново от текущего момента.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	change, err := durable.Run(r.Context(), h.runner, domain.RuleLockKey(id),
		func(ctx context.Context, tx lock.Tx) (ruleChange, error) {
			rule, err := h.rules.GetForUpdate(ctx, tx, id)
			if err != nil {
				return ruleChange{}, err
			}

			now := h.now()
			if err := h.applyUpdate(rule, &req, now); err != nil {
				return ruleChange{}, err
			}
			if err := h.rules.UpdateRecurrence(ctx, tx, rule); err != nil {
				return ruleChange{}, err
			}
			return ruleChange{RuleID: id, Action: "updated", At: now, rule: rule}, nil
		})
	if !h.committed(err) && HandleRepoError(w, h.logger, err, "rule not found") {
		return
	}

	h.logger.Info("rule updated", "rule_id", id, "next_occurrence", change.rule.NextOccurrence)
	Success(w, RuleFromDomain(change.rule, h.now()))
}

// DeleteRule удаляет правило под его lock'ом.
// DELETE /api/v1/rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	_, err := durable.Run(r.Context(), h.runner, domain.RuleLockKey(id),
		func(ctx context.Context, tx lock.Tx) (ruleChange, error) {
			if err := h.rules.Delete(ctx, tx, id); err != nil {
				return ruleChange{}, err
			}
			return ruleChange{RuleID: id, Action: "deleted", At: h.now()}, nil
		})
	if !h.committed(err) && HandleRepoError(w, h.logger, err, "rule not found") {
		return
	}

	h.logger.Info("rule deleted", "rule_id", id)
	NoContent(w)
}

// RuleDates возвращает ближайшие occurrences правила.
// GET /api/v1/rules/{id}/dates?count=...&start=...
//
// start (RFC 3339) по умолчанию — текущий момент.
func (h *Handler) RuleDates(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	count := queryInt(r.URL.Query().Get("count"), defaultDatesCount)
	start := h.now()
	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			BadRequest(w, "invalid start, expected RFC 3339")
			return
		}
		start = t
	}

	rule, err := h.rules.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "rule not found") {
		return
	}

	dates, err := h.calc.Dates(&rule.Recurrence, count, &start)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	Success(w, DatesResponse{RuleID: &rule.ID, Dates: dates})
}

// CloneRule создаёт копию правила, опционально с другим day_offset.
// POST /api/v1/rules/{id}/clone
//
// Копия продолжает серию с того же occurrence, что и исходное правило.
func (h *Handler) CloneRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req CloneRuleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	rule, err := h.rules.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "rule not found") {
		return
	}

	draft := rule.CloneDraft()
	next := rule.NextOccurrence

	if req.DayOffset != nil && *req.DayOffset != rule.DayOffset {
		if next != nil {
			moved, err := h.calc.Reoffset(&rule.Recurrence, *next, *req.DayOffset)
			if HandleRepoError(w, h.logger, err, "") {
				return
			}
			next = &moved
		}
		draft.DayOffset = *req.DayOffset
	}

	now := h.now()
	clone := draft.Persist(uuid.New(), next, now)

	if err := h.rules.Create(r.Context(), clone); HandleRepoError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("rule cloned", "rule_id", clone.ID, "source_id", rule.ID, "day_offset", clone.DayOffset)
	Created(w, RuleFromDomain(clone, now))
}

// PreviewRule вычисляет occurrences для параметров без сохранения.
// POST /api/v1/rules/preview
func (h *Handler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Count <= 0 {
		req.Count = defaultDatesCount
	}

	draft := req.Draft()
	if err := h.prepare(draft); HandleRepoError(w, h.logger, err, "") {
		return
	}

	dates, err := h.calc.Dates(&draft.Recurrence, req.Count, req.Start)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	Success(w, DatesResponse{Dates: dates})
}

// ListHandlers возвращает имена зарегистрированных обработчиков.
// GET /api/v1/handlers
func (h *Handler) ListHandlers(w http.ResponseWriter, r *http.Request) {
	Success(w, HandlersResponse{Handlers: h.handlers.Names()})
}

// --- Helpers ---

// prepare проверяет обработчик, подставляет значения по умолчанию
// и валидирует расписание черновика.
func (h *Handler) prepare(draft *domain.DraftRule) error {
	if _, err := h.handlers.Get(draft.HandlerName); err != nil {
		return err
	}
	if err := h.calc.FillDefaults(&draft.Recurrence); err != nil {
		return err
	}
	return h.calc.Validate(&draft.Recurrence)
}

func (h *Handler) applyUpdate(rule *domain.RRule, req *UpdateRuleRequest, now time.Time) error {
	if req.HandlerName != nil {
		if _, err := h.handlers.Get(*req.HandlerName); err != nil {
			return err
		}
		rule.HandlerName = *req.HandlerName
	}
	if req.Metadata != nil {
		rule.Metadata = *req.Metadata
	}

	prev := rule.State(now)
	if req.changesRecurrence() || prev.IsTerminal() {
		if req.Params != nil {
			rule.Params = *req.Params
		}
		if req.ClearExclusion {
			rule.Exclusion = nil
		}
		if req.Exclusion != nil {
			rule.Exclusion = req.Exclusion
		}
		if req.TimeZone != nil {
			rule.TimeZone = *req.TimeZone
		}
		if req.DayOffset != nil {
			rule.DayOffset = *req.DayOffset
		}

		if err := h.calc.FillDefaults(&rule.Recurrence); err != nil {
			return err
		}
		if err := h.calc.Validate(&rule.Recurrence); err != nil {
			return err
		}

		from := now
		if rule.LastOccurrence != nil && rule.LastOccurrence.After(from) {
			from = *rule.LastOccurrence
		}
		next, err := h.calc.Next(&rule.Recurrence, from)
		if err != nil {
			return err
		}
		rule.NextOccurrence = next

		if prev.IsTerminal() {
			if err := prev.Transition(rule.State(now)); err != nil {
				return err
			}
		}
	}

	rule.UpdatedAt = now
	return nil
}

// committed возвращает true, если unit of work закоммичен,
// но значение lock'а не сохранилось. Такой ответ — успех.
func (h *Handler) committed(err error) bool {
	if errors.Is(err, durable.ErrValueNotStored) {
		h.logger.Warn("rule change committed, lock value not stored", "error", err)
		return true
	}
	return false
}

func ruleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid rule id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt парсит query параметр, при ошибке возвращает defaultVal.
func queryInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
