package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/domain"
)

// Rule DTOs

// CreateRuleRequest — запрос на создание правила.
type CreateRuleRequest struct {
	Params      domain.Params  `json:"params"`
	Exclusion   *domain.Params `json:"exclusion,omitempty"`
	TimeZone    string         `json:"time_zone,omitempty"`
	DayOffset   int            `json:"day_offset,omitempty"`
	HandlerName string         `json:"handler_name"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Draft конвертирует запрос в domain.DraftRule.
func (r *CreateRuleRequest) Draft() *domain.DraftRule {
	handlerName := r.HandlerName
	if handlerName == "" {
		handlerName = "noop"
	}
	return &domain.DraftRule{
		Recurrence: domain.Recurrence{
			Params:    r.Params,
			Exclusion: r.Exclusion,
			TimeZone:  r.TimeZone,
			DayOffset: r.DayOffset,
		},
		HandlerName: handlerName,
		Metadata:    r.Metadata,
	}
}

// UpdateRuleRequest — запрос на обновление правила.
// Незаданные поля не меняются.
type UpdateRuleRequest struct {
	Params         *domain.Params  `json:"params,omitempty"`
	Exclusion      *domain.Params  `json:"exclusion,omitempty"`
	ClearExclusion bool            `json:"clear_exclusion,omitempty"`
	TimeZone       *string         `json:"time_zone,omitempty"`
	DayOffset      *int            `json:"day_offset,omitempty"`
	HandlerName    *string         `json:"handler_name,omitempty"`
	Metadata       *map[string]any `json:"metadata,omitempty"`
}

// changesRecurrence возвращает true, если меняется расписание.
func (r *UpdateRuleRequest) changesRecurrence() bool {
	return r.Params != nil || r.Exclusion != nil || r.ClearExclusion ||
		r.TimeZone != nil || r.DayOffset != nil
}

// CloneRuleRequest — запрос на клонирование правила.
type CloneRuleRequest struct {
	// DayOffset — новый сдвиг. nil — как у исходного правила.
	DayOffset *int `json:"day_offset,omitempty"`
}

// PreviewRequest — вычисление дат без сохранения правила.
type PreviewRequest struct {
	CreateRuleRequest
	Count int        `json:"count,omitempty"`
	Start *time.Time `json:"start,omitempty"`
}

// RuleResponse — ответ с правилом.
type RuleResponse struct {
	ID              uuid.UUID      `json:"id"`
	Params          domain.Params  `json:"params"`
	Exclusion       *domain.Params `json:"exclusion,omitempty"`
	TimeZone        string         `json:"time_zone"`
	DayOffset       int            `json:"day_offset"`
	HandlerName     string         `json:"handler_name"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	State           string         `json:"state"`
	NextOccurrence  *time.Time     `json:"next_occurrence,omitempty"`
	LastOccurrence  *time.Time     `json:"last_occurrence,omitempty"`
	TimeLastHandled *time.Time     `json:"time_last_handled,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RuleFromDomain конвертирует domain.RRule в RuleResponse.
func RuleFromDomain(r *domain.RRule, now time.Time) RuleResponse {
	if r == nil {
		return RuleResponse{}
	}
	return RuleResponse{
		ID:              r.ID,
		Params:          r.Params,
		Exclusion:       r.Exclusion,
		TimeZone:        r.TimeZone,
		DayOffset:       r.DayOffset,
		HandlerName:     r.HandlerName,
		Metadata:        r.Metadata,
		State:           r.State(now).String(),
		NextOccurrence:  r.NextOccurrence,
		LastOccurrence:  r.LastOccurrence,
		TimeLastHandled: r.TimeLastHandled,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// DatesResponse — список occurrences.
type DatesResponse struct {
	RuleID *uuid.UUID  `json:"rule_id,omitempty"`
	Dates  []time.Time `json:"dates"`
}

// HandlersResponse — зарегистрированные обработчики.
type HandlersResponse struct {
	Handlers []string `json:"handlers"`
}

// ruleChange — значение lock'а правила после изменения через API.
type ruleChange struct {
	RuleID uuid.UUID `json:"rule_id"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`

	rule *domain.RRule
}
