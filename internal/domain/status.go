package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition возвращается при недопустимой смене состояния правила.
var ErrInvalidTransition = errors.New("invalid rule state transition")

// RuleState — состояние правила повторения.
//
// Жизненный цикл:
//
//	IDLE → DUE → LOCKED_PROCESSING → ADVANCING → IDLE
//	                               ↘ RETIRED (next_occurrence отсутствует)
//	           (ошибка обработчика) → DUE
//	RETIRED → IDLE (изменение параметров продлило серию)
//
// Created/Persisted выражены типами DraftRule и RRule.
type RuleState string

const (
	// RuleStateIdle — next_occurrence в будущем.
	RuleStateIdle RuleState = "IDLE"

	// RuleStateDue — next_occurrence наступил, правило ждёт scheduler.
	RuleStateDue RuleState = "DUE"

	// RuleStateLockedProcessing — scheduler держит lock и выполняет обработчик.
	RuleStateLockedProcessing RuleState = "LOCKED_PROCESSING"

	// RuleStateAdvancing — обработчик завершился, вычисляется следующий occurrence.
	RuleStateAdvancing RuleState = "ADVANCING"

	// RuleStateRetired — серия исчерпана (count/until).
	RuleStateRetired RuleState = "RETIRED"
)

// IsTerminal возвращает true, если серия исчерпана. Сработать снова
// правило может только после изменения параметров.
func (s RuleState) IsTerminal() bool {
	return s == RuleStateRetired
}

// String возвращает строковое представление RuleState.
func (s RuleState) String() string {
	return string(s)
}

// CanTransition проверяет, допустим ли переход from → to.
func (s RuleState) CanTransition(to RuleState) bool {
	switch s {
	case RuleStateIdle:
		return to == RuleStateDue
	case RuleStateDue:
		return to == RuleStateLockedProcessing
	case RuleStateLockedProcessing:
		return to == RuleStateAdvancing || to == RuleStateDue
	case RuleStateAdvancing:
		return to == RuleStateIdle || to == RuleStateDue || to == RuleStateRetired
	case RuleStateRetired:
		return to == RuleStateIdle
	default:
		return false
	}
}

// Transition проверяет переход s → to. Оставаться в том же
// состоянии допустимо.
func (s RuleState) Transition(to RuleState) error {
	if s == to || s.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s, to)
}
