package recurrence

import "errors"

var (
	// ErrInvalidParams — параметры правила не удалось превратить в rrule.
	ErrInvalidParams = errors.New("invalid recurrence params")

	// ErrInvalidTimezone — неизвестный IANA часовой пояс.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrCandidateLimit — перебрано слишком много кандидатов подряд,
	// ни один не прошёл фильтры (например, exclusion исключает всё).
	ErrCandidateLimit = errors.New("candidate limit exceeded")
)
