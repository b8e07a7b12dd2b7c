// Package recurrence вычисляет occurrences правил повторения.
//
// Основное правило разворачивается библиотекой rrule-go в часовом
// поясе правила. Поверх этого калькулятор применяет:
//
//   - правило исключений (exclusion): кандидаты, совпадающие
//     с его occurrences с точностью до секунды, пропускаются;
//   - day offset: сдвиг на N дней wall-clock времени в поясе правила.
//
// Offset применяется к wall-clock значению до перевода в UTC, поэтому
// сдвинутое событие сохраняет локальное время при переходе на летнее время.
//
// Результаты всегда возвращаются в UTC. nil означает, что серия
// исчерпана (count/until) и это не ошибка.
package recurrence
