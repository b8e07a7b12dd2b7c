// Package handler содержит обработчики occurrences.
//
// Обработчик вызывается scheduler'ом под lock'ом правила, до продвижения
// next_occurrence. Ошибка обработчика откатывает транзакцию: правило
// остаётся DUE и будет обработано повторно.
//
// Встроенные обработчики:
//   - noop    — ничего не делает
//   - log     — пишет occurrence в лог
//   - http    — webhook на metadata.url с заголовком Idempotency-Key
//   - publish — событие occurrence.due в RabbitMQ (если настроен)
package handler
