// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go      — Handler с DI (репозиторий, runner, калькулятор, logger)
//   - routes.go       — регистрация маршрутов
//   - middleware.go   — middleware (logging, recovery, metrics)
//   - response.go     — унифицированные JSON-ответы и обработка ошибок
//   - dto.go          — Data Transfer Objects (request/response)
//   - rule_handler.go — обработчики для /rules
//
// Изменения существующего правила выполняются под тем же advisory
// lock'ом, что и обработка его occurrences в scheduler.
package api
