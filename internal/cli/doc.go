// Package cli реализует инструмент командной строки Recur.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Recur API.
// Работает через HTTP, не импортирует внутренние пакеты системы:
// типы ответов продублированы в client.go.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Recur API. Инкапсулирует HTTP-запросы,
// разбор конвертов {"data": ...} и {"error": ...}.
// Ошибки API возвращаются как *APIError с HTTP-статусом и кодом
// (например, LOCKED, если правило сейчас обрабатывается).
//
//	client := cli.NewClient("http://localhost:8080")
//	rules, err := client.ListRules(cli.ListRulesOpts{})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.Encoder) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: recur rule list --json | jq .
//
// ## Commands
//
// Группа rule: list, create, show, update, delete, dates, clone,
// preview, handlers.
//
// Параметры повторения задаются флагами в терминах RFC 5545
// (--freq, --byweekday, --bymonthday, ...). update отправляет только
// явно заданные флаги (cmd.Flags().Changed).
//
// NewRuleCmd принимает clientFn и outputFn — замыкания для ленивого
// создания Client и Output после парсинга PersistentFlags.
package cli
