// Package scheduler реализует RecurrenceProcessor.
//
// Scheduler периодически находит правила с истекшим next_occurrence,
// вызывает их handler и сдвигает правило на следующий occurrence.
// Каждое правило обрабатывается под своим advisory lock'ом
// ("rrule:<id>") внутри durable unit of work, поэтому несколько
// экземпляров recur-scheduler могут работать одновременно.
//
// Структура:
//   - scheduler.go — Tick, обработка одного правила
//   - cron.go      — запуск Tick по расписанию (robfig/cron)
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:      ruleRepo,
//	    Runner:     runner,
//	    Calculator: calc,
//	    Handlers:   handlers,
//	    Logger:     logger,
//	})
//
//	// Блокируется до отмены ctx
//	if err := sched.Run(ctx, "@every 5s"); err != nil {
//	    logger.Error("scheduler stopped", "error", err)
//	}
//
// Гарантии:
//
// Occurrence может быть доставлен повторно, если handler отработал,
// а транзакция не закоммитилась. Handler'ы получают idempotency key
// "{rule_id}_{occurrence_unix}" для дедупликации.
package scheduler
