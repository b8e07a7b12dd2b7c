// Package worker доставляет occurrences из очереди RabbitMQ.
//
// # Обзор
//
// Обработчик publish в scheduler'е не вызывает получателя сам: он
// публикует событие occurrence.due и отпускает lock правила. Worker
// забирает событие из очереди occurrences.due и доставляет его
// обработчиком, имя которого записано в payload.deliver (log, http, ...).
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди.
//
// # Доставка
//
// Occurrence восстанавливается из payload: rule_id, момент occurrence,
// metadata правила и ключ идемпотентности. Транзакции нет (Tx == nil),
// lock правила не берётся.
//
// Повторы выполняются внутри одного сообщения:
//
//	delay = InitialDelay * 2^(attempt-1), не больше MaxDelay
//
// Если попытки исчерпаны, сообщение nack'ается: при первой доставке
// оно возвращается в очередь, при повторной уходит в DLQ.
// Ошибки, которые повтор не исправит (битый payload, неизвестный
// обработчик, deliver=publish), сразу помечаются mq.ErrPermanent.
//
// # Использование
//
//	w := worker.New(worker.Config{
//	    Conn:     mqConn,
//	    Handlers: registry,
//	    Prefetch: cfg.Worker.Prefetch,
//	    Logger:   logger,
//	})
//	if err := w.Start(ctx); err != nil { ... }
//	<-ctx.Done()
//	w.Stop()
package worker
