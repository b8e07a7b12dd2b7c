// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий occurrence.due
//   - consumer.go   — потребление событий (recur-worker)
//
// Exchanges:
//   - recur.occurrences — события occurrences (очередь occurrences.due)
//   - recur.dlq         — dead letter queue (dlq.occurrences)
package mq
