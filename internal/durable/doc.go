// Package durable выполняет unit of work под advisory lock'ом в транзакции.
//
// Порядок: lock → begin → work → commit → сохранить значение и освободить lock.
// Lock берётся до чтения изменяемых данных: work обязан перечитать всё,
// от чего зависит, уже внутри транзакции.
//
// Закоммиченный unit of work не может быть откатан внешним кодом:
// Run отказывается работать внутри другого unit of work.
package durable
