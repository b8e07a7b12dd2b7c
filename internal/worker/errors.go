package worker

import "errors"

// Ошибки воркера.
var (
	// ErrInvalidPayload — payload occurrence.due не разобран.
	ErrInvalidPayload = errors.New("invalid occurrence payload")

	// ErrLoopingDelivery — deliver указывает на publish и вернул бы
	// occurrence обратно в очередь.
	ErrLoopingDelivery = errors.New("delivery handler would republish occurrence")

	// ErrRetryExhausted — все попытки доставки исчерпаны.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)
