package handler

import "errors"

var (
	// ErrUnknownHandler — обработчик с таким именем не зарегистрирован.
	ErrUnknownHandler = errors.New("unknown handler")

	// ErrHTTPRequest — HTTP-уведомление не доставлено.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrPublish — публикация события не удалась.
	ErrPublish = errors.New("publish failed")
)
