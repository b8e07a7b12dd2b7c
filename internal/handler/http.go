package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPHandler — обработчик "http": webhook об occurrence.
//
// Config (из metadata правила):
//   - url (string): адрес webhook (обязательно)
//   - method (string): HTTP-метод. Default: POST
//   - headers (map[string]any): HTTP-заголовки
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Тело запроса — JSON Payload. Заголовок Idempotency-Key содержит
// ключ occurrence. Ответ >= 400 считается ошибкой.
type HTTPHandler struct {
	// Client — HTTP клиент (по умолчанию http.DefaultClient).
	Client *http.Client
}

// Handle отправляет webhook.
func (h *HTTPHandler) Handle(ctx context.Context, occ *Occurrence) error {
	meta := occ.Rule.Metadata

	url := getString(meta, "url", "")
	if url == "" {
		return fmt.Errorf("%w: metadata.url is required", ErrHTTPRequest)
	}
	method := getString(meta, "method", http.MethodPost)

	ctx, cancel := context.WithTimeout(ctx, getTimeout(meta))
	defer cancel()

	body, err := json.Marshal(occ.Payload())
	if err != nil {
		return fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	setHeaders(req, meta)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", occ.IdempotencyKey())

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getTimeout извлекает таймаут из metadata.
func getTimeout(meta map[string]any) time.Duration {
	if val, ok := meta["timeout_sec"]; ok {
		switch v := val.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		}
	}
	return defaultHTTPTimeout
}

// setHeaders устанавливает заголовки из metadata.
func setHeaders(req *http.Request, meta map[string]any) {
	headers, ok := meta["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
