package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// Params — параметры повторения.
type Params struct {
	Freq       string   `json:"freq"`
	DTStart    string   `json:"dtstart,omitempty"`
	Interval   int      `json:"interval,omitempty"`
	Count      int      `json:"count,omitempty"`
	Until      string   `json:"until,omitempty"`
	ByWeekday  []string `json:"byweekday,omitempty"`
	ByMonth    []int    `json:"bymonth,omitempty"`
	ByMonthDay []int    `json:"bymonthday,omitempty"`
	ByHour     []int    `json:"byhour,omitempty"`
	ByMinute   []int    `json:"byminute,omitempty"`
	BySetPos   []int    `json:"bysetpos,omitempty"`
}

// RuleResponse — правило из API.
type RuleResponse struct {
	ID              string         `json:"id"`
	Params          Params         `json:"params"`
	Exclusion       *Params        `json:"exclusion,omitempty"`
	TimeZone        string         `json:"time_zone"`
	DayOffset       int            `json:"day_offset"`
	HandlerName     string         `json:"handler_name"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	State           string         `json:"state"`
	NextOccurrence  string         `json:"next_occurrence,omitempty"`
	LastOccurrence  string         `json:"last_occurrence,omitempty"`
	TimeLastHandled string         `json:"time_last_handled,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// DatesResponse — список occurrences из API.
type DatesResponse struct {
	RuleID string      `json:"rule_id,omitempty"`
	Dates  []time.Time `json:"dates"`
}

// --- Request types ---

// CreateRuleRequest — создание правила.
type CreateRuleRequest struct {
	Params      Params         `json:"params"`
	Exclusion   *Params        `json:"exclusion,omitempty"`
	TimeZone    string         `json:"time_zone,omitempty"`
	DayOffset   int            `json:"day_offset,omitempty"`
	HandlerName string         `json:"handler_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UpdateRuleRequest — обновление правила. nil-поля не меняются.
type UpdateRuleRequest struct {
	Params         *Params         `json:"params,omitempty"`
	Exclusion      *Params         `json:"exclusion,omitempty"`
	ClearExclusion bool            `json:"clear_exclusion,omitempty"`
	TimeZone       *string         `json:"time_zone,omitempty"`
	DayOffset      *int            `json:"day_offset,omitempty"`
	HandlerName    *string         `json:"handler_name,omitempty"`
	Metadata       *map[string]any `json:"metadata,omitempty"`
}

// PreviewRequest — вычисление дат без сохранения.
type PreviewRequest struct {
	CreateRuleRequest
	Count int        `json:"count,omitempty"`
	Start *time.Time `json:"start,omitempty"`
}

// ListRulesOpts — параметры фильтрации правил.
type ListRulesOpts struct {
	Handler string
	Retired *bool
	Limit   int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// APIError — ошибка, вернувшаяся из API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client — HTTP-клиент для Recur API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Rules ---

// ListRules возвращает правила с фильтрацией.
func (c *Client) ListRules(opts ListRulesOpts) ([]RuleResponse, error) {
	params := url.Values{}
	if opts.Handler != "" {
		params.Set("handler", opts.Handler)
	}
	if opts.Retired != nil {
		params.Set("retired", strconv.FormatBool(*opts.Retired))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var rules []RuleResponse
	err := c.list("/api/v1/rules", params, &rules)
	return rules, err
}

// CreateRule создаёт правило.
func (c *Client) CreateRule(req CreateRuleRequest) (*RuleResponse, error) {
	var rule RuleResponse
	err := c.post("/api/v1/rules", req, &rule)
	return &rule, err
}

// GetRule возвращает правило по ID.
func (c *Client) GetRule(id string) (*RuleResponse, error) {
	var rule RuleResponse
	err := c.get("/api/v1/rules/"+id, &rule)
	return &rule, err
}

// UpdateRule обновляет правило.
func (c *Client) UpdateRule(id string, req UpdateRuleRequest) (*RuleResponse, error) {
	var rule RuleResponse
	err := c.put("/api/v1/rules/"+id, req, &rule)
	return &rule, err
}

// DeleteRule удаляет правило.
func (c *Client) DeleteRule(id string) error {
	return c.delete("/api/v1/rules/" + id)
}

// RuleDates возвращает ближайшие occurrences правила.
// start — нулевое значение означает "от текущего момента".
func (c *Client) RuleDates(id string, count int, start time.Time) (*DatesResponse, error) {
	params := url.Values{}
	if count > 0 {
		params.Set("count", strconv.Itoa(count))
	}
	if !start.IsZero() {
		params.Set("start", start.Format(time.RFC3339))
	}

	path := "/api/v1/rules/" + id + "/dates"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var dates DatesResponse
	err := c.get(path, &dates)
	return &dates, err
}

// CloneRule клонирует правило. dayOffset == nil — тот же сдвиг.
func (c *Client) CloneRule(id string, dayOffset *int) (*RuleResponse, error) {
	body := map[string]*int{"day_offset": dayOffset}
	var rule RuleResponse
	err := c.post("/api/v1/rules/"+id+"/clone", body, &rule)
	return &rule, err
}

// PreviewRule вычисляет occurrences без сохранения правила.
func (c *Client) PreviewRule(req PreviewRequest) (*DatesResponse, error) {
	var dates DatesResponse
	err := c.post("/api/v1/rules/preview", req, &dates)
	return &dates, err
}

// ListHandlers возвращает имена обработчиков на сервере.
func (c *Client) ListHandlers() ([]string, error) {
	var resp struct {
		Handlers []string `json:"handlers"`
	}
	err := c.get("/api/v1/handlers", &resp)
	return resp.Handlers, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
