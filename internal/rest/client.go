package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"livescore-dash/internal/market"
	"livescore-dash/internal/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// APIError is a failed dashboard API call. Message is the server's
// {"error": ...} text when it sent one, else "code: status text".
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// FieldErrors is a rejected quote form: messages keyed by form field.
type FieldErrors map[string][]string

func (f FieldErrors) Error() string {
	parts := make([]string, 0, len(f))
	for _, field := range f.fields() {
		parts = append(parts, field+": "+strings.Join(f[field], "; "))
	}
	return strings.Join(parts, ", ")
}

// Messages returns every message in field order.
func (f FieldErrors) Messages() []string {
	var out []string
	for _, field := range f.fields() {
		out = append(out, f[field]...)
	}
	return out
}

func (f FieldErrors) fields() []string {
	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// AsFieldErrors unwraps err into FieldErrors.
func AsFieldErrors(err error) (FieldErrors, bool) {
	var fields FieldErrors
	if errors.As(err, &fields) {
		return fields, true
	}
	return nil, false
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// State fetches a full market snapshot.
func (c *Client) State(ctx context.Context) (market.MarketState, error) {
	var state market.MarketState
	resp, err := c.get(ctx, "/state/", nil)
	if err != nil {
		return state, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// Start opens the market with the given tick size and returns where the
// server redirected, empty when it did not.
func (c *Client) Start(ctx context.Context, tickSize decimal.Decimal) (string, error) {
	if err := market.RequirePositive("ticksize", tickSize); err != nil {
		return "", err
	}
	resp, err := c.get(ctx, "/api/start", url.Values{"ticksize": {tickSize.String()}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Header.Get("Location"), nil
}

// Settle asks the server to settle the market at price.
func (c *Client) Settle(ctx context.Context, price decimal.Decimal) (settlement.Result, error) {
	var res settlement.Result
	if err := market.RequirePositive("price", price); err != nil {
		return res, err
	}
	resp, err := c.get(ctx, "/api/settle", url.Values{"price": {price.String()}})
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode settlement: %w", err)
	}
	return res, nil
}

// SubmitQuote posts a trader's bid and ask to path. A rejected form comes
// back as FieldErrors.
func (c *Client) SubmitQuote(ctx context.Context, path, bid, ask string) error {
	form := url.Values{"bid": {bid}, "ask": {ask}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if isSuccess(resp.StatusCode) {
		return nil
	}
	if fields := decodeFieldErrors(body); len(fields) > 0 {
		return fields
	}
	return newAPIError(resp, body)
}

// Upload sends a market definition file as multipart field "upload".
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("upload", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if !isSuccess(resp.StatusCode) {
		return newAPIError(resp, body)
	}
	var result struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err == nil && strings.TrimSpace(result.Error) != "" {
		return &APIError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Message: result.Error}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newAPIError(resp, body)
	}
	c.log.Debug("api request ok", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return resp, nil
}

// Redirects count as success since the client never follows them.
func isSuccess(code int) bool {
	return code >= 200 && code < 400
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	statusText := http.StatusText(resp.StatusCode)
	if statusText == "" {
		statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	}
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Status:     statusText,
		Message:    fmt.Sprintf("%d: %s", resp.StatusCode, statusText),
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		apiErr.Message = payload.Error
	}
	return apiErr
}

func decodeFieldErrors(body []byte) FieldErrors {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	fields := make(FieldErrors, len(raw))
	for field, value := range raw {
		var messages []string
		if err := json.Unmarshal(value, &messages); err != nil {
			continue
		}
		if len(messages) > 0 {
			fields[field] = messages
		}
	}
	return fields
}
