package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl/pkg/api"
)

// HTTP performs the http tool kind: one request built from the rendered
// config, with the decoded response exposed to routing and eval conditions
type HTTP struct {
	client *http.Client
}

var _ Tool = (*HTTP)(nil)

var ErrURLMissing = errors.New("http tool has no url")

const defaultHTTPTimeout = 30 * time.Second

// NewHTTP creates the http tool with the given default timeout. A timeout
// key in the tool config overrides it per call
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTP{client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Kind() api.ToolKind {
	return api.ToolHTTP
}

func (h *HTTP) Call(ctx context.Context, call *Call) (any, error) {
	rawURL := call.Config.GetString("url", "")
	if rawURL == "" {
		return nil, ErrURLMissing
	}
	method := strings.ToUpper(call.Config.GetString("method", "GET"))

	target, err := buildURL(rawURL, call.Config.GetMap("params"))
	if err != nil {
		return nil, err
	}
	body, contentType, err := buildBody(call.Config)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "NoETL/1.0")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range call.Config.GetMap("headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	if t := call.Config.GetFloat("timeout", 0); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(
			ctx, time.Duration(t*float64(time.Second)),
		)
		defer cancel()
		req = req.WithContext(ctx)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	data := decodeBody(respBody)

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       data,
			RetryAfter: retryAfter(resp),
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"url":         target,
		"data":        data,
		"elapsed_ms":  time.Since(start).Milliseconds(),
	}, nil
}

func buildURL(rawURL string, params map[string]any) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildBody(cfg api.Config) (io.Reader, string, error) {
	if raw, ok := cfg["data"]; ok && raw != nil {
		if s, ok := raw.(string); ok {
			return strings.NewReader(s),
				"application/x-www-form-urlencoded", nil
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
	if raw, ok := cfg["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
	return nil, "", nil
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(body, &data); err == nil {
		return data
	}
	return string(body)
}

func retryAfter(resp *http.Response) float64 {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return secs
	}
	if t, err := http.ParseTime(raw); err == nil {
		return time.Until(t).Seconds()
	}
	return 0
}
