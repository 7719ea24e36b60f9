package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient interface {
	Do(*http.Request) (*http.Response, error)
} = &http.Client{Timeout: 15 * time.Second}

// apiError is the error body returned by htlcd.
type apiError struct {
	Status   int    `json:"-"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Op       string `json:"op,omitempty"`
	Deadline uint64 `json:"deadline,omitempty"`
	Start    uint64 `json:"start,omitempty"`
	End      uint64 `json:"end,omitempty"`
}

func (e *apiError) Error() string {
	switch {
	case e.Start != 0 || e.End != 0:
		return fmt.Sprintf("%s: %s (window %d..%d)", e.Code, e.Message, e.Start, e.End)
	case e.Deadline != 0:
		return fmt.Sprintf("%s: %s (deadline %d)", e.Code, e.Message, e.Deadline)
	case e.Code != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("http %d", e.Status)
	}
}

// call issues method against path on the active endpoint. When body is
// non-nil it is sent as JSON; when out is non-nil the response is decoded
// into it.
func call(ctx context.Context, method, path string, body, out interface{}, auth bool) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(active.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if strings.TrimSpace(active.Token) == "" {
			return errors.New("a bearer token is required; pass --token or run htlc-cli profile set --token")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(active.Token))
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if len(bytes.TrimSpace(data)) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "Error: encode output: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, string(data))
	return 0
}
