package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Exit codes. Cobra usage errors exit with codeUsage via main.
const (
	codeOK      = 0
	codeUsage   = 2
	codeAuth    = 3
	codeUnreach = 4
	codePartial = 5
)

// exitError carries the process exit code alongside the message.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func usageErr(format string, args ...any) error {
	return &exitError{code: codeUsage, msg: fmt.Sprintf(format, args...)}
}

// client is a minimal wrapper over the dbkeep REST API.
type client struct {
	server string
	token  string
	http   *http.Client
}

func newClient(server, token string, timeout time.Duration) *client {
	return &client{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: timeout},
	}
}

// apiError mirrors the server's error envelope.
type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// do performs a request and decodes the {"data": ...} envelope into out.
// Transport failures exit 4, auth failures 3, everything else the API
// rejects 2.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reqBody)
	if err != nil {
		return usageErr("bad request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{code: codeUnreach, msg: fmt.Sprintf("cannot reach %s: %v", c.server, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("malformed response from server: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

func (c *client) decodeError(resp *http.Response) error {
	var envelope struct {
		Error apiError `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		if envelope.Error.RetryAfter > 0 {
			msg += fmt.Sprintf(" (retry after %ds)", envelope.Error.RetryAfter)
		}
	}
	code := codeUsage
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		code = codeAuth
	}
	return &exitError{code: code, msg: msg}
}

// download streams a raw (non-envelope) response body to w.
func (c *client) download(ctx context.Context, path string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return usageErr("bad request: %v", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{code: codeUnreach, msg: fmt.Sprintf("cannot reach %s: %v", c.server, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
