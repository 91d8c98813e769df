package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pipegen/internal/ctlerr"
	logpkg "pipegen/internal/log"
	"pipegen/internal/splitter"
)

// Client wraps the Flink SQL Gateway's session-scoped HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logpkg.Logger

	// PollInterval is the delay between operation-status polls.
	PollInterval time.Duration
	// PollTimeout bounds how long PollStatus waits for a terminal status.
	PollTimeout time.Duration
	// FetchDelay is the delay used between result-page fetches that are
	// waiting on NOT_READY or an empty-but-not-done page.
	FetchDelay time.Duration
	// MaxFetchAttempts bounds the number of result pages FetchResults will
	// request for a single operation. Spec requires at least 20.
	MaxFetchAttempts int
	// MaxEmptyFetches bounds consecutive empty-but-continuing pages before
	// FetchResults gives up on what is presumed an empty result set.
	MaxEmptyFetches int
}

// New creates a Client for the gateway at baseURL (e.g.
// "http://localhost:8083"), with the defaults from spec §4.2/§5.
func New(baseURL string) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		logger:           logpkg.WithComponent(logpkg.Global(), "gateway"),
		PollInterval:     1 * time.Second,
		PollTimeout:      60 * time.Second,
		FetchDelay:       1 * time.Second,
		MaxFetchAttempts: 20,
		MaxEmptyFetches:  5,
	}
}

// WithHTTPClient overrides the transport (used by tests to inject short
// timeouts against an httptest.Server).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// CreateSession opens a new SQL Gateway session. execution.runtime-mode is
// always forced to "streaming" unless the caller's props already set it.
func (c *Client) CreateSession(ctx context.Context, props map[string]string) (*Session, error) {
	merged := make(map[string]string, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	if _, ok := merged["execution.runtime-mode"]; !ok {
		merged["execution.runtime-mode"] = "streaming"
	}

	body, err := json.Marshal(map[string]interface{}{"properties": merged})
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Session, "failed to encode session request", err)
	}

	resp, respBody, err := c.do(ctx, http.MethodPost, "/v1/sessions", body)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.GatewayUnreachable, "failed to reach gateway for session create", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.New(ctlerr.Session, fmt.Sprintf("session create failed: %d %s", resp.StatusCode, string(respBody)))
	}

	var parsed sessionCreateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.SessionHandle == "" {
		return nil, ctlerr.New(ctlerr.Session, "session create response missing sessionHandle")
	}

	c.logger.Info("session created", "handle", parsed.SessionHandle)
	return &Session{Handle: parsed.SessionHandle, URL: c.baseURL, Properties: merged}, nil
}

// CloseSession closes s. HTTP 404 (already gone) is treated as success.
func (c *Client) CloseSession(ctx context.Context, s *Session) error {
	if s == nil || s.Handle == "" {
		return nil
	}
	resp, respBody, err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+s.Handle, nil)
	if err != nil {
		return ctlerr.Wrap(ctlerr.GatewayUnreachable, "failed to reach gateway for session close", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return ctlerr.New(ctlerr.Session, fmt.Sprintf("session close failed: %d %s", resp.StatusCode, string(respBody)))
	}
	c.logger.Info("session closed", "handle", s.Handle)
	return nil
}

// Submit submits sqlText against session s and returns the operation
// handle the gateway assigned it.
func (c *Client) Submit(ctx context.Context, s *Session, sqlText string) (*Operation, error) {
	body, err := json.Marshal(map[string]string{"statement": sqlText})
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Submit, "failed to encode statement request", err)
	}

	resp, respBody, err := c.do(ctx, http.MethodPost, "/v1/sessions/"+s.Handle+"/statements", body)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.GatewayUnreachable, "failed to reach gateway for statement submit", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, ctlerr.New(ctlerr.Submit, fmt.Sprintf("statement submit rejected: %d %s", resp.StatusCode, string(respBody)))
	}

	var parsed statementSubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.OperationHandle == "" {
		return nil, ctlerr.New(ctlerr.Submit, "statement submit response missing operationHandle")
	}

	c.logger.Debug("statement submitted", "session", s.Handle, "operation", parsed.OperationHandle)
	return &Operation{Handle: parsed.OperationHandle, Status: StatusPending, StartedAt: time.Now()}, nil
}

// PollStatus blocks until op reaches a terminal status or PollTimeout
// elapses, whichever comes first. A timeout is reported as an
// OperationTimeout error, not as a status value.
func (c *Client) PollStatus(ctx context.Context, s *Session, op *Operation) (OperationStatus, error) {
	deadline := time.Now().Add(c.PollTimeout)
	for {
		status, errMsg, err := c.pollOnce(ctx, s, op)
		if err != nil {
			return StatusUnknown, err
		}
		op.Status = status
		switch status {
		case StatusFinished, StatusError, StatusCanceled:
			if status == StatusError {
				enriched := c.enrichError(ctx, s, op, errMsg)
				return status, ctlerr.New(ctlerr.OperationError, enriched).WithContext("operation", op.Handle)
			}
			return status, nil
		}
		if time.Now().After(deadline) {
			return StatusUnknown, ctlerr.New(ctlerr.OperationTimeout, fmt.Sprintf("operation %s did not finish within %s", op.Handle, c.PollTimeout))
		}
		select {
		case <-ctx.Done():
			return StatusUnknown, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, s *Session, op *Operation) (OperationStatus, string, error) {
	path := "/v1/sessions/" + s.Handle + "/operations/" + op.Handle + "/status"
	resp, respBody, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return StatusUnknown, "", ctlerr.Wrap(ctlerr.GatewayUnreachable, "failed to poll operation status", err)
	}
	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, "", ctlerr.New(ctlerr.GatewayUnreachable, fmt.Sprintf("status poll failed: %d %s", resp.StatusCode, string(respBody)))
	}
	var parsed operationStatusResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return StatusUnknown, "", ctlerr.New(ctlerr.OperationError, "malformed status response")
	}
	return OperationStatus(parsed.Status), parsed.ErrorMessage, nil
}

// enrichError fetches /result/0 once when status is ERROR: it typically
// carries the real exception as a 4xx body. It filters out stack-frame
// lines ("at ...") and surfaces the first line mentioning an error, the
// way the gateway's own CLI rendering does; it falls back to errMsg from
// the status envelope when the result fetch yields nothing useful.
func (c *Client) enrichError(ctx context.Context, s *Session, op *Operation, errMsg string) string {
	path := "/v1/sessions/" + s.Handle + "/operations/" + op.Handle + "/result/0"
	_, respBody, err := c.do(ctx, http.MethodGet, path, nil)
	if err == nil && len(respBody) > 0 {
		if detail := deepestCause(string(respBody)); detail != "" {
			return detail
		}
	}
	if errMsg != "" {
		return errMsg
	}
	return "operation failed with no further detail available"
}

// deepestCause extracts the first non-stack-frame line that looks like an
// error description, skipping "at ..." frames and "Caused by:" markers.
func deepestCause(body string) string {
	lines := strings.Split(body, "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "at ") || strings.HasPrefix(line, "Caused by:") {
			continue
		}
		lower := strings.ToLower(line)
		for _, kw := range []string{"error", "failed", "exception", "invalid"} {
			if strings.Contains(lower, kw) && len(line) < 400 {
				return line
			}
		}
	}
	return ""
}

// FetchResults drives the result-pagination protocol described in spec
// §4.2 starting from token 0. It calls yield once per HTTP fetch with the
// decoded ResultPage; yield returns false to stop early. FetchResults
// returns a non-nil error only when the very first fetch fails outright
// (spec: "report no results"); later failures stop iteration but are not
// reported as an error.
func (c *Client) FetchResults(ctx context.Context, s *Session, op *Operation, yield func(ResultPage) bool) error {
	uri := "/v1/sessions/" + s.Handle + "/operations/" + op.Handle + "/result/0?rowFormat=JSON"
	attempts := 0
	emptyStreak := 0
	totalRows := 0

	for uri != "" && attempts < c.MaxFetchAttempts {
		attempts++
		resp, respBody, err := c.do(ctx, http.MethodGet, uri, nil)
		if err != nil || resp.StatusCode != http.StatusOK {
			if attempts == 1 {
				if err != nil {
					return ctlerr.Wrap(ctlerr.GatewayUnreachable, "no results: failed to reach gateway", err)
				}
				return ctlerr.New(ctlerr.GatewayUnreachable, fmt.Sprintf("no results: fetch failed with status %d", resp.StatusCode))
			}
			return nil // later fetches: stop, return what we have accumulated via yield
		}

		var parsed resultResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			if attempts == 1 {
				return ctlerr.New(ctlerr.OperationError, "no results: malformed result response")
			}
			return nil
		}

		page := ResultPage{
			Columns:    parsed.Results.Columns,
			ResultType: ResultType(parsed.ResultType),
			NextURI:    parsed.NextResultURI,
			JobID:      parsed.JobID,
		}
		for _, r := range parsed.Results.Data {
			page.Rows = append(page.Rows, Row{Kind: ChangeKind(r.Kind), Fields: r.Fields})
		}
		totalRows += len(page.Rows)

		if !yield(page) {
			return nil
		}

		if page.ResultType == ResultEOS {
			return nil
		}
		if page.NextURI == "" {
			return nil
		}

		if page.ResultType == ResultNotReady {
			emptyStreak = 0 // NOT_READY is an explicit signal, not an empty-data retry
			if !sleepOrDone(ctx, c.FetchDelay) {
				return nil
			}
			uri = page.NextURI
			continue
		}

		if len(page.Rows) == 0 {
			emptyStreak++
			if emptyStreak >= c.MaxEmptyFetches && totalRows == 0 {
				return nil // likely an empty result set
			}
			if !sleepOrDone(ctx, c.FetchDelay) {
				return nil
			}
			uri = page.NextURI
			continue
		}

		emptyStreak = 0
		uri = page.NextURI
	}

	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ExecuteMany splits sqlText via splitter.Split and runs each statement in
// turn against session s, honoring onError. A statement's side effects are
// visible to the next since they share one session.
func (c *Client) ExecuteMany(ctx context.Context, s *Session, sqlText string, onError OnErrorPolicy) ([]StatementResult, bool) {
	statements := splitter.Split(sqlText)
	results := make([]StatementResult, 0, len(statements))
	overallSuccess := true

	for _, stmt := range statements {
		res := c.executeOne(ctx, s, stmt)
		results = append(results, res)
		if !res.Success {
			overallSuccess = false
			if onError == OnErrorStop {
				break
			}
		}
	}
	return results, overallSuccess
}

func (c *Client) executeOne(ctx context.Context, s *Session, stmt string) StatementResult {
	res := StatementResult{Statement: stmt}

	op, err := c.Submit(ctx, s, stmt)
	if err != nil {
		res.Err = err
		return res
	}

	status, err := c.PollStatus(ctx, s, op)
	if err != nil {
		res.Err = err
		return res
	}
	if status != StatusFinished {
		res.Err = ctlerr.New(ctlerr.OperationError, fmt.Sprintf("statement ended in unexpected status %s", status))
		return res
	}

	var pages []ResultPage
	_ = c.FetchResults(ctx, s, op, func(p ResultPage) bool {
		pages = append(pages, p)
		if p.JobID != "" && res.JobID == "" {
			res.JobID = p.JobID
		}
		return true
	})

	res.Pages = pages
	res.Success = true
	return res
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, respBody, nil
}
