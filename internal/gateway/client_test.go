package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(srv.URL)
	c.PollInterval = 5 * time.Millisecond
	c.PollTimeout = 2 * time.Second
	c.FetchDelay = 2 * time.Millisecond
	return c
}

func TestCreateSession_Success(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sessions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionHandle": "sess-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	s, err := c.CreateSession(context.Background(), map[string]string{"table.local-time-zone": "UTC"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.Handle)

	props := gotBody["properties"].(map[string]interface{})
	assert.Equal(t, "streaming", props["execution.runtime-mode"])
	assert.Equal(t, "UTC", props["table.local-time-zone"])
}

func TestCreateSession_RuntimeModeNotOverridden(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionHandle": "sess-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.CreateSession(context.Background(), map[string]string{"execution.runtime-mode": "batch"})
	require.NoError(t, err)
	props := gotBody["properties"].(map[string]interface{})
	assert.Equal(t, "batch", props["execution.runtime-mode"])
}

func TestCloseSession_TreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CloseSession(context.Background(), &Session{Handle: "gone"})
	assert.NoError(t, err)
}

func TestSubmit_MissingHandleIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Submit(context.Background(), &Session{Handle: "s1"}, "SELECT 1")
	require.Error(t, err)
}

func TestPollStatus_FinishesAfterPending(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		status := "PENDING"
		if n >= 3 {
			status = "FINISHED"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	op := &Operation{Handle: "op-1"}
	status, err := c.PollStatus(context.Background(), &Session{Handle: "s1"}, op)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, status)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestPollStatus_ErrorEnrichedFromResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/status"):
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "errorMessage": "fallback"})
		case strings.Contains(r.URL.Path, "/result/0"):
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("org.apache.flink.table.api.ValidationException: Table 'foo' not found\n\tat SomeClass.method(SomeClass.java:42)\n\tat Caller.run(Caller.java:1)"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.PollStatus(context.Background(), &Session{Handle: "s1"}, &Operation{Handle: "op-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ValidationException")
	assert.NotContains(t, err.Error(), "SomeClass.java")
}

func TestPollStatus_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "RUNNING"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.PollTimeout = 30 * time.Millisecond
	c.PollInterval = 5 * time.Millisecond
	_, err := c.PollStatus(context.Background(), &Session{Handle: "s1"}, &Operation{Handle: "op-1"})
	require.Error(t, err)
}

func TestFetchResults_PaginatesUntilEOS(t *testing.T) {
	pages := []string{
		`{"results":{"columns":[{"name":"id","logicalType":"INT"}],"data":[{"kind":"INSERT","fields":[1]}]},"resultType":"PAYLOAD","nextResultUri":"/v1/sessions/s1/operations/op-1/result/1"}`,
		`{"results":{"columns":[],"data":[{"kind":"INSERT","fields":[2]}]},"resultType":"PAYLOAD","nextResultUri":"/v1/sessions/s1/operations/op-1/result/2"}`,
		`{"results":{"columns":[],"data":[]},"resultType":"EOS"}`,
	}
	var idx int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&idx, 1) - 1
		require.Less(t, int(i), len(pages))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pages[i]))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var collected []Row
	err := c.FetchResults(context.Background(), &Session{Handle: "s1"}, &Operation{Handle: "op-1"}, func(p ResultPage) bool {
		collected = append(collected, p.Rows...)
		return true
	})
	require.NoError(t, err)
	require.Len(t, collected, 2)
	assert.Equal(t, ChangeInsert, collected[0].Kind)
}

func TestFetchResults_NotReadyThenPayload(t *testing.T) {
	responses := []string{
		`{"results":{"columns":[],"data":[]},"resultType":"NOT_READY","nextResultUri":"/v1/sessions/s1/operations/op-1/result/0"}`,
		`{"results":{"columns":[],"data":[{"kind":"INSERT","fields":["x"]}]},"resultType":"PAYLOAD","nextResultUri":"/v1/sessions/s1/operations/op-1/result/1"}`,
		`{"results":{"columns":[],"data":[]},"resultType":"EOS"}`,
	}
	var idx int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&idx, 1) - 1
		if int(i) >= len(responses) {
			i = int32(len(responses) - 1)
		}
		_, _ = w.Write([]byte(responses[i]))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var rows int
	err := c.FetchResults(context.Background(), &Session{Handle: "s1"}, &Operation{Handle: "op-1"}, func(p ResultPage) bool {
		rows += len(p.Rows)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
}

func TestFetchResults_FirstFetchFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.FetchResults(context.Background(), &Session{Handle: "s1"}, &Operation{Handle: "op-1"}, func(p ResultPage) bool {
		return true
	})
	require.Error(t, err)
}

func TestFetchResults_StopsAfterEmptyStreakWithNoRows(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"results":{"columns":[],"data":[]},"resultType":"PAYLOAD","nextResultUri":"/v1/sessions/s1/operations/op-1/result/` + string(rune('0'+n)) + `"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.MaxEmptyFetches = 3
	c.MaxFetchAttempts = 50
	var pages int
	err := c.FetchResults(context.Background(), &Session{Handle: "s1"}, &Operation{Handle: "op-1"}, func(p ResultPage) bool {
		pages++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
}

func TestExecuteMany_StopsOnFirstErrorByDefault(t *testing.T) {
	var submits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/statements"):
			n := atomic.AddInt32(&submits, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"operationHandle": "op-" + string(rune('0'+n))})
		case strings.HasSuffix(r.URL.Path, "/status"):
			if strings.Contains(r.URL.Path, "op-1") {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "errorMessage": "bad statement"})
			} else {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "FINISHED"})
			}
		case strings.Contains(r.URL.Path, "/result/0"):
			w.WriteHeader(http.StatusNotFound)
		case strings.Contains(r.URL.Path, "/result/"):
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": map[string]interface{}{"columns": []interface{}{}, "data": []interface{}{}}, "resultType": "EOS"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	results, ok := c.ExecuteMany(context.Background(), &Session{Handle: "s1"}, "SELECT 1; SELECT 2", OnErrorStop)
	assert.False(t, ok)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}
