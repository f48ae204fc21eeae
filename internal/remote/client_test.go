package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	trkerrors "github.com/remediate-run/remedy/internal/errors"
	"github.com/remediate-run/remedy/internal/models"
)

func TestSubmitBatch(t *testing.T) {
	var gotAuth string
	var gotReq submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/batches" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(submitResponse{BatchID: "batch-42"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	id, err := c.SubmitBatch(context.Background(), []string{"i1", "i2"}, models.FixConfig{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if id != "batch-42" {
		t.Errorf("batch id = %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(gotReq.IssueIDs) != 2 || !gotReq.Config.DryRun {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestPollBatchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batches/b1/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.BatchStatus{
			BatchID:  "b1",
			Status:   models.JobStatusApplying,
			Progress: 55,
			Token:    models.Token{Seq: 12},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	st, err := c.PollBatchStatus(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.JobStatusApplying || st.Token.Seq != 12 {
		t.Errorf("status = %+v", st)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		header     http.Header
		wantType   trkerrors.ErrorType
	}{
		{"unauthorized", http.StatusUnauthorized, nil, trkerrors.ErrorTypeAuth},
		{"forbidden", http.StatusForbidden, nil, trkerrors.ErrorTypeAuth},
		{"rate limited", http.StatusTooManyRequests, nil, trkerrors.ErrorTypeRateLimit},
		{"not found", http.StatusNotFound, nil, trkerrors.ErrorTypeNotFound},
		{"request timeout", http.StatusRequestTimeout, nil, trkerrors.ErrorTypeTimeout},
		{"server error", http.StatusInternalServerError, nil, trkerrors.ErrorTypeServer},
		{"bad gateway", http.StatusBadGateway, nil, trkerrors.ErrorTypeServer},
		{"bad request", http.StatusBadRequest, nil, trkerrors.ErrorTypeValidation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tc.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tc.statusCode)
				w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL})
			_, err := c.PollBatchStatus(context.Background(), "b1")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := trkerrors.TypeOf(err); got != tc.wantType {
				t.Errorf("type = %s, want %s", got, tc.wantType)
			}
			var te *trkerrors.TrackerError
			if !errors.As(err, &te) {
				t.Fatal("not a TrackerError")
			}
			if te.StatusCode != tc.statusCode {
				t.Errorf("status code = %d", te.StatusCode)
			}
			if te.BatchID != "b1" {
				t.Errorf("batch id = %q", te.BatchID)
			}
		})
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.RetryFix(context.Background(), "i1")

	var te *trkerrors.TrackerError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v", err)
	}
	if te.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", te.RetryAfter)
	}
	if te.IssueID != "i1" {
		t.Errorf("issue id = %q", te.IssueID)
	}
}

type scriptedTokenSource struct {
	calls  int32
	tokens []string
}

func (s *scriptedTokenSource) Token() (*oauth2.Token, error) {
	n := atomic.AddInt32(&s.calls, 1)
	idx := int(n) - 1
	if idx >= len(s.tokens) {
		idx = len(s.tokens) - 1
	}
	return &oauth2.Token{AccessToken: s.tokens[idx], TokenType: "Bearer"}, nil
}

func TestAuthRefreshRetriesOnce(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			if got := r.Header.Get("Authorization"); got != "Bearer stale" {
				t.Errorf("first auth = %q", got)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
			t.Errorf("second auth = %q", got)
		}
		json.NewEncoder(w).Encode(models.BatchStatus{BatchID: "b1", Status: models.JobStatusQueued})
	}))
	defer srv.Close()

	src := &scriptedTokenSource{tokens: []string{"stale", "fresh"}}
	c := NewClient(Config{BaseURL: srv.URL, TokenSource: src})

	st, err := c.PollBatchStatus(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.JobStatusQueued {
		t.Errorf("status = %s", st.Status)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestAuthRefreshGivesUpAfterSecondRejection(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &scriptedTokenSource{tokens: []string{"t1", "t2"}}
	c := NewClient(Config{BaseURL: srv.URL, TokenSource: src})

	_, err := c.PollBatchStatus(context.Background(), "b1")
	if trkerrors.TypeOf(err) != trkerrors.ErrorTypeAuth {
		t.Errorf("err = %v, want auth error", err)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("server saw %d requests, want exactly 2", got)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // deliberately unreachable

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.PollBatchStatus(context.Background(), "b1")
	if trkerrors.TypeOf(err) != trkerrors.ErrorTypeNetwork {
		t.Errorf("err = %v, want network error", err)
	}
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(Config{BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.PollBatchStatus(ctx, "b1")
		done <- err
	}()
	cancel()

	err := <-done
	if !trkerrors.IsCancellation(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
}

func TestExportResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batches/b1/export" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "csv" {
			t.Errorf("format = %q", got)
		}
		w.Write([]byte("issue,status\ni1,completed\n"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	data, err := c.ExportResults(context.Background(), "b1", "csv")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "issue,status\ni1,completed\n" {
		t.Errorf("body = %q", data)
	}
}

func TestScheduleFixSendsTime(t *testing.T) {
	at := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/fixes/i1/schedule" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if !req.ScheduleTime.Equal(at) {
			t.Errorf("schedule time = %v", req.ScheduleTime)
		}
		json.NewEncoder(w).Encode(models.FixResult{IssueID: "i1", Status: models.FixStatusScheduled})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	r, err := c.ScheduleFix(context.Background(), "i1", at)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.FixStatusScheduled {
		t.Errorf("status = %s", r.Status)
	}
}
