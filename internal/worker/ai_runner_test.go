package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"hivesync-jobs/internal/config"
)

func aiPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"job_id":         "j1",
		"job_type":       "summarize",
		"user_id":        "u1",
		"tier_snapshot":  "Pro",
		"selection":      map[string]any{"page_ids": []string{"a"}},
		"schema_version": 1,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestAIRunnerValidate(t *testing.T) {
	r := NewAIRunner(config.Config{})

	id, err := r.Validate(aiPayload(t))
	if err != nil || id != "j1" {
		t.Fatalf("got id=%q err=%v", id, err)
	}
	if _, err := r.Validate(json.RawMessage(`{"job_type":"summarize"}`)); err == nil {
		t.Fatalf("expected error for missing job_id")
	}
	if _, err := r.Validate(json.RawMessage(`not json`)); err == nil {
		t.Fatalf("expected error for undecodable payload")
	}
}

func TestAIRunnerLocalFallback(t *testing.T) {
	r := NewAIRunner(config.Config{})

	out := r.Execute(context.Background(), aiPayload(t))
	if out.Verdict != Done {
		t.Fatalf("expected Done, got %v (%v)", out.Verdict, out.Err)
	}
	if out.Result["job_type"] != "summarize" || out.Result["finished_at"] == "" {
		t.Fatalf("unexpected result: %v", out.Result)
	}
}

func TestAIRunnerEndpointOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Verdict
	}{
		{"success", http.StatusOK, `{"summary":"done"}`, Done},
		{"server error retries", http.StatusBadGateway, ``, TransientFailure},
		{"client error fails", http.StatusUnprocessableEntity, ``, PermanentFailure},
		{"bad response body fails", http.StatusOK, `not json`, PermanentFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			r := NewAIRunner(config.Config{AIEndpoint: srv.URL})
			out := r.Execute(context.Background(), aiPayload(t))
			if out.Verdict != tc.want {
				t.Fatalf("got %v (%v), want %v", out.Verdict, out.Err, tc.want)
			}
		})
	}
}

func TestAIRunnerEndpointUnreachable(t *testing.T) {
	r := NewAIRunner(config.Config{AIEndpoint: "http://127.0.0.1:1/infer"})

	out := r.Execute(context.Background(), aiPayload(t))
	if out.Verdict != TransientFailure {
		t.Fatalf("expected transient failure for unreachable endpoint, got %v", out.Verdict)
	}
}
