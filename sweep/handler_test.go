package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type stubRunner struct {
	summary Summary
	err     error
	runs    int
}

func (s *stubRunner) Run(context.Context) (Summary, error) {
	s.runs++
	return s.summary, s.err
}

func trigger(h *Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/internal/sweep", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RunsSweepWithValidSecret(t *testing.T) {
	runner := &stubRunner{summary: Summary{AutoRelease: PhaseSummary{Scanned: 3, Succeeded: 2, Skipped: 1}}}
	h := NewHandler(runner, "s3cret", "production", zerolog.Nop())

	rec := trigger(h, "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.runs != 1 {
		t.Fatalf("runs = %d, want 1", runner.runs)
	}
	var got Summary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if got.AutoRelease.Succeeded != 2 {
		t.Fatalf("summary = %+v", got)
	}
}

func TestHandler_RejectsBadSecret(t *testing.T) {
	runner := &stubRunner{}
	h := NewHandler(runner, "s3cret", "production", zerolog.Nop())

	for _, token := range []string{"", "wrong", "s3cret "} {
		rec := trigger(h, token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rec.Code)
		}
	}
	if runner.runs != 0 {
		t.Fatalf("sweep ran despite bad auth")
	}
}

func TestHandler_RejectsGet(t *testing.T) {
	h := NewHandler(&stubRunner{}, "s3cret", "production", zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/internal/sweep", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_AdminTokenAlternative(t *testing.T) {
	runner := &stubRunner{}
	h := NewHandler(runner, "s3cret", "production", zerolog.Nop()).
		WithAdminTokens(func(token string) bool { return token == "admin-jwt" })

	if rec := trigger(h, "admin-jwt"); rec.Code != http.StatusOK {
		t.Fatalf("admin token: status = %d, want 200", rec.Code)
	}
	if rec := trigger(h, "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("shared secret alongside admin tokens: status = %d, want 200", rec.Code)
	}
	if rec := trigger(h, "payer-jwt"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("rejected token: status = %d, want 401", rec.Code)
	}
	if runner.runs != 2 {
		t.Fatalf("runs = %d, want 2", runner.runs)
	}
}

func TestHandler_NoSecretConfigured(t *testing.T) {
	// Production with no credentials refuses to run.
	h := NewHandler(&stubRunner{}, "", "production", zerolog.Nop())
	rec := trigger(h, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("production without secret: status = %d, want 503", rec.Code)
	}

	// The test environment runs without one.
	runner := &stubRunner{}
	h = NewHandler(runner, "", "test", zerolog.Nop())
	rec = trigger(h, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("test env without secret: status = %d, want 200", rec.Code)
	}
	if runner.runs != 1 {
		t.Fatalf("runs = %d, want 1", runner.runs)
	}
}

func TestHandler_SweepFailure(t *testing.T) {
	h := NewHandler(&stubRunner{err: errors.New("phase exploded")}, "s3cret", "production", zerolog.Nop())
	rec := trigger(h, "s3cret")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
