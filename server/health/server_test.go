// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeReadiness struct {
	drained bool
}

func (f *fakeReadiness) Drained() bool { return f.drained }

func newTestServer(ready Readiness) *Server {
	return New(Config{Address: ":0", ShutdownTimeout: time.Second}, ready, nil)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status healthy, got %s", resp.Status)
	}
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	s := newTestServer(nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		ready      Readiness
		wantStatus int
	}{
		{
			name:       "nil readiness always ready",
			ready:      nil,
			wantStatus: http.StatusOK,
		},
		{
			name:       "still draining",
			ready:      &fakeReadiness{drained: false},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "drained",
			ready:      &fakeReadiness{drained: true},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.ready)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			rec := httptest.NewRecorder()
			s.handleReady(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestReadyFlipsWithDrain(t *testing.T) {
	ready := &fakeReadiness{}
	s := newTestServer(ready)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}

	ready.drained = true
	rec = httptest.NewRecorder()
	s.handleReady(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after drain, got %d", rec.Code)
	}
}
