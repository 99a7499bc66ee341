// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP client for the backend job-status and idempotency
// services. All calls go through one shared circuit breaker so a struggling
// backend trips every caller at once instead of each path discovering the
// outage on its own.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/genjipk/relay/config"
)

// Job status values reported by the backend.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
)

// Job is the backend's view of an asynchronous job.
type Job struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
}

// InProgress reports whether the job has not yet reached a terminal status.
func (j Job) InProgress() bool {
	return j.Status == JobQueued || j.Status == JobProcessing
}

type claimResponse struct {
	Claimed bool `json:"claimed"`
}

type jobUpdate struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// Client talks to the backend over HTTP with bearer authentication.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	pollInitial time.Duration
	pollMax     time.Duration
	pollBudget  time.Duration
}

// NewClient creates a backend client from configuration.
func NewClient(cfg config.API, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend-api",
		Timeout: cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		http:        &http.Client{Timeout: cfg.Timeout},
		breaker:     breaker,
		logger:      logger,
		pollInitial: cfg.PollInitialInterval,
		pollMax:     cfg.PollMaxInterval,
		pollBudget:  cfg.PollBudget,
	}, nil
}

// Claim registers key as seen. It returns true when this is the first claim
// and false when the key was already claimed. Transport and backend failures
// return an error so the caller can decide whether to retry the message.
func (c *Client) Claim(ctx context.Context, key string) (bool, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/idempotency/"+key, nil, http.StatusOK)
	if err != nil {
		return false, err
	}

	var resp claimResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to decode claim response: %w", err)
	}
	return resp.Claimed, nil
}

// DeleteClaim releases a previously made claim so a redelivery can run the
// handler again. A missing claim is not an error.
func (c *Client) DeleteClaim(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/idempotency/"+key, nil, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

// UpdateJob transitions the job row identified by jobID. errCode and errMsg
// may be empty for non-terminal and successful transitions.
func (c *Client) UpdateJob(ctx context.Context, jobID uuid.UUID, status, errCode, errMsg string) error {
	payload, err := json.Marshal(jobUpdate{Status: status, ErrorCode: errCode, ErrorMsg: errMsg})
	if err != nil {
		return fmt.Errorf("failed to marshal job update: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch, "/v1/jobs/"+jobID.String(), payload, http.StatusOK, http.StatusNoContent)
	return err
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (Job, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, http.StatusOK)
	if err != nil {
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// PollJobUntilComplete polls the job with exponential backoff until it leaves
// the in-progress statuses or the poll budget runs out. On budget exhaustion
// it returns the last observed state without error; the caller decides what a
// still-running job means.
func (c *Client) PollJobUntilComplete(ctx context.Context, jobID uuid.UUID) (Job, error) {
	deadline := time.Now().Add(c.pollBudget)
	interval := c.pollInitial

	var last Job
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return last, err
		}
		last = job
		if !job.InProgress() {
			return job, nil
		}
		if time.Now().Add(interval).After(deadline) {
			c.logger.Debug("job poll budget exhausted",
				slog.String("job_id", jobID.String()),
				slog.String("status", job.Status))
			return job, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.pollMax {
			interval = c.pollMax
		}
	}
}

// do executes one request through the breaker and returns the response body.
// Any status outside accepted counts as a breaker failure.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, accepted ...int) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		for _, code := range accepted {
			if resp.StatusCode == code {
				return body, nil
			}
		}
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
