// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Job status values reported to the backend.
const (
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// maxErrorMsg bounds the error message stored on a failed job record.
const maxErrorMsg = 300

// DecodeFunc turns a raw message body into a typed payload.
type DecodeFunc func(body []byte) (any, error)

// HandlerFunc is a business handler for one logical event. The payload is the
// decoded body; the raw message is passed alongside for header access.
type HandlerFunc func(ctx context.Context, payload any, msg *Message) error

// WrappedHandler is a handler after decoding, idempotency and job-status
// bookkeeping have been layered on. A nil return means the delivery should be
// acknowledged; an error means it should be rejected to the dead-letter queue.
type WrappedHandler func(ctx context.Context, msg *Message) error

// Claimer claims and releases idempotency records keyed by message id.
type Claimer interface {
	// Claim returns true if this message id was not already claimed.
	Claim(ctx context.Context, messageID string) (bool, error)
	// DeleteClaim releases a claim; deleting a missing claim is not an error.
	DeleteClaim(ctx context.Context, messageID string) error
}

// JobReporter posts job-status transitions keyed by correlation id.
type JobReporter interface {
	UpdateJob(ctx context.Context, jobID uuid.UUID, status, errCode, errMsg string) error
}

// Registration declares one queue handler. Registrations are collected during
// application wiring and are immutable once the engine starts.
type Registration struct {
	Queue        string
	Decode       DecodeFunc
	Idempotent   bool
	ReportStatus bool
	Handle       HandlerFunc
}

// JSONDecoder returns a DecodeFunc unmarshalling into T.
func JSONDecoder[T any]() DecodeFunc {
	return func(body []byte) (any, error) {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}

// Registry maps queue names to handler registrations. At most one handler per
// queue; a duplicate registration is a configuration error and the earlier
// one wins.
type Registry struct {
	logger       *slog.Logger
	bypassHeader string
	claimer      Claimer
	reporter     JobReporter

	mu    sync.Mutex
	regs  map[string]Registration
	order []string
}

// NewRegistry creates an empty registry. claimer and reporter may be nil when
// no registration uses idempotency or status reporting.
func NewRegistry(bypassHeader string, claimer Claimer, reporter JobReporter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:       logger,
		bypassHeader: bypassHeader,
		claimer:      claimer,
		reporter:     reporter,
		regs:         make(map[string]Registration),
	}
}

// Register adds a queue handler registration.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg.Queue == "" || reg.Handle == nil {
		r.logger.Error("ignoring invalid handler registration", slog.String("queue", reg.Queue))
		return
	}
	if _, exists := r.regs[reg.Queue]; exists {
		r.logger.Error("duplicate handler registration, keeping earlier one",
			slog.String("queue", reg.Queue))
		return
	}

	r.regs[reg.Queue] = reg
	r.order = append(r.order, reg.Queue)
}

// Queues returns the registered queue names in registration order.
func (r *Registry) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ResolveAll produces the wrapped handler for every registration.
func (r *Registry) ResolveAll() map[string]WrappedHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := make(map[string]WrappedHandler, len(r.regs))
	for queue, reg := range r.regs {
		resolved[queue] = r.wrap(reg)
	}
	return resolved
}

// wrap layers test-bypass, decoding, idempotency claims and job-status
// reporting around the business handler.
func (r *Registry) wrap(reg Registration) WrappedHandler {
	return func(ctx context.Context, msg *Message) error {
		if msg.HeaderFlag(r.bypassHeader) {
			r.logger.Debug("test message received, skipping handler",
				slog.String("queue", reg.Queue))
			return nil
		}

		var payload any
		if reg.Decode != nil {
			decoded, err := reg.Decode(msg.Body)
			if err != nil {
				// Malformed payloads won't become well-formed on redelivery;
				// reject so the broker dead-letters them.
				return fmt.Errorf("decode %s payload: %w", reg.Queue, err)
			}
			payload = decoded
		}

		claimed := false
		if reg.Idempotent && msg.MessageId != "" {
			ok, err := r.claim(ctx, msg.MessageId)
			if err != nil {
				return fmt.Errorf("claim message %s: %w", msg.MessageId, err)
			}
			if !ok {
				r.logger.Debug("duplicate delivery, skipping handler",
					slog.String("queue", reg.Queue),
					slog.String("message_id", msg.MessageId))
				return nil
			}
			claimed = true
		}

		jobID, hasJob := r.jobID(reg, msg)
		if hasJob {
			r.reportStatus(ctx, jobID, StatusProcessing, "", "")
		}

		if err := reg.Handle(ctx, payload, msg); err != nil {
			if claimed {
				// Release the claim so a legitimate retry isn't blocked.
				if delErr := r.claimer.DeleteClaim(ctx, msg.MessageId); delErr != nil {
					r.logger.Warn("failed to release idempotency claim",
						slog.String("message_id", msg.MessageId),
						slog.String("error", delErr.Error()))
				}
			}
			if hasJob {
				r.reportStatus(ctx, jobID, StatusFailed, "BOT_ERROR", truncate(err.Error(), maxErrorMsg))
			}
			return err
		}

		if hasJob {
			r.reportStatus(ctx, jobID, StatusSucceeded, "", "")
		}
		return nil
	}
}

func (r *Registry) claim(ctx context.Context, messageID string) (bool, error) {
	if r.claimer == nil {
		return true, nil
	}
	return r.claimer.Claim(ctx, messageID)
}

func (r *Registry) jobID(reg Registration, msg *Message) (uuid.UUID, bool) {
	if !reg.ReportStatus || r.reporter == nil || msg.CorrelationId == "" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(msg.CorrelationId)
	if err != nil {
		r.logger.Debug("correlation id is not a job id",
			slog.String("queue", reg.Queue),
			slog.String("correlation_id", msg.CorrelationId))
		return uuid.UUID{}, false
	}
	return id, true
}

// reportStatus is best-effort: failures are logged and swallowed so job
// bookkeeping never blocks message processing.
func (r *Registry) reportStatus(ctx context.Context, jobID uuid.UUID, status, errCode, errMsg string) {
	if err := r.reporter.UpdateJob(ctx, jobID, status, errCode, errMsg); err != nil {
		r.logger.Warn("job status update failed",
			slog.String("job_id", jobID.String()),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
