// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/genjipk/relay/consumer"
)

// Handler receives decoded events. Implementations carry the downstream side
// effects (chat notifications, view rebuilds); the relay only guarantees
// delivery semantics.
type Handler interface {
	OnXPGrant(ctx context.Context, e *XPGrant) error
	OnPlaytestCreate(ctx context.Context, e *PlaytestCreate) error
	OnPlaytestVoteCast(ctx context.Context, e *PlaytestVoteCast) error
	OnPlaytestVoteRemoved(ctx context.Context, e *PlaytestVoteRemoved) error
	OnPlaytestApprove(ctx context.Context, e *PlaytestApprove) error
	OnCompletionUpvote(ctx context.Context, e *CompletionUpvote) error
	OnCompletionSubmission(ctx context.Context, e *CompletionSubmission) error
	OnVerificationChange(ctx context.Context, e *VerificationChange) error
	OnNewsfeedCreate(ctx context.Context, e *NewsfeedCreate) error
}

// Registrations builds the full registration set for h. Job-backed queues
// report status transitions; queues whose effects are not naturally
// re-runnable carry idempotency claims.
func Registrations(h Handler) []consumer.Registration {
	return []consumer.Registration{
		{
			Queue:        QueueXPGrant,
			Decode:       consumer.JSONDecoder[XPGrant](),
			Idempotent:   true,
			ReportStatus: true,
			Handle:       typed(h.OnXPGrant),
		},
		{
			Queue:  QueuePlaytestCreate,
			Decode: consumer.JSONDecoder[PlaytestCreate](),
			Handle: typed(h.OnPlaytestCreate),
		},
		{
			Queue:      QueuePlaytestVoteCast,
			Decode:     consumer.JSONDecoder[PlaytestVoteCast](),
			Idempotent: true,
			Handle:     typed(h.OnPlaytestVoteCast),
		},
		{
			Queue:      QueuePlaytestVoteRemove,
			Decode:     consumer.JSONDecoder[PlaytestVoteRemoved](),
			Idempotent: true,
			Handle:     typed(h.OnPlaytestVoteRemoved),
		},
		{
			Queue:      QueuePlaytestApprove,
			Decode:     consumer.JSONDecoder[PlaytestApprove](),
			Idempotent: true,
			Handle:     typed(h.OnPlaytestApprove),
		},
		{
			Queue:  QueueCompletionUpvote,
			Decode: consumer.JSONDecoder[CompletionUpvote](),
			Handle: typed(h.OnCompletionUpvote),
		},
		{
			Queue:        QueueCompletionSubmission,
			Decode:       consumer.JSONDecoder[CompletionSubmission](),
			Idempotent:   true,
			ReportStatus: true,
			Handle:       typed(h.OnCompletionSubmission),
		},
		{
			Queue:        QueueCompletionVerification,
			Decode:       consumer.JSONDecoder[VerificationChange](),
			Idempotent:   true,
			ReportStatus: true,
			Handle:       typed(h.OnVerificationChange),
		},
		{
			Queue:  QueueNewsfeedCreate,
			Decode: consumer.JSONDecoder[NewsfeedCreate](),
			Handle: typed(h.OnNewsfeedCreate),
		},
	}
}

// typed adapts a typed handler method to the registry's HandlerFunc.
func typed[T any](fn func(context.Context, *T) error) consumer.HandlerFunc {
	return func(ctx context.Context, payload any, _ *consumer.Message) error {
		e, ok := payload.(*T)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		return fn(ctx, e)
	}
}

// LogHandler is a Handler that records every event. It stands in for the chat
// presentation layer in deployments that only need delivery and bookkeeping.
type LogHandler struct {
	Logger *slog.Logger
}

func (l *LogHandler) log(event string, attrs ...any) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event received", append([]any{slog.String("event", event)}, attrs...)...)
	return nil
}

func (l *LogHandler) OnXPGrant(_ context.Context, e *XPGrant) error {
	return l.log("xp_grant", slog.Int64("user_id", e.UserID), slog.Int64("new_amount", e.NewAmount))
}

func (l *LogHandler) OnPlaytestCreate(_ context.Context, e *PlaytestCreate) error {
	return l.log("playtest_create", slog.String("code", e.Code))
}

func (l *LogHandler) OnPlaytestVoteCast(_ context.Context, e *PlaytestVoteCast) error {
	return l.log("playtest_vote_cast", slog.Int64("thread_id", e.ThreadID), slog.Int64("voter_id", e.VoterID))
}

func (l *LogHandler) OnPlaytestVoteRemoved(_ context.Context, e *PlaytestVoteRemoved) error {
	return l.log("playtest_vote_removed", slog.Int64("thread_id", e.ThreadID), slog.Int64("voter_id", e.VoterID))
}

func (l *LogHandler) OnPlaytestApprove(_ context.Context, e *PlaytestApprove) error {
	return l.log("playtest_approve", slog.String("code", e.Code), slog.Int64("thread_id", e.ThreadID))
}

func (l *LogHandler) OnCompletionUpvote(_ context.Context, e *CompletionUpvote) error {
	return l.log("completion_upvote", slog.Int64("message_id", e.MessageID))
}

func (l *LogHandler) OnCompletionSubmission(_ context.Context, e *CompletionSubmission) error {
	return l.log("completion_submission", slog.Int64("completion_id", e.CompletionID))
}

func (l *LogHandler) OnVerificationChange(_ context.Context, e *VerificationChange) error {
	return l.log("verification_change", slog.Int64("completion_id", e.CompletionID), slog.Bool("verified", e.Verified))
}

func (l *LogHandler) OnNewsfeedCreate(_ context.Context, e *NewsfeedCreate) error {
	return l.log("newsfeed_create", slog.Int64("newsfeed_id", e.NewsfeedID))
}
