// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

// Package events defines the bot's queue names and the JSON payloads carried
// on them. The shapes mirror the backend's publisher contract; renaming a
// field here is a wire change that must be coordinated with the backend.
package events

// Queue names the backend publishes to. Each one is paired with a
// ".dlq"-suffixed dead-letter queue by the consumer engine.
const (
	QueueXPGrant                = "api.xp.grant"
	QueuePlaytestCreate         = "api.playtest.create"
	QueuePlaytestVoteCast       = "api.playtest.vote.cast"
	QueuePlaytestVoteRemove     = "api.playtest.vote.remove"
	QueuePlaytestApprove        = "api.playtest.approve"
	QueueCompletionUpvote       = "api.completion.upvote"
	QueueCompletionSubmission   = "api.completion.submission"
	QueueCompletionVerification = "api.completion.verification"
	QueueNewsfeedCreate         = "api.newsfeed.create"
)

// XPGrant announces an applied XP change for a user.
type XPGrant struct {
	UserID         int64 `json:"user_id"`
	PreviousAmount int64 `json:"previous_amount"`
	NewAmount      int64 `json:"new_amount"`
}

// PlaytestCreate requests creation of a playtest thread for a map.
type PlaytestCreate struct {
	Code string `json:"code"`
}

// PlaytestVoteCast announces a difficulty vote on a playtest thread.
type PlaytestVoteCast struct {
	ThreadID        int64   `json:"thread_id"`
	VoterID         int64   `json:"voter_id"`
	DifficultyValue float64 `json:"difficulty_value"`
}

// PlaytestVoteRemoved announces a retracted playtest vote.
type PlaytestVoteRemoved struct {
	ThreadID int64 `json:"thread_id"`
	VoterID  int64 `json:"voter_id"`
}

// PlaytestApprove announces an approved playtest.
type PlaytestApprove struct {
	Code             string `json:"code"`
	ThreadID         int64  `json:"thread_id"`
	VerifierID       int64  `json:"verifier_id"`
	Difficulty       string `json:"difficulty"`
	PrimaryCreatorID int64  `json:"primary_creator_id"`
}

// CompletionUpvote requests forwarding of a submission for upvotes.
type CompletionUpvote struct {
	MessageID int64 `json:"message_id"`
}

// CompletionSubmission announces a newly submitted completion awaiting
// verification.
type CompletionSubmission struct {
	CompletionID int64 `json:"completion_id"`
}

// VerificationChange announces a verification decision on a completion.
type VerificationChange struct {
	CompletionID int64 `json:"completion_id"`
	VerifiedBy   int64 `json:"verified_by"`
	Verified     bool  `json:"verified"`
}

// NewsfeedCreate announces a newly created newsfeed entry to publish.
type NewsfeedCreate struct {
	NewsfeedID int64 `json:"newsfeed_id"`
}
