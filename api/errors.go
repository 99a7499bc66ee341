// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package api

import "errors"

var (
	// ErrNoBaseURL indicates a client was built without a backend address.
	ErrNoBaseURL = errors.New("api: base URL not configured")

	// ErrUnexpectedStatus indicates the backend answered outside the expected
	// status range.
	ErrUnexpectedStatus = errors.New("api: unexpected response status")
)
