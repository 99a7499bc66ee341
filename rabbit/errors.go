// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package rabbit

import "errors"

// Client errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrPoolSize         = errors.New("invalid pool sizes configured")
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrClosed           = errors.New("client closed")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
)
