package reminder

import (
	"errors"

	kit "remindbot/internal/transport"
)

var (
	// ErrParse is returned for duration text outside the accepted grammar.
	ErrParse = errors.New("reminder: invalid duration")
	// ErrNonPositive is returned when the parsed delay is zero.
	ErrNonPositive = errors.New("reminder: delay must be positive")
	// ErrDuplicateID is returned by stores and the timer table when an ID is live or spent.
	ErrDuplicateID = errors.New("reminder: duplicate id")
	// ErrEmptyText is returned when a reminder has neither text nor origin link.
	ErrEmptyText = errors.New("reminder: nothing to remind about")
	// ErrUnreachable classifies a sink failure that retries cannot fix.
	ErrUnreachable = kit.ErrUnreachable
	// ErrPartialSend marks a send that reached the chat only in part. Resending
	// would repeat what already arrived.
	ErrPartialSend = kit.ErrPartialSend
	// ErrSweepRunning is returned by Sweep while another sweep is in flight.
	ErrSweepRunning = errors.New("reminder: sweep already running")
	// ErrStopped is returned once the service or timer table has been shut down.
	ErrStopped = errors.New("reminder: stopped")
)
