// Package storage holds the contract shared by the ordered event store
// adapters. Each adapter keeps one sorted set per rate limit key, scored by
// admission time in milliseconds.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable wraps every failure to reach the store or to run
	// a script on it. Adapters never retry.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")

	ErrUnknownScript = errors.New("storage: unknown script")
)

// ScriptID names a composite operation the adapter runs atomically.
type ScriptID string

// SlidingWindow trims entries scored below NowMs-WindowMs, counts what is
// left and, if the count is under Limit, adds Member scored at NowMs and
// sets the key to expire after 2*WindowMs. It returns 1 when the member was
// added and 0 otherwise.
const SlidingWindow ScriptID = "sliding_window"

type ScriptArgs struct {
	NowMs    int64
	WindowMs int64
	Limit    int64
	Member   string
}

// Unavailable marks err as a backend failure while keeping it inspectable
// with errors.Is/As.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}
