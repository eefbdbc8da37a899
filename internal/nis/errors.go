package nis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrTimeout is returned when the daemon does not answer within the
	// caller's deadline.
	ErrTimeout = errors.New("nis: timeout")
	// ErrConnection is returned when the daemon is unreachable or the
	// connection is refused or reset.
	ErrConnection = errors.New("nis: connection error")
	// ErrFallbackExhausted is returned when both the daemon and the local
	// status command failed to produce a status.
	ErrFallbackExhausted = errors.New("nis: fallback exhausted")
)

// FrameError reports a length-prefixed frame whose payload was shorter than
// its header announced.
type FrameError struct {
	Want int
	Got  int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("nis: short frame: got %d of %d bytes", e.Got, e.Want)
}

// classifyNetErr maps a low-level network error to ErrTimeout or
// ErrConnection, keeping the original error in the chain.
func classifyNetErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
}
