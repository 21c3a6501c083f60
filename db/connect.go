package db

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

const (
	DefaultConnectAttempts = 20
	DefaultConnectInterval = 1 * time.Second
)

type connectOptions struct {
	attempts int
	interval time.Duration
	log      *zap.SugaredLogger
}

type ConnectOption func(o *connectOptions)

// WithAttempts sets the maximum number of connection attempts.
func WithAttempts(n int) ConnectOption {
	return func(o *connectOptions) {
		o.attempts = n
	}
}

// WithInterval sets the fixed delay between attempts.
func WithInterval(d time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.interval = d
	}
}

func WithLogger(l *zap.SugaredLogger) ConnectOption {
	return func(o *connectOptions) {
		o.log = l
	}
}

// Connect dials target until it succeeds, waiting a fixed interval between failed attempts.
// When the last attempt fails it returns a *ConnectError wrapping that attempt's error.
// The delay is timer based, so signal delivery does not shorten it; only ctx cancellation does.
func Connect(ctx context.Context, d Dialer, target Target, opts ...ConnectOption) (Database, error) {
	o := &connectOptions{
		attempts: DefaultConnectAttempts,
		interval: DefaultConnectInterval,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.attempts < 1 {
		return nil, fmt.Errorf("invalid connect attempts %d", o.attempts)
	}

	var conn Database
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			c, err := d.Dial(ctx, target)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(o.attempts)),
		retry.Delay(o.interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			o.log.Debugw("connection attempt failed", "target", target.String(), "attempt", n+1, "error", err)
		}),
	)
	if ctxErr := ctx.Err(); ctxErr != nil && conn == nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, ctxErr)
	}
	if err != nil {
		return nil, &ConnectError{Target: target, Attempts: attempts, Err: err}
	}
	return conn, nil
}
