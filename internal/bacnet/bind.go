package bacnet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Bind retry defaults. The BACnet/IP port is shared host-wide, so a restarting
// hub commonly races its predecessor for the socket.
const (
	DefaultBindAttempts     = 10
	DefaultBindInitialDelay = 200 * time.Millisecond
	DefaultBindMultiplier   = 1.5
)

// BindPolicy controls BindWithRetry.
type BindPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	Multiplier   float64

	// OnRetry, if set, is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// DefaultBindPolicy returns the standard address-in-use retry policy.
func DefaultBindPolicy() BindPolicy {
	return BindPolicy{
		Attempts:     DefaultBindAttempts,
		InitialDelay: DefaultBindInitialDelay,
		Multiplier:   DefaultBindMultiplier,
	}
}

// BindWithRetry binds the local device, retrying with exponential backoff
// while the address is in use. Any other bind error is returned immediately.
func BindWithRetry(ctx context.Context, srv ObjectServer, cfg DeviceConfig, policy BindPolicy) error {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultBindAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultBindInitialDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = DefaultBindMultiplier
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.Attempts),
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(policy.OnRetry))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		bindErr := srv.Bind(ctx, cfg)
		if bindErr == nil {
			return struct{}{}, nil
		}
		if errors.Is(bindErr, ErrAddressInUse) {
			return struct{}{}, bindErr
		}
		return struct{}{}, backoff.Permanent(bindErr)
	}, opts...)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Address, err)
	}
	return nil
}
