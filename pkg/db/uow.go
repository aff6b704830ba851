package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

// TxOptions tunes RunInTx.
type TxOptions struct {
	LockTimeout time.Duration
	// MaxAttempts counts the first try; 2 means one retry.
	MaxAttempts int
	Backoff     time.Duration
	OnRetry     func(err error, wait time.Duration)
}

// RunInTx executes fn as one transaction. Transient faults (lock wait
// timeout, deadlock, serialization failure, lost connection) are retried with
// exponential backoff up to MaxAttempts; any other error is returned at once.
func RunInTx(ctx context.Context, conn *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if opts.Backoff > 0 {
		bo.InitialInterval = opts.Backoff
	}
	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)),
	}
	if opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(opts.OnRetry))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := SetLockTimeout(tx, opts.LockTimeout); err != nil {
				return err
			}
			return fn(tx)
		})
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, retryOpts...)
	return err
}
