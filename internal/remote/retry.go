package remote

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffUnit = time.Second
)

// RetryConfig configures the retrying decorator.
type RetryConfig struct {
	Store       ObjectStore
	MaxAttempts int
	BackoffUnit time.Duration
	Logger      *zap.Logger
	Sleep       func(context.Context, time.Duration) error
}

// Retrying wraps an ObjectStore with capped linear-backoff retries on
// transport failures. Not-found outcomes are returned immediately; retrying
// them would only mask the branch the caller needs.
type Retrying struct {
	store       ObjectStore
	maxAttempts int
	backoffUnit time.Duration
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error
}

// NewRetrying constructs the decorator with sane defaults.
func NewRetrying(cfg RetryConfig) *Retrying {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffUnit := cfg.BackoffUnit
	if backoffUnit <= 0 {
		backoffUnit = defaultBackoffUnit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Retrying{
		store:       cfg.Store,
		maxAttempts: maxAttempts,
		backoffUnit: backoffUnit,
		logger:      logger,
		sleep:       sleep,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Retrying) withRetry(ctx context.Context, operation string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if IsNotFound(err) {
			return err
		}
		lastErr = err
		if attempt == r.maxAttempts {
			break
		}
		backoff := time.Duration(attempt) * r.backoffUnit
		r.logger.Warn("remote operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

// Get implements ObjectStore.
func (r *Retrying) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.withRetry(ctx, "get", func() error {
		var callErr error
		data, callErr = r.store.Get(ctx, path)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put implements ObjectStore.
func (r *Retrying) Put(ctx context.Context, path string, data []byte) error {
	return r.withRetry(ctx, "put", func() error {
		return r.store.Put(ctx, path, data)
	})
}

// Move implements ObjectStore.
func (r *Retrying) Move(ctx context.Context, src, dst string, overwrite bool) error {
	return r.withRetry(ctx, "move", func() error {
		return r.store.Move(ctx, src, dst, overwrite)
	})
}

// Delete implements ObjectStore.
func (r *Retrying) Delete(ctx context.Context, path string) error {
	return r.withRetry(ctx, "delete", func() error {
		return r.store.Delete(ctx, path)
	})
}

// Mkdir implements ObjectStore.
func (r *Retrying) Mkdir(ctx context.Context, path string) error {
	return r.withRetry(ctx, "mkdir", func() error {
		return r.store.Mkdir(ctx, path)
	})
}

// List implements ObjectStore.
func (r *Retrying) List(ctx context.Context, path string) ([]string, error) {
	var entries []string
	err := r.withRetry(ctx, "list", func() error {
		var callErr error
		entries, callErr = r.store.List(ctx, path)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
