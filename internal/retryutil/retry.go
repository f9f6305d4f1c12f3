package retryutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultRetryDelay   = 2 * time.Second
	defaultRetryTimeout = 12 * time.Second
)

// Async schedules one background retry of fn after delay, bounded by timeout.
// The caller never blocks and never learns the outcome; success and failure
// are only logged. Panics in fn stay inside the spawned goroutine.
func Async(logger *slog.Logger, name string, delay, timeout time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	if timeout <= 0 {
		timeout = defaultRetryTimeout
	}
	logger.Info(name+"_retry_scheduled", "delay", delay.String())
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(name+"_retry_panic", "panic", fmt.Sprint(rec))
			}
		}()
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn(name+"_retry_failed", "error", err.Error())
			return
		}
		logger.Info(name + "_retry_ok")
	}()
}

// Do runs fn up to attempts times, doubling the delay between attempts
// starting from initial. It returns the last error, or ctx.Err() when the
// context ends first.
func Do(ctx context.Context, attempts int, initial time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = defaultRetryDelay
	}
	delay := initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
