// Package config loads the JSON configuration files read by the daemons.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sethvargo/go-envconfig"

	"logarchive/pkg/clock"
)

// RetryInterval is how long a daemon waits before re-reading a bad file.
const RetryInterval = 30 * time.Second

type validator interface {
	Validate() error
}

// Load reads path as JSON into a new T, applies environment overrides
// declared with `env:"NAME,overwrite"` tags and validates the result when
// *T has a Validate method.
func Load[T any](ctx context.Context, path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := new(T)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if v, ok := any(cfg).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

// Wait calls Load until it succeeds or ctx ends, sleeping RetryInterval
// between attempts. Each distinct failure is logged once.
func Wait[T any](ctx context.Context, path string, logger *log.Logger, clk clock.Clock) (*T, error) {
	return Retry(ctx, "config "+path, logger, clk, func() (*T, error) {
		return Load[T](ctx, path)
	})
}

// Retry calls fn until it succeeds, ctx ends or fn returns an error wrapped
// with backoff.Permanent, sleeping RetryInterval between attempts. Each
// distinct failure is logged once under what.
func Retry[T any](ctx context.Context, what string, logger *log.Logger, clk clock.Clock, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if clk == nil {
		clk = clock.Real()
	}

	var zero T
	var last string
	for {
		v, err := fn()
		if err == nil {
			if last != "" {
				logger.Printf("INFO %s loaded", what)
			}
			return v, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		if msg := err.Error(); msg != last {
			logger.Printf("WARN %s: %v (retrying every %s)", what, err, RetryInterval)
			last = msg
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clk.After(RetryInterval):
		}
	}
}
