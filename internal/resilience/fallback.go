package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every target of a [FallbackGroup] failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all targets failed")

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary target and zero or more fallbacks of the same
// type, each behind its own [CircuitBreaker]. Targets are tried in
// registration order.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     CircuitBreakerConfig
	logger  *slog.Logger
}

// NewFallbackGroup creates a group with primary as its first target. cfg is
// the template for every per-target breaker; its Name is replaced by the
// target name.
func NewFallbackGroup[T any](primary T, primaryName string, cfg CircuitBreakerConfig) *FallbackGroup[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fg := &FallbackGroup[T]{cfg: cfg, logger: logger.With("component", "fallback")}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a target tried after every earlier one.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of targets.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States returns the breaker state of every target keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for i := range fg.entries {
		out[fg.entries[i].name] = fg.entries[i].breaker.State()
	}
	return out
}

// Execute calls fn with each target in order until one succeeds. Targets
// with an open breaker are skipped. An error the breakers do not count as a
// fault ends the walk and is returned as is: the target answered, and the
// next one would answer the same. When every target fails the returned
// error wraps both [ErrAllFailed] and the last failure.
func (fg *FallbackGroup[T]) Execute(fn func(name string, value T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.name, entry.value)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrCircuitOpen) && !entry.breaker.Fault(err) {
			return err
		}
		if errors.Is(err, ErrCircuitOpen) {
			fg.logger.Debug("skipping target, circuit open", "target", entry.name)
			if lastErr == nil {
				lastErr = fmt.Errorf("%s: %w", entry.name, err)
			}
			continue
		}
		lastErr = err
		if i < len(fg.entries)-1 {
			fg.logger.Warn("target failed, trying next", "target", entry.name, "err", err)
		}
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
