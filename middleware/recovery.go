package middleware

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	storageBreaker *gobreaker.CircuitBreaker
	once           sync.Once
)

// StorageBreaker returns the process-wide circuit breaker guarding tick
// storage writes. A flapping database trips it open so the feed keeps
// running while inserts fail fast.
func StorageBreaker(logger *zap.SugaredLogger) *gobreaker.CircuitBreaker {
	once.Do(func() {
		storageBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tick-storage",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				if logger != nil {
					logger.Infow("Circuit breaker state changed",
						"breaker", name,
						"from", from.String(),
						"to", to.String())
				}
			},
		})
	})
	return storageBreaker
}

// WithCircuitBreaker runs fn through the storage breaker.
func WithCircuitBreaker(logger *zap.SugaredLogger, fn func() error) error {
	_, err := StorageBreaker(logger).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Recover runs fn, converting a panic into an error. The panic is logged
// with its stack and, when onPanic is non-nil, handed to it.
func Recover(logger *zap.SugaredLogger, onPanic func(error), fn func()) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if logger != nil {
				logger.Errorw("Panic recovered",
					"error", r,
					"stack", string(stack))
			}
			if onPanic != nil {
				onPanic(fmt.Errorf("panic: %v", r))
			}
		}
	}()
	fn()
}
