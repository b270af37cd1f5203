// Package ratelimit bounds the aggregate rate of calls to the enrichment
// service. Every worker acquires from the same limiter; two acquisitions never
// complete closer together than the configured interval.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

type Limiter interface {
	Acquire(ctx context.Context) error
}

// Interval converts a requests-per-minute ceiling into the minimum spacing.
func Interval(perMinute float64) time.Duration {
	if perMinute <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / perMinute)
}

// Gate is the in-process limiter shared by all workers of one process.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
}

func NewGate(perMinute float64) (*Gate, error) {
	interval := Interval(perMinute)
	if interval <= 0 {
		return nil, errors.New("ratelimit: requests per minute must be positive")
	}
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}, nil
}

func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	err := g.limiter.Wait(ctx)
	observeWait(start, err)
	return err
}

func (g *Gate) Interval() time.Duration {
	return g.interval
}

var _ Limiter = (*Gate)(nil)
