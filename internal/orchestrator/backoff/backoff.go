// Package backoff computes retry delays for provisioning attempts.
//
// NextDelay is deterministic for a given attempt number and priority class so
// that the retry schedule can be asserted directly. Callers that want to spread
// out correlated retries add jitter themselves with Jitter.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// Class holds the per-priority retry settings
type Class struct {
	MaxRetries        int
	TimeoutMultiplier float64
	CapMultiplier     float64
}

// Policy maps attempt numbers and priority classes to retry delays
type Policy struct {
	BaseDelay time.Duration
	Factor    float64
	CapBase   time.Duration
	Classes   map[domain.Priority]Class
}

// DefaultPolicy returns the stock retry policy
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: time.Second,
		Factor:    2,
		CapBase:   2 * time.Second,
		Classes: map[domain.Priority]Class{
			domain.PriorityHigh:   {MaxRetries: 5, TimeoutMultiplier: 2, CapMultiplier: 8},
			domain.PriorityMedium: {MaxRetries: 3, TimeoutMultiplier: 1.5, CapMultiplier: 4},
			domain.PriorityLow:    {MaxRetries: 2, TimeoutMultiplier: 1, CapMultiplier: 1},
		},
	}
}

// Validate checks that every priority class is configured
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("backoff base delay must be greater than 0")
	}
	if p.Factor < 1 {
		return fmt.Errorf("backoff factor must be at least 1")
	}
	if p.CapBase <= 0 {
		return fmt.Errorf("backoff cap base must be greater than 0")
	}
	for _, pr := range []domain.Priority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow} {
		c, ok := p.Classes[pr]
		if !ok {
			return fmt.Errorf("backoff class %q is not configured", pr)
		}
		if c.MaxRetries < 1 {
			return fmt.Errorf("backoff class %q: max retries must be at least 1", pr)
		}
		if c.TimeoutMultiplier <= 0 || c.CapMultiplier <= 0 {
			return fmt.Errorf("backoff class %q: multipliers must be greater than 0", pr)
		}
	}
	return nil
}

// NextDelay returns min(base * factor^(attempt-1), capMultiplier[priority] * capBase)
func (p Policy) NextDelay(attempt int, priority domain.Priority) time.Duration {
	ceiling := time.Duration(p.class(priority).CapMultiplier * float64(p.CapBase))
	return Exponential(p.BaseDelay, p.Factor, attempt, ceiling)
}

// MaxRetries returns the retry budget of a priority class
func (p Policy) MaxRetries(priority domain.Priority) int {
	return p.class(priority).MaxRetries
}

// TimeoutMultiplier returns the deadline weight of a priority class
func (p Policy) TimeoutMultiplier(priority domain.Priority) float64 {
	m := p.class(priority).TimeoutMultiplier
	if m <= 0 {
		return 1
	}
	return m
}

// unknown priorities fall back to the most conservative class
func (p Policy) class(priority domain.Priority) Class {
	if c, ok := p.Classes[priority]; ok {
		return c
	}
	return p.Classes[domain.PriorityLow]
}

// Exponential returns base * factor^(n-1) clamped to ceiling. A non-positive
// ceiling disables clamping.
func Exponential(base time.Duration, factor float64, n int, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(base) * math.Pow(factor, float64(n-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > math.MaxInt64 {
		if ceiling > 0 {
			return ceiling
		}
		return time.Duration(math.MaxInt64)
	}
	delay := time.Duration(d)
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// Jitter spreads d uniformly over [d*(1-fraction), d*(1+fraction)]
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(d) * fraction
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
