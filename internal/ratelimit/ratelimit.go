// Package ratelimit gates every outbound marketplace call with a per
// (tenant, provider) fixed-window token bucket and a consecutive-failure
// circuit breaker. Bucket state is persisted so restarts keep open circuits
// open.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
)

var (
	acquiresDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_ratelimit_denied_total",
			Help: "Total number of denied token acquisitions",
		},
		[]string{"provider", "reason"},
	)

	circuitOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_circuit_opens_total",
			Help: "Total number of circuit breaker opens",
		},
		[]string{"provider"},
	)
)

const (
	// breakerThreshold is the consecutive transient-failure count that opens
	// the circuit.
	breakerThreshold = 5
	// maxCircuitOpen caps the exponential open interval.
	maxCircuitOpen = 5 * time.Minute
)

// ProviderLimits configures the fixed window for one provider.
type ProviderLimits struct {
	Capacity int
	Window   time.Duration
}

// Decision is the result of a token acquisition attempt.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

// Limiter enforces the window and breaker per (tenant, provider) bucket.
// Acquisition and reporting are linearizable per bucket: a striped mutex
// serializes them, and state round-trips through the store inside that
// critical section.
type Limiter struct {
	st     store.Store
	clk    clock.Clock
	limits map[model.Provider]ProviderLimits

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a limiter over the given store.
func New(st store.Store, clk clock.Clock, limits map[model.Provider]ProviderLimits) *Limiter {
	return &Limiter{
		st:     st,
		clk:    clk,
		limits: limits,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Limiter) bucketLock(tenantID string, p model.Provider) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tenantID + "|" + string(p)
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// TryAcquire consumes one token if the window allows it and the circuit is
// closed. A denial carries the wait until the window rolls over or the
// circuit closes. Callers must not hold any lease or transaction across this
// call.
func (l *Limiter) TryAcquire(ctx context.Context, tenantID string, p model.Provider) (Decision, error) {
	lock := l.bucketLock(tenantID, p)
	lock.Lock()
	defer lock.Unlock()

	now := l.clk.Now()
	var decision Decision
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		b, err := l.load(tx, tenantID, p, now)
		if err != nil {
			return err
		}
		if now.Before(b.CircuitOpenUntil) {
			decision = Decision{Granted: false, RetryAfter: b.CircuitOpenUntil.Sub(now)}
			acquiresDenied.WithLabelValues(string(p), "circuit_open").Inc()
			return tx.Buckets().Put(b)
		}
		if now.Sub(b.WindowStart) >= b.WindowDuration {
			b.WindowStart = now
			b.RequestCount = 0
		}
		if b.RequestCount >= b.Capacity {
			decision = Decision{
				Granted:    false,
				RetryAfter: b.WindowStart.Add(b.WindowDuration).Sub(now),
			}
			acquiresDenied.WithLabelValues(string(p), "window_exhausted").Inc()
			return tx.Buckets().Put(b)
		}
		b.RequestCount++
		decision = Decision{Granted: true}
		return tx.Buckets().Put(b)
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Report feeds a call outcome back into the breaker. Any ok closes the
// circuit; five consecutive transient failures open it for
// min(2^failures seconds, 5 minutes). Permanent failures are neutral: the
// fault is in the request, not the provider.
func (l *Limiter) Report(ctx context.Context, tenantID string, p model.Provider, outcome model.Outcome) error {
	lock := l.bucketLock(tenantID, p)
	lock.Lock()
	defer lock.Unlock()

	now := l.clk.Now()
	return l.st.WithTx(ctx, func(tx store.Tx) error {
		b, err := l.load(tx, tenantID, p, now)
		if err != nil {
			return err
		}
		switch outcome {
		case model.OutcomeOK:
			b.ConsecutiveFailures = 0
			b.CircuitOpenUntil = time.Time{}
		case model.OutcomeTransient, model.OutcomeRateLimited:
			b.ConsecutiveFailures++
			if b.ConsecutiveFailures >= breakerThreshold {
				// Clamp the exponent: past 2^9s the 5-minute ceiling binds
				// anyway, and an unbounded shift overflows during a long
				// outage.
				shift := b.ConsecutiveFailures
				if shift > 9 {
					shift = 9
				}
				open := time.Duration(1<<uint(shift)) * time.Second
				if open > maxCircuitOpen {
					open = maxCircuitOpen
				}
				b.CircuitOpenUntil = now.Add(open)
				circuitOpens.WithLabelValues(string(p)).Inc()
			}
		default:
			// Permanent outcomes leave the breaker untouched.
		}
		return tx.Buckets().Put(b)
	})
}

func (l *Limiter) load(tx store.Tx, tenantID string, p model.Provider, now time.Time) (*model.RateLimitBucket, error) {
	b, err := tx.Buckets().Get(tenantID, p)
	if err != nil {
		return nil, err
	}
	limits := l.limits[p]
	if limits.Capacity <= 0 {
		limits = ProviderLimits{Capacity: 60, Window: time.Minute}
	}
	if b == nil {
		return &model.RateLimitBucket{
			TenantID:       tenantID,
			Provider:       p,
			Capacity:       limits.Capacity,
			WindowDuration: limits.Window,
			WindowStart:    now,
		}, nil
	}
	// Deployed limit changes take effect on the next observation.
	b.Capacity = limits.Capacity
	b.WindowDuration = limits.Window
	return b, nil
}
