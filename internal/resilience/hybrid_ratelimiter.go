package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrRateLimitExceeded is returned by Wait when the leaky-bucket queue is full.
var ErrRateLimitExceeded = errors.New("resilience: rate limit exceeded, queue full")

// HybridRateLimiter combines a token bucket (burst tolerance) with a
// leaky bucket (rate smoothing): Allow checks the token bucket for an
// immediate pass, Wait queues the caller and is released at a fixed
// interval. Used to smooth revive-offer storms, where many jobs
// finishing or timing out at once would otherwise hammer the offer
// broker with back-to-back revive calls.
type HybridRateLimiter struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	tokenMu    sync.Mutex

	queue    chan *queuedRequest
	leakRate time.Duration
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	allowedCounter metric.Int64Counter
	deniedCounter  metric.Int64Counter
	queuedCounter  metric.Int64Counter
	tokensGauge    metric.Float64Gauge
	queueLenGauge  metric.Int64Gauge
}

type queuedRequest struct {
	doneCh chan struct{}
}

// NewHybridRateLimiter builds a limiter allowing bursts up to
// burstCapacity tokens, refilling at refillRate tokens/second, with a
// queue of queueSize draining one request every leakRate.
func NewHybridRateLimiter(burstCapacity int, refillRate float64, queueSize int, leakRate time.Duration) *HybridRateLimiter {
	meter := otel.Meter("dagscheduler")

	allowed, _ := meter.Int64Counter("dagsched_ratelimit_hybrid_allowed_total")
	denied, _ := meter.Int64Counter("dagsched_ratelimit_hybrid_denied_total")
	queued, _ := meter.Int64Counter("dagsched_ratelimit_hybrid_queued_total")
	tokensGauge, _ := meter.Float64Gauge("dagsched_ratelimit_hybrid_tokens_available")
	queueLen, _ := meter.Int64Gauge("dagsched_ratelimit_hybrid_queue_length")

	rl := &HybridRateLimiter{
		tokens:         float64(burstCapacity),
		capacity:       float64(burstCapacity),
		refillRate:     refillRate,
		lastRefill:     time.Now(),
		queue:          make(chan *queuedRequest, queueSize),
		leakRate:       leakRate,
		stopCh:         make(chan struct{}),
		allowedCounter: allowed,
		deniedCounter:  denied,
		queuedCounter:  queued,
		tokensGauge:    tokensGauge,
		queueLenGauge:  queueLen,
	}

	rl.workerWg.Add(1)
	go rl.leakyBucketWorker()
	go rl.reportMetrics()

	return rl
}

// Allow reports whether a request can proceed immediately, consuming a
// token if so.
func (rl *HybridRateLimiter) Allow(ctx context.Context) bool {
	rl.refillTokens()

	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		rl.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "immediate")))
		return true
	}
	return false
}

// Wait queues the caller behind the leaky bucket without consulting the
// token bucket (AllowOrWait tries a token first), returning once it has
// been released or the context is cancelled. Returns
// ErrRateLimitExceeded if the queue is full.
func (rl *HybridRateLimiter) Wait(ctx context.Context) error {
	req := &queuedRequest{doneCh: make(chan struct{})}

	select {
	case rl.queue <- req:
		rl.queuedCounter.Add(ctx, 1)
		select {
		case <-req.doneCh:
			rl.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "queued")))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-rl.stopCh:
			return context.Canceled
		}
	default:
		rl.deniedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		return ErrRateLimitExceeded
	}
}

// AllowOrWait tries Allow first, falling back to Wait.
func (rl *HybridRateLimiter) AllowOrWait(ctx context.Context) error {
	if rl.Allow(ctx) {
		return nil
	}
	return rl.Wait(ctx)
}

func (rl *HybridRateLimiter) refillTokens() {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed > 0 {
		rl.tokens = minFloat(rl.capacity, rl.tokens+elapsed*rl.refillRate)
		rl.lastRefill = now
	}
}

func (rl *HybridRateLimiter) leakyBucketWorker() {
	defer rl.workerWg.Done()

	ticker := time.NewTicker(rl.leakRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case req := <-rl.queue:
				close(req.doneCh)
			default:
			}
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *HybridRateLimiter) reportMetrics() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			rl.tokenMu.Lock()
			tokens := rl.tokens
			rl.tokenMu.Unlock()
			rl.tokensGauge.Record(ctx, tokens)
			rl.queueLenGauge.Record(ctx, int64(len(rl.queue)))
		case <-rl.stopCh:
			return
		}
	}
}

// Stop shuts down the background worker and metrics reporter.
func (rl *HybridRateLimiter) Stop() {
	close(rl.stopCh)
	rl.workerWg.Wait()
}
