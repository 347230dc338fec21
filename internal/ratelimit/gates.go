package ratelimit

import (
	"time"
)

// fixedQuota is the per-user / per-backend gate: a linearly refilling token
// count paired with a sliding log of recent request timestamps bounded to
// the limit.
type fixedQuota struct {
	limit  float64
	window time.Duration

	tokens     float64
	lastRefill time.Time
	log        []time.Time
	lastSeen   time.Time
}

func newFixedQuota(limit float64, window time.Duration, now time.Time) *fixedQuota {
	return &fixedQuota{
		limit:      limit,
		window:     window,
		tokens:     limit,
		lastRefill: now,
		lastSeen:   now,
	}
}

// tick refills tokens for elapsed time and prunes log entries that fell out
// of the window. Always applied before evaluating the gate.
func (q *fixedQuota) tick(now time.Time) {
	elapsed := now.Sub(q.lastRefill)
	if elapsed > 0 {
		q.tokens += elapsed.Seconds() / q.window.Seconds() * q.limit
		if q.tokens > q.limit {
			q.tokens = q.limit
		}
		q.lastRefill = now
	}
	cutoff := now.Add(-q.window)
	i := 0
	for i < len(q.log) && !q.log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		q.log = append(q.log[:0], q.log[i:]...)
	}
	q.lastSeen = now
}

func (q *fixedQuota) allows(weight float64) bool {
	return q.tokens >= weight && float64(len(q.log))+weight <= q.limit
}

func (q *fixedQuota) consume(now time.Time, weight float64) {
	q.tokens -= weight
	if q.tokens < 0 {
		q.tokens = 0
	}
	if float64(len(q.log)) < q.limit {
		q.log = append(q.log, now)
	}
}

// tokenBucket is the composite-key gate: capacity refills linearly at
// ratePerWindow per window up to max. Adaptive throttling adjusts max
// between 10% of original and original.
type tokenBucket struct {
	ratePerWindow float64
	window        time.Duration

	tokens      float64
	maxTokens   float64
	originalMax float64
	lastRefill  time.Time
	lastSeen    time.Time
}

func newTokenBucket(rate float64, window time.Duration, burst float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		ratePerWindow: rate,
		window:        window,
		tokens:        burst,
		maxTokens:     burst,
		originalMax:   burst,
		lastRefill:    now,
		lastSeen:      now,
	}
}

func (b *tokenBucket) tick(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() / b.window.Seconds() * b.ratePerWindow
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}
	b.lastSeen = now
}

func (b *tokenBucket) allows(weight float64) bool { return b.tokens >= weight }

func (b *tokenBucket) consume(weight float64) {
	b.tokens -= weight
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// setMax changes the effective capacity and clamps current tokens to it.
func (b *tokenBucket) setMax(max float64) {
	b.maxTokens = max
	if b.tokens > max {
		b.tokens = max
	}
}

// slidingWindow is the composite-key segmented window gate. The window is
// divided into equal segments; stale segments are zeroed as time advances,
// smoothing bursts at window edges.
type slidingWindow struct {
	limit    float64
	window   time.Duration
	segments []float64
	current  int
	// segmentStart is when the current segment began.
	segmentStart time.Time
	lastSeen     time.Time
}

func newSlidingWindow(limit float64, window time.Duration, segments int, now time.Time) *slidingWindow {
	if segments < 1 {
		segments = 1
	}
	return &slidingWindow{
		limit:        limit,
		window:       window,
		segments:     make([]float64, segments),
		segmentStart: now,
		lastSeen:     now,
	}
}

func (w *slidingWindow) segDuration() time.Duration {
	return w.window / time.Duration(len(w.segments))
}

// tick advances the current segment for elapsed time, zeroing segments that
// rotated out. More than a full window elapsed resets everything.
func (w *slidingWindow) tick(now time.Time) {
	elapsed := now.Sub(w.segmentStart)
	if elapsed >= w.window {
		for i := range w.segments {
			w.segments[i] = 0
		}
		w.current = 0
		w.segmentStart = now
	} else if elapsed > 0 {
		seg := w.segDuration()
		steps := int(elapsed / seg)
		for i := 0; i < steps; i++ {
			w.current = (w.current + 1) % len(w.segments)
			w.segments[w.current] = 0
		}
		w.segmentStart = w.segmentStart.Add(time.Duration(steps) * seg)
	}
	w.lastSeen = now
}

func (w *slidingWindow) sum() float64 {
	var total float64
	for _, s := range w.segments {
		total += s
	}
	return total
}

func (w *slidingWindow) allows(weight float64) bool {
	return w.sum()+weight <= w.limit
}

func (w *slidingWindow) consume(weight float64) {
	w.segments[w.current] += weight
}
