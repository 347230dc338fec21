package ratelimit

import (
	"time"

	"github.com/manifoldmcp/manifold/internal/events"
)

// loadHistorySize bounds the rolling load samples kept per composite key.
const loadHistorySize = 10

// adaptiveState tracks recent load for one composite key's token bucket.
type adaptiveState struct {
	lastEval    time.Time
	loadHistory []float64
}

// adjustAdaptive samples the bucket's load once per window and shrinks or
// grows its effective capacity. Shrinking floors at 10% of the original
// capacity; growth is capped at the original. Only the token bucket is
// touched; the other three gates keep their configured limits. Caller
// holds l.mu.
func (l *Limiter) adjustAdaptive(key string, b *tokenBucket, now time.Time) {
	st, ok := l.adaptive[key]
	if !ok {
		st = &adaptiveState{lastEval: now}
		l.adaptive[key] = st
		return
	}
	if now.Sub(st.lastEval) < l.cfg.WindowSize {
		return
	}
	st.lastEval = now

	load := 1 - b.tokens/b.maxTokens
	st.loadHistory = append(st.loadHistory, load)
	if len(st.loadHistory) > loadHistorySize {
		st.loadHistory = st.loadHistory[len(st.loadHistory)-loadHistorySize:]
	}

	var sum float64
	for _, s := range st.loadHistory {
		sum += s
	}
	avg := sum / float64(len(st.loadHistory))

	floor := 0.1 * b.originalMax
	switch {
	case avg > l.cfg.AdaptiveThreshold && b.maxTokens > floor:
		next := b.maxTokens * l.cfg.AdaptiveReduction
		if next < floor {
			next = floor
		}
		b.setMax(next)
		l.bus.Publish(events.AdaptiveAdjustment{Key: key, Direction: "shrink", NewLimit: next})
	case avg < l.cfg.AdaptiveThreshold/2 && b.maxTokens < b.originalMax:
		next := b.maxTokens * l.cfg.AdaptiveRecoveryRate
		if next > b.originalMax {
			next = b.originalMax
		}
		b.setMax(next)
		l.bus.Publish(events.AdaptiveAdjustment{Key: key, Direction: "grow", NewLimit: next})
	}
}
