package handshake

import (
	"sync"
	"time"

	"github.com/aegis-mesh/core/pkg/logger"
)

// replayGuard provides thread-safe replay-attack protection by tracking
// consumed challenge ids within a freshness window, evicting expired
// entries so memory stays bounded.
type replayGuard struct {
	window  time.Duration
	maxSize int

	mu   sync.RWMutex
	seen map[string]time.Time
	log  *logger.Logger
}

func newReplayGuard(window time.Duration, maxSize int, log *logger.Logger) *replayGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &replayGuard{
		window:  window,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
		log:     log,
	}
}

// validateAndMark returns true iff challengeID has not been consumed within
// the freshness window, marking it consumed as a side effect.
func (g *replayGuard) validateAndMark(challengeID string) bool {
	if challengeID == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen)%100 == 0 {
		g.cleanupExpired()
	}

	if seenAt, exists := g.seen[challengeID]; exists {
		if time.Since(seenAt) < g.window {
			if g.log != nil {
				g.log.Component("handshake").WithField("challenge_id", challengeID).Warn("replay detected")
			}
			return false
		}
		delete(g.seen, challengeID)
	}

	if g.maxSize > 0 && len(g.seen) >= g.maxSize {
		g.cleanupExpired()
		if len(g.seen) >= g.maxSize {
			if g.log != nil {
				g.log.Component("handshake").WithField("max_size", g.maxSize).Warn("replay guard at capacity")
			}
			return false
		}
	}

	g.seen[challengeID] = time.Now()
	return true
}

func (g *replayGuard) cleanupExpired() {
	now := time.Now()
	for id, seenAt := range g.seen {
		if now.Sub(seenAt) > g.window {
			delete(g.seen, id)
		}
	}
}

func (g *replayGuard) size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.seen)
}
