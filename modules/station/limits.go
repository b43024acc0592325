package station

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleTimeout     = 10 * time.Minute
)

// rejectReason describes why a listener was turned away.
type rejectReason string

const (
	rejectGlobal rejectReason = "global_limit"
	rejectPerIP  rejectReason = "per_ip_limit"
	rejectRate   rejectReason = "rate_limit"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// admission combines the global listener cap, the per-address cap and the
// per-address connection rate.
type admission struct {
	clock clockwork.Clock

	mu        sync.Mutex
	total     int
	max       int
	perIP     map[string]int
	maxPerIP  int
	rates     map[string]*rateEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

func newAdmission(cfg *Config, clock clockwork.Clock) *admission {
	return &admission{
		clock:     clock,
		max:       cfg.MaxListeners,
		perIP:     make(map[string]int),
		maxPerIP:  cfg.MaxListenersPerIP,
		rates:     make(map[string]*rateEntry),
		rate:      rate.Limit(cfg.ConnectRate),
		burst:     cfg.ConnectBurst,
		cleanupAt: clock.Now().Add(limiterCleanupInterval),
	}
}

// acquire takes a listener slot for ip. A zero or negative limit disables
// that check.
func (a *admission) acquire(ip string) (bool, rejectReason) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if now.After(a.cleanupAt) {
		a.cleanup(now)
		a.cleanupAt = now.Add(limiterCleanupInterval)
	}

	// Rate first, a refused connection still spends a token.
	if a.rate > 0 {
		entry, ok := a.rates[ip]
		if !ok {
			entry = &rateEntry{limiter: rate.NewLimiter(a.rate, a.burst)}
			a.rates[ip] = entry
		}
		entry.lastSeen = now
		if !entry.limiter.AllowN(now, 1) {
			return false, rejectRate
		}
	}

	if a.max > 0 && a.total >= a.max {
		return false, rejectGlobal
	}
	if a.maxPerIP > 0 && a.perIP[ip] >= a.maxPerIP {
		return false, rejectPerIP
	}

	a.total++
	a.perIP[ip]++
	return true, ""
}

func (a *admission) release(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count, ok := a.perIP[ip]
	if !ok {
		return
	}
	a.total--
	if count <= 1 {
		delete(a.perIP, ip)
	} else {
		a.perIP[ip] = count - 1
	}
}

func (a *admission) current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// cleanup forgets rate limiters of addresses not seen recently. Must be
// called with mu held.
func (a *admission) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTimeout)
	for ip, entry := range a.rates {
		if entry.lastSeen.Before(cutoff) {
			delete(a.rates, ip)
		}
	}
}
