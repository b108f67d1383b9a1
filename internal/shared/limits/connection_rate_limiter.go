package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles WebSocket handshakes before any token work
// is done.
//
// Two token buckets are checked per attempt:
//   - Global: caps system-wide handshake throughput (checked first, no map lookup)
//   - Per-IP: stops a single client from monopolizing the global budget
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     rate.Limit
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for handshake rate limiting.
// Zero values select the defaults noted per field.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // handshakes/sec per IP, default 1.0
	IPTTL   time.Duration // forget idle IPs after this long, default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // handshakes/sec, default 50.0

	CleanupInterval time.Duration // default 1m

	Logger zerolog.Logger
}

// NewConnectionRateLimiter starts the limiter and its idle-IP sweeper.
// Call Stop on shutdown.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        rate.Limit(config.IPRate),
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	go crl.cleanupLoop(config.CleanupInterval)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// CheckConnectionAllowed reports whether a handshake from ip may proceed.
// A false result should be answered with 429 Too Many Requests.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(crl.ipRate, crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: now}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup(time.Now())
		case <-crl.stopCleanup:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup(now time.Time) int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// TrackedIPs returns how many client IPs currently hold a bucket
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		close(crl.stopCleanup)
	})
}
