package control

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Authentication failures are rate-limited per peer address. Every
// failure burns one token from the peer's bucket and registration is
// refused while the bucket is empty, so a brute-forcing peer gets
// authFailBurst free attempts and then one per refill interval.
const (
	authFailBurst   = 5
	authFailRefill  = 30 * time.Second
	maxTrackedPeers = 4096
)

type authGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAuthGuard() *authGuard {
	return &authGuard{limiters: make(map[string]*rate.Limiter)}
}

// Fail records one authentication failure for the peer.
func (g *authGuard) Fail(remoteAddr string) {
	g.limiter(remoteAddr).Allow()
}

// Blocked reports whether the peer has exhausted its failure budget.
func (g *authGuard) Blocked(remoteAddr string) bool {
	return g.limiter(remoteAddr).Tokens() < 1
}

// limiter returns the peer's bucket, keyed by host so every connection
// from one address shares a budget. Tracking resets once the map grows
// past maxTrackedPeers; a blocked peer then regains its burst.
func (g *authGuard) limiter(remoteAddr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[host]
	if !ok {
		if len(g.limiters) >= maxTrackedPeers {
			g.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(authFailRefill), authFailBurst)
		g.limiters[host] = lim
	}
	return lim
}
