package supervisor

import (
	"sync"
	"time"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/proxybridge"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/queue"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/wapp"
)

// Session bundles every per-tenant resource: the client, its proxy bridge,
// the outbound queue, the QR-expiry timer and activity bookkeeping. Keeping
// them in one struct removes the several-maps inconsistency risk — a session
// is created whole and torn down whole.
type Session struct {
	AccountID   string
	Client      wapp.Client
	Bridge      *proxybridge.Bridge // nil when the tenant has no proxy
	Fingerprint fingerprint.Profile
	Queue       *queue.Queue

	store     Store
	createdAt time.Time

	mu           sync.Mutex
	qrTimer      *time.Timer
	lastActivity time.Time
	warmupPeers  []string // cached at ready
	peersLoaded  bool

	done     chan struct{}
	downOnce sync.Once
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor returns how long the session has been inactive.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastActivity())
}

// resetQRTimer arms the login-window timer, cancelling any prior one first.
// Two timers must never coexist for one tenant.
func (s *Session) resetQRTimer(d time.Duration, expire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qrTimer != nil {
		s.qrTimer.Stop()
	}
	s.qrTimer = time.AfterFunc(d, expire)
}

// clearQRTimer cancels the login-window timer. Called on ready and on every
// teardown path; a dangling QR timer after ready is a defect.
func (s *Session) clearQRTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
}

// HasQRTimer reports whether a login-window timer is armed.
func (s *Session) HasQRTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrTimer != nil
}

func (s *Session) cachedWarmupPeers() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warmupPeers, s.peersLoaded
}

func (s *Session) setWarmupPeers(peers []string) {
	s.mu.Lock()
	s.warmupPeers = peers
	s.peersLoaded = true
	s.mu.Unlock()
}

// teardown releases every resource owned by the session: event loop, QR
// timer, queue, client (and its auth store handle), proxy bridge. Idempotent.
func (s *Session) teardown() {
	s.downOnce.Do(func() {
		close(s.done)
		s.clearQRTimer()
		s.Queue.Stop()
		s.Client.Disconnect()
		s.Client.Close()
		if s.Bridge != nil {
			s.Bridge.Close()
		}
	})
}
