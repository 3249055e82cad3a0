package supervisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/config"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/histsync"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/proxybridge"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/queue"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/store"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/wapp"
)

// ErrNoSession is returned when an operation targets an account with no live
// session.
var ErrNoSession = errors.New("no live session for account")

// Store is the persistent-store surface the supervisor needs. *store.Client
// implements it; tests substitute a fake.
type Store interface {
	histsync.Store

	SavePendingQR(ctx context.Context, accountID, qrImage string) error
	MarkConnected(ctx context.Context, accountID string) error
	MarkDisconnected(ctx context.Context, accountID string) error
	TouchUpdatedAt(ctx context.Context, accountID string) error

	GetProxyServer(ctx context.Context, accountID string) ([]byte, error)
	GetProfileSettings(ctx context.Context, accountID string) (*store.ProfileSettings, error)
	GetWarmupPeers(ctx context.Context, accountID string) ([]string, error)

	UploadMedia(ctx context.Context, objectPath string, data []byte, mimeType string) (string, error)
	FetchURL(ctx context.Context, rawURL string) ([]byte, error)
}

// StoreFactory builds a store client from caller-supplied credentials.
type StoreFactory func(storeURL, storeKey string) Store

// Alerter receives ops alerts for terminal session failures.
// *telegram.Notifier implements it; tests substitute a fake. Alert calls may
// block on the network, so they must never run under the registry lock.
type Alerter interface {
	AlertDisconnected(accountID, reason string)
	AlertAuthFailure(accountID, reason string)
}

// Registry owns the account -> Session map and all lifecycle policy:
// creation, QR expiry, reconnection, idle eviction, liveness reconciliation.
type Registry struct {
	cfg       *config.Config
	factory   wapp.Factory
	newStore  StoreFactory
	notifier  Alerter
	probeAddr string
	startedAt time.Time

	mu              sync.RWMutex
	sessions        map[string]*Session
	attempts        map[string]int // reconnect attempts per account
	reconnectTimers map[string]*time.Timer
}

// New creates a registry. factory may be nil, defaulting to the production
// whatsmeow client.
func New(cfg *config.Config, factory wapp.Factory, notifier Alerter) *Registry {
	if factory == nil {
		factory = wapp.NewMeowClient
	}
	return &Registry{
		cfg:     cfg,
		factory: factory,
		newStore: func(storeURL, storeKey string) Store {
			return store.New(storeURL, storeKey)
		},
		notifier:        notifier,
		probeAddr:       "web.whatsapp.com:443",
		startedAt:       time.Now(),
		sessions:        make(map[string]*Session),
		attempts:        make(map[string]int),
		reconnectTimers: make(map[string]*time.Timer),
	}
}

// SetStoreFactory overrides store construction (tests).
func (r *Registry) SetStoreFactory(f StoreFactory) { r.newStore = f }

// Initialize creates (or reuses) a session for an account. Idempotent when
// the existing session reports connected; otherwise the old session is fully
// torn down before a fresh one replaces it — never two live sessions, never
// two leaked transports for one tenant.
func (r *Registry) Initialize(ctx context.Context, accountID, storeURL, storeKey string) error {
	st := r.newStore(storeURL, storeKey)

	r.mu.Lock()
	r.cancelReconnectLocked(accountID)
	if existing, ok := r.sessions[accountID]; ok {
		if existing.Client.IsConnected() && existing.Client.IsLoggedIn() {
			r.mu.Unlock()
			log.Printf("[%s] Already connected, initialize is a no-op", accountID)
			return nil
		}
		log.Printf("[%s] Replacing stale session", accountID)
		existing.teardown()
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()

	sess, err := r.createSession(ctx, accountID, st)
	if err != nil {
		return err
	}

	r.mu.Lock()
	// A racing initialize may have won; the earlier session must not leak.
	if prior, ok := r.sessions[accountID]; ok {
		prior.teardown()
	}
	r.sessions[accountID] = sess
	r.mu.Unlock()

	go r.eventLoop(sess)

	if err := sess.Client.Connect(ctx); err != nil {
		r.removeSession(accountID, sess)
		sess.teardown()
		return fmt.Errorf("failed to start session: %w", err)
	}

	log.Printf("[%s] Session initialized (proxy: %v)", accountID, sess.Bridge != nil)
	return nil
}

// createSession wires fingerprint, proxy bridge and client for one account.
func (r *Registry) createSession(ctx context.Context, accountID string, st Store) (*Session, error) {
	fp := fingerprint.Generate(accountID)

	var bridge *proxybridge.Bridge
	rawProxy, err := st.GetProxyServer(ctx, accountID)
	if err != nil {
		log.Printf("[%s] Failed to read proxy assignment: %v", accountID, err)
	}
	upstream, err := proxybridge.ParseUpstream(rawProxy)
	if err != nil {
		return nil, err
	}
	if upstream != nil {
		bridge, err = proxybridge.Start(accountID, upstream)
		if err != nil {
			return nil, err
		}
		// A dead proxy must surface as an initialization error; the gateway
		// owns proxy-reassignment retries, not this registry.
		if err := bridge.Probe(r.probeAddr); err != nil {
			bridge.Close()
			return nil, err
		}
	}

	proxyURL := ""
	if bridge != nil {
		proxyURL = bridge.URL()
	}

	client, err := r.factory(ctx, accountID, fp, proxyURL, r.cfg.SessionsDir)
	if err != nil {
		if bridge != nil {
			bridge.Close()
		}
		return nil, err
	}

	return &Session{
		AccountID:   accountID,
		Client:      client,
		Bridge:      bridge,
		Fingerprint: fp,
		Queue: queue.New(accountID, queue.Options{
			Ceiling:     r.cfg.RatePerHour,
			Window:      time.Hour,
			MinDelay:    r.cfg.MinSendDelay,
			MaxDelay:    r.cfg.MaxSendDelay,
			PauseEveryN: r.cfg.PauseEveryN,
		}),
		store:        st,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}, nil
}

// Disconnect tears down an account's session. Idempotent: succeeds as a
// no-op when no session exists. The persisted status is reset either way.
func (r *Registry) Disconnect(ctx context.Context, accountID string) error {
	r.mu.Lock()
	r.cancelReconnectLocked(accountID)
	delete(r.attempts, accountID)
	sess, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("[%s] Disconnect: no live session", accountID)
		return nil
	}

	sess.teardown()
	if err := sess.store.MarkDisconnected(ctx, accountID); err != nil {
		log.Printf("[%s] Failed to persist disconnect: %v", accountID, err)
	}
	log.Printf("[%s] Session disconnected", accountID)
	return nil
}

// Has reports whether a live session exists, regardless of login progress.
func (r *Registry) Has(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[accountID]
	return ok
}

// Get returns the live session for an account.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[accountID]
	return sess, ok
}

// SendMessage queues one outbound text on the account's session. FIFO per
// tenant; the queue enforces the rate ceiling asynchronously.
func (r *Registry) SendMessage(accountID, phoneNumber, body string) error {
	sess, ok := r.Get(accountID)
	if !ok {
		return ErrNoSession
	}

	sess.touch()
	sess.Queue.Enqueue(queue.Task{
		To: phoneNumber,
		Execute: func(ctx context.Context) error {
			id, err := sess.Client.SendText(ctx, phoneNumber, body)
			if err != nil {
				return err
			}
			log.Printf("[%s] Sent %s to %s", accountID, id, phoneNumber)
			return nil
		},
	})
	return nil
}

// SessionState is one entry of the heartbeat/status reports.
type SessionState struct {
	AccountID    string    `json:"accountId"`
	Connected    bool      `json:"connected"`
	LoggedIn     bool      `json:"loggedIn"`
	LastActivity time.Time `json:"lastActivity"`
	IdleMinutes  float64   `json:"idleMinutes"`
}

// States snapshots every live session.
func (r *Registry) States() []SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]SessionState, 0, len(r.sessions))
	for id, sess := range r.sessions {
		last := sess.LastActivity()
		states = append(states, SessionState{
			AccountID:    id,
			Connected:    sess.Client.IsConnected(),
			LoggedIn:     sess.Client.IsLoggedIn(),
			LastActivity: last,
			IdleMinutes:  time.Since(last).Minutes(),
		})
	}
	return states
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Uptime returns how long the registry has been running.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Heartbeat reconciles every live session's connectivity against the
// persisted status and returns the per-session state array.
func (r *Registry) Heartbeat(ctx context.Context) []SessionState {
	states := r.States()
	for _, state := range states {
		if state.LoggedIn && !state.Connected {
			sess, ok := r.Get(state.AccountID)
			if !ok {
				continue
			}
			if err := sess.store.MarkDisconnected(ctx, state.AccountID); err != nil {
				log.Printf("[%s] Heartbeat reconcile failed: %v", state.AccountID, err)
			}
		}
	}
	return states
}

// removeSession deletes the map entry only if it still points at sess,
// so a replacement session created meanwhile is left alone.
func (r *Registry) removeSession(accountID string, sess *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[accountID]; ok && current == sess {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()
}

func (r *Registry) cancelReconnectLocked(accountID string) {
	if t, ok := r.reconnectTimers[accountID]; ok {
		t.Stop()
		delete(r.reconnectTimers, accountID)
	}
}

// Event handling

func (r *Registry) eventLoop(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case evt, ok := <-sess.Client.Events():
			if !ok {
				return
			}
			r.handleEvent(sess, evt)
		}
	}
}

func (r *Registry) handleEvent(sess *Session, evt wapp.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch v := evt.(type) {
	case wapp.QREvent:
		r.onQR(ctx, sess, v.Code)
	case wapp.ReadyEvent:
		r.onReady(ctx, sess)
	case wapp.MessageEvent:
		r.onMessage(ctx, sess, v.Message)
	case wapp.DisconnectedEvent:
		r.onDisconnected(ctx, sess, v.Reason)
	case wapp.AuthFailureEvent:
		r.onAuthFailure(ctx, sess, v.Reason)
	}
}

// onQR persists a displayable QR image with status pending and (re)arms the
// login-window timer.
func (r *Registry) onQR(ctx context.Context, sess *Session, code string) {
	log.Printf("[%s] QR code received", sess.AccountID)

	image, err := encodeQR(code)
	if err != nil {
		log.Printf("[%s] Failed to encode QR: %v", sess.AccountID, err)
	} else if err := sess.store.SavePendingQR(ctx, sess.AccountID, image); err != nil {
		log.Printf("[%s] Failed to persist QR: %v", sess.AccountID, err)
	}

	sess.resetQRTimer(r.cfg.QRTimeout, func() {
		r.expireQR(sess)
	})
}

// expireQR fires when the login window goes stale: the session is torn down
// and the status reset, with no reconnect. The user must explicitly retry.
func (r *Registry) expireQR(sess *Session) {
	log.Printf("[%s] QR login window expired after %v", sess.AccountID, r.cfg.QRTimeout)

	r.removeSession(sess.AccountID, sess)
	sess.teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sess.store.MarkDisconnected(ctx, sess.AccountID); err != nil {
		log.Printf("[%s] Failed to persist QR expiry: %v", sess.AccountID, err)
	}
}

func (r *Registry) onReady(ctx context.Context, sess *Session) {
	log.Printf("[%s] Session ready", sess.AccountID)

	sess.clearQRTimer()
	sess.touch()

	r.mu.Lock()
	delete(r.attempts, sess.AccountID)
	r.mu.Unlock()

	if err := sess.store.MarkConnected(ctx, sess.AccountID); err != nil {
		log.Printf("[%s] Failed to persist connected status: %v", sess.AccountID, err)
	}

	r.applyProfile(ctx, sess)
	r.refreshWarmupPeers(ctx, sess)
	r.runSync(ctx, sess)

	// Observers polling updated_at treat this as "ready work finished".
	if err := sess.store.TouchUpdatedAt(ctx, sess.AccountID); err != nil {
		log.Printf("[%s] Failed to touch updated_at: %v", sess.AccountID, err)
	}
}

// applyProfile pushes externally configured profile metadata to the live
// session. Best-effort throughout: failures are logged, never fatal.
func (r *Registry) applyProfile(ctx context.Context, sess *Session) {
	settings, err := sess.store.GetProfileSettings(ctx, sess.AccountID)
	if err != nil {
		log.Printf("[%s] Failed to load profile settings: %v", sess.AccountID, err)
		return
	}
	if settings == nil {
		return
	}

	if settings.DisplayName != "" {
		if err := sess.Client.SetDisplayName(ctx, settings.DisplayName); err != nil {
			log.Printf("[%s] Failed to apply display name: %v", sess.AccountID, err)
		}
	}
	if settings.StatusText != "" {
		if err := sess.Client.SetStatusText(ctx, settings.StatusText); err != nil {
			log.Printf("[%s] Failed to apply status text: %v", sess.AccountID, err)
		}
	}
	if settings.PictureURL != "" {
		data, err := sess.store.FetchURL(ctx, settings.PictureURL)
		if err != nil {
			log.Printf("[%s] Failed to fetch profile picture: %v", sess.AccountID, err)
			return
		}
		if err := sess.Client.SetPicture(ctx, data); err != nil {
			log.Printf("[%s] Failed to apply profile picture: %v", sess.AccountID, err)
		}
	}
}

func (r *Registry) refreshWarmupPeers(ctx context.Context, sess *Session) {
	peers, err := sess.store.GetWarmupPeers(ctx, sess.AccountID)
	if err != nil {
		log.Printf("[%s] Failed to load warm-up peers: %v", sess.AccountID, err)
		return
	}
	sess.setWarmupPeers(peers)
}

func (r *Registry) runSync(ctx context.Context, sess *Session) {
	peers, _ := sess.cachedWarmupPeers()
	engine := &histsync.Engine{Window: r.cfg.SyncWindow, UnreadCap: r.cfg.SyncUnreadCap}
	res, err := engine.Run(ctx, sess.AccountID, sess.Client, sess.store, peers)
	if err != nil {
		log.Printf("[%s] History sync failed: %v", sess.AccountID, err)
		return
	}
	log.Printf("[%s] History sync: %d chats, %d inserted, %d read-flags updated, %d warm-up chats skipped",
		sess.AccountID, res.Conversations, res.Inserted, res.ReadUpdated, res.Skipped)
}

// onMessage persists one live message, deduplicated, with best-effort media
// capture. Warm-up traffic is dropped entirely.
func (r *Registry) onMessage(ctx context.Context, sess *Session, msg wapp.IncomingMessage) {
	sess.touch()

	peers, loaded := sess.cachedWarmupPeers()
	if !loaded {
		r.refreshWarmupPeers(ctx, sess)
		peers, _ = sess.cachedWarmupPeers()
	}
	counterpart := wapp.NormalizePhone(msg.Counterpart)
	for _, p := range peers {
		if wapp.NormalizePhone(p) == counterpart {
			return
		}
	}

	direction := "incoming"
	if msg.FromMe {
		direction = "outgoing"
	}

	key := store.MessageKey{
		AccountID:   sess.AccountID,
		PhoneNumber: counterpart,
		Body:        msg.Body,
		SentAt:      msg.Timestamp,
		Direction:   direction,
	}
	existing, err := sess.store.FindMessage(ctx, key)
	if err != nil {
		log.Printf("[%s] Message dedup lookup failed: %v", sess.AccountID, err)
	} else if existing != nil {
		return
	}

	rec := store.MessageRecord{
		AccountID:   sess.AccountID,
		PhoneNumber: counterpart,
		ContactName: msg.PushName,
		Body:        msg.Body,
		Direction:   direction,
		SentAt:      msg.Timestamp.UTC().Format(time.RFC3339),
		Read:        msg.FromMe,
	}

	if msg.MediaType != "" {
		// Media failures never drop the message; it is stored without the
		// reference instead.
		data, err := sess.Client.Download(ctx, &msg)
		if err != nil {
			log.Printf("[%s] Media download failed: %v", sess.AccountID, err)
		} else {
			objectPath := fmt.Sprintf("%s/%s%s", sess.AccountID, uuid.New().String(), extForMime(msg.MimeType))
			mediaURL, err := sess.store.UploadMedia(ctx, objectPath, data, msg.MimeType)
			if err != nil {
				log.Printf("[%s] Media upload failed: %v", sess.AccountID, err)
			} else {
				rec.MediaURL = mediaURL
				rec.MediaType = msg.MediaType
			}
		}
	}

	if err := sess.store.InsertMessage(ctx, rec); err != nil {
		log.Printf("[%s] Failed to persist message: %v", sess.AccountID, err)
	}
}

// onDisconnected tears the session down and schedules exactly one reconnect
// with a fixed delay, up to the attempt cap. Exhausting the cap clears the
// counter so a future manual initialize starts fresh.
func (r *Registry) onDisconnected(ctx context.Context, sess *Session, reason string) {
	log.Printf("[%s] Disconnected: %s", sess.AccountID, reason)

	r.removeSession(sess.AccountID, sess)
	sess.teardown()

	if err := sess.store.MarkDisconnected(ctx, sess.AccountID); err != nil {
		log.Printf("[%s] Failed to persist disconnect: %v", sess.AccountID, err)
	}

	r.scheduleReconnect(sess.AccountID, sess.store, reason)
}

// scheduleReconnect arms the next reconnect attempt, or gives up once the
// attempt budget is spent. The exhaustion alert runs outside the registry
// lock: a slow notifier must not stall other tenants.
func (r *Registry) scheduleReconnect(accountID string, st Store, reason string) {
	r.mu.Lock()
	attempts := r.attempts[accountID]
	if attempts >= r.cfg.MaxReconnectAttempts {
		delete(r.attempts, accountID)
		delete(r.reconnectTimers, accountID)
		r.mu.Unlock()
		log.Printf("[%s] Reconnect attempts exhausted (%d), giving up", accountID, attempts)
		if r.notifier != nil {
			r.notifier.AlertDisconnected(accountID, reason)
		}
		return
	}
	r.attempts[accountID] = attempts + 1
	r.cancelReconnectLocked(accountID)

	delay := r.cfg.ReconnectDelay
	r.reconnectTimers[accountID] = time.AfterFunc(delay, func() {
		r.reconnect(accountID, st)
	})
	r.mu.Unlock()
	log.Printf("[%s] Scheduling reconnect %d/%d in %v", accountID, attempts+1, r.cfg.MaxReconnectAttempts, delay)
}

// reconnect re-creates a session after a transient disconnect, preserving
// the attempt counter. A synchronous launch failure arms the next attempt
// itself, since no disconnect event will arrive to drive the chain.
func (r *Registry) reconnect(accountID string, st Store) {
	r.mu.Lock()
	delete(r.reconnectTimers, accountID)
	if _, ok := r.sessions[accountID]; ok {
		// A manual initialize beat us to it.
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := r.createSession(ctx, accountID, st)
	if err != nil {
		log.Printf("[%s] Reconnect failed: %v", accountID, err)
		r.scheduleReconnect(accountID, st, err.Error())
		return
	}

	r.mu.Lock()
	if _, ok := r.sessions[accountID]; ok {
		r.mu.Unlock()
		sess.teardown()
		return
	}
	r.sessions[accountID] = sess
	r.mu.Unlock()

	go r.eventLoop(sess)

	if err := sess.Client.Connect(ctx); err != nil {
		log.Printf("[%s] Reconnect failed to start session: %v", accountID, err)
		r.removeSession(accountID, sess)
		sess.teardown()
		r.scheduleReconnect(accountID, st, err.Error())
	}
}

// onAuthFailure is terminal: credentials were rejected, so retrying would
// only burn the login. Full teardown, QR cleared, no reconnect.
func (r *Registry) onAuthFailure(ctx context.Context, sess *Session, reason string) {
	log.Printf("[%s] Auth failure: %s", sess.AccountID, reason)

	r.removeSession(sess.AccountID, sess)
	sess.teardown()

	r.mu.Lock()
	delete(r.attempts, sess.AccountID)
	r.cancelReconnectLocked(sess.AccountID)
	r.mu.Unlock()

	if err := sess.store.MarkDisconnected(ctx, sess.AccountID); err != nil {
		log.Printf("[%s] Failed to persist auth failure: %v", sess.AccountID, err)
	}

	if r.notifier != nil {
		r.notifier.AlertAuthFailure(sess.AccountID, reason)
	}
}

// Shutdown tears down every session. Persisted statuses are left as-is so a
// restarted supervisor can reconcile them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	for id, t := range r.reconnectTimers {
		t.Stop()
		delete(r.reconnectTimers, id)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.teardown()
	}
}

// encodeQR renders a QR payload as a base64 PNG data URI for the dashboard.
func encodeQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 512)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func extForMime(mimeType string) string {
	switch {
	case mimeType == "image/jpeg":
		return ".jpg"
	case mimeType == "image/png":
		return ".png"
	case mimeType == "image/webp":
		return ".webp"
	case mimeType == "video/mp4":
		return ".mp4"
	case mimeType == "audio/ogg; codecs=opus", mimeType == "audio/ogg":
		return ".ogg"
	case mimeType == "application/pdf":
		return ".pdf"
	}
	return ".bin"
}
