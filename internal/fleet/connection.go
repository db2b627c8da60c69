package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/control-room/internal/models"
	"github.com/ukydev/control-room/internal/retry"
)

// ConnectionStatus is the health of a tenant subscription.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Label returns the text shown next to the map so stale data is never
// presented as live.
func (s ConnectionStatus) Label() string {
	switch s {
	case StatusConnected:
		return "live"
	case StatusConnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "offline"
	default:
		return "unknown"
	}
}

// ConnectionState is reported on every status transition.
type ConnectionState struct {
	Status     ConnectionStatus
	RetryCount int
	LastError  error
}

// SnapshotFetcher loads the full current snapshot of a tenant.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, tenantID string) (models.Snapshot, error)
}

// FeedHandler receives what a live subscription produces. Handlers may be
// called from any goroutine.
type FeedHandler struct {
	OnChange func(models.ChangeEvent)
	OnError  func(error)
}

// Subscription is an open change-feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// FeedSubscriber opens change-feed subscriptions scoped to one tenant.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, tenantID string, h FeedHandler) (Subscription, error)
}

// CancelFunc stops a subscription started by Manager.Start.
type CancelFunc func()

// ErrFeedClosed is reported when the feed ends without an error of its own.
var ErrFeedClosed = errors.New("change feed closed")

// Manager keeps tenant snapshots in sync: initial fetch, live merge, and
// full resync after any failure.
type Manager struct {
	fetcher   SnapshotFetcher
	feed      FeedSubscriber
	scheduler retry.Scheduler
	policy    retry.Policy
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the real-timer scheduler.
func WithScheduler(s retry.Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithRetryPolicy replaces the default flat, unlimited policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager creates a Manager.
func NewManager(fetcher SnapshotFetcher, feed FeedSubscriber, opts ...Option) *Manager {
	m := &Manager{
		fetcher:   fetcher,
		feed:      feed,
		scheduler: retry.TimerScheduler{},
		policy:    retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to tenantID. The connecting status is reported before
// Start returns; everything else happens asynchronously. Callbacks never run
// concurrently with each other and never start once the returned CancelFunc
// has been called.
func (m *Manager) Start(tenantID string, onSnapshot func(models.Snapshot), onStatusChange func(ConnectionState)) CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		m:          m,
		tenantID:   tenantID,
		onSnapshot: onSnapshot,
		onStatus:   onStatusChange,
		ctx:        ctx,
		cancelCtx:  cancel,
		store:      NewStore(),
		logger:     log.WithFields(log.Fields{"component": "connection-manager", "tenant_id": tenantID}),
	}
	s.setStatus(StatusConnecting, 0, nil)
	epoch := s.currentEpoch()
	go s.connect(epoch)
	return s.cancel
}

type session struct {
	m          *Manager
	tenantID   string
	onSnapshot func(models.Snapshot)
	onStatus   func(ConnectionState)
	ctx        context.Context
	cancelCtx  context.CancelFunc
	logger     *log.Entry

	terminated atomic.Bool
	// deliverMu serializes callbacks.
	deliverMu sync.Mutex

	mu    sync.Mutex
	state ConnectionState
	store *Store
	sub   Subscription
	retry retry.Ticket
	// retryGen identifies the pending retry; firing consumes it.
	retryGen uint64
	// epoch changes whenever the current attempt is abandoned, so late
	// results and feed events of an old attempt are ignored.
	epoch uint64
}

func (s *session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *session) stale(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated.Load() || epoch != s.epoch
}

func (s *session) connect(epoch uint64) {
	snapshot, err := s.m.fetcher.FetchSnapshot(s.ctx, s.tenantID)
	if s.stale(epoch) {
		return
	}
	if err != nil {
		s.fail(epoch, err)
		return
	}

	s.deliverMu.Lock()
	if s.stale(epoch) {
		s.deliverMu.Unlock()
		return
	}
	s.store.ReplaceAll(snapshot)
	s.onSnapshot(s.store.Snapshot())
	s.deliverMu.Unlock()

	s.setStatus(StatusConnected, 0, nil)
	s.logger.WithField("vehicles", len(snapshot)).Info("snapshot synchronised")

	sub, err := s.m.feed.Subscribe(s.ctx, s.tenantID, FeedHandler{
		OnChange: func(ev models.ChangeEvent) { s.handleChange(epoch, ev) },
		OnError:  func(err error) { s.fail(epoch, err) },
	})
	if err != nil {
		s.fail(epoch, err)
		return
	}

	s.mu.Lock()
	if s.terminated.Load() || epoch != s.epoch {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

func (s *session) handleChange(epoch uint64, ev models.ChangeEvent) {
	if tenant := ev.TenantID(); tenant != "" && tenant != s.tenantID {
		s.logger.WithField("event_tenant_id", tenant).Warn("dropping change for another tenant")
		return
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.stale(epoch) {
		return
	}
	s.store.Apply(ev)
	s.onSnapshot(s.store.Snapshot())
}

// fail abandons the attempt identified by epoch and schedules the next one.
func (s *session) fail(epoch uint64, err error) {
	if err == nil {
		err = ErrFeedClosed
	}

	s.mu.Lock()
	if s.terminated.Load() || epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.epoch++
	next := s.epoch
	sub := s.sub
	s.sub = nil
	retries := s.state.RetryCount
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.setStatus(StatusDisconnected, retries, err)

	delay, ok := s.m.policy.NextDelay(retries + 1)
	if !ok {
		s.logger.WithError(err).WithField("retries", retries).Error("giving up on realtime connection")
		return
	}
	s.logger.WithError(err).WithField("retry_in", delay).Warn("realtime connection lost")

	s.mu.Lock()
	if s.terminated.Load() || next != s.epoch {
		s.mu.Unlock()
		return
	}
	s.retryGen++
	gen := s.retryGen
	s.mu.Unlock()

	// The scheduler may run the callback before Schedule returns.
	ticket := s.m.scheduler.Schedule(delay, func() { s.retryFired(next, gen) })

	s.mu.Lock()
	if !s.terminated.Load() && next == s.epoch && gen == s.retryGen {
		s.retry = ticket
		ticket = nil
	}
	s.mu.Unlock()
	if ticket != nil {
		ticket.Cancel()
	}
}

func (s *session) retryFired(epoch, gen uint64) {
	s.mu.Lock()
	if s.terminated.Load() || epoch != s.epoch || gen != s.retryGen {
		s.mu.Unlock()
		return
	}
	s.retryGen++
	s.retry = nil
	retries := s.state.RetryCount + 1
	s.mu.Unlock()

	s.setStatus(StatusConnecting, retries, nil)
	s.connect(epoch)
}

func (s *session) setStatus(status ConnectionStatus, retries int, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.terminated.Load() {
		return
	}
	s.mu.Lock()
	s.state = ConnectionState{Status: status, RetryCount: retries, LastError: err}
	state := s.state
	s.mu.Unlock()
	s.onStatus(state)
}

func (s *session) cancel() {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.cancelCtx()

	s.mu.Lock()
	s.epoch++
	ticket := s.retry
	s.retry = nil
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if ticket != nil {
		ticket.Cancel()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.WithError(err).Debug("unsubscribe failed")
		}
	}
}
