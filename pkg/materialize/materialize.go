package materialize

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/feed"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/risk"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/store"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/stream"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/territory"
)

// Scheduler states.
const (
	StateStable     = "STABLE"
	StateRefreshing = "REFRESHING"
)

// Stream event types published on refresh transitions.
const (
	EventRefreshStarted   = "refresh.started"
	EventRefreshCompleted = "refresh.completed"
	EventRefreshFailed    = "refresh.failed"
)

var ErrInvalidTransition = errors.New("invalid scheduler transition")

func canTransition(from, to string) bool {
	switch from {
	case StateStable:
		return to == StateRefreshing
	case StateRefreshing:
		return to == StateStable
	default:
		return false
	}
}

type Config struct {
	// ViewName keys the cross-replica build lock.
	ViewName string
	// StalenessLag is the maximum snapshot age before auto-refresh.
	StalenessLag time.Duration
	// CheckInterval is how often the background loop inspects staleness.
	CheckInterval time.Duration
	// RetryBackoff is the initial failure backoff; it doubles up to RetryMax.
	RetryBackoff time.Duration
	RetryMax     time.Duration
	// BuildLockTTL bounds how long a crashed replica can hold the lock.
	BuildLockTTL time.Duration
	Scoring      risk.Config
}

func (c Config) withDefaults() Config {
	if c.ViewName == "" {
		c.ViewName = "claims_risk_view"
	}
	if c.StalenessLag <= 0 {
		c.StalenessLag = 4 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.BuildLockTTL <= 0 {
		c.BuildLockTTL = 10 * time.Minute
	}
	if c.Scoring.HighUnderAge == 0 {
		c.Scoring = risk.DefaultConfig()
	}
	return c
}

// Materializer owns snapshot creation. Builds run one at a time; the
// completed snapshot replaces the current one with a single pointer swap,
// so readers never block and never observe a half-built view.
type Materializer struct {
	cfg    Config
	source feed.Source
	lock   store.Cache // optional cross-replica build lock
	events *stream.Hub // optional operator event stream

	current atomic.Pointer[models.Snapshot]
	version atomic.Uint64

	mu          sync.Mutex
	state       string
	inflight    chan struct{} // closed when the running build finishes
	cancelBuild context.CancelFunc

	// test seam
	now func() time.Time
}

// Option configures optional collaborators.
type Option func(*Materializer)

func WithBuildLock(c store.Cache) Option { return func(m *Materializer) { m.lock = c } }
func WithEvents(h *stream.Hub) Option    { return func(m *Materializer) { m.events = h } }

func New(cfg Config, source feed.Source, opts ...Option) *Materializer {
	m := &Materializer{
		cfg:    cfg.withDefaults(),
		source: source,
		state:  StateStable,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the last completed snapshot, nil before the first build.
// Never blocks on an in-progress build.
func (m *Materializer) Current() *models.Snapshot {
	return m.current.Load()
}

// Status reports scheduler state for the staleness endpoint.
func (m *Materializer) Status() models.RefreshStatus {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	status := models.RefreshStatus{State: state, Refreshing: state == StateRefreshing}
	if snap := m.current.Load(); snap != nil {
		status.Version = snap.Version
		status.ComputedAt = snap.ComputedAt
		status.StalenessSec = int(m.now().UTC().Sub(snap.ComputedAt) / time.Second)
	}
	return status
}

// Staleness returns the age of the current snapshot. Before the first
// build it reports a value beyond the lag bound so a refresh triggers.
func (m *Materializer) Staleness() time.Duration {
	snap := m.current.Load()
	if snap == nil {
		return m.cfg.StalenessLag + time.Second
	}
	return m.now().UTC().Sub(snap.ComputedAt)
}

// Refresh requests a rebuild and returns immediately. A request arriving
// while a build is in flight joins it instead of starting a second one; the
// returned channel closes when that build (success or failure) finishes.
func (m *Materializer) Refresh(ctx context.Context) <-chan struct{} {
	m.mu.Lock()
	if m.state == StateRefreshing && m.inflight != nil {
		done := m.inflight
		m.mu.Unlock()
		return done
	}
	done := m.beginLocked()
	m.mu.Unlock()
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	go m.runBuild(done)
	return done
}

// ForceRefresh supersedes any in-flight build: the partial build is
// cancelled and discarded with no visible effect, then a fresh one starts.
// The call returns immediately even when the superseded build is slow to
// exit; the returned channel closes once the replacement finishes, or once
// ctx is cancelled before it could start.
func (m *Materializer) ForceRefresh(ctx context.Context) <-chan struct{} {
	m.mu.Lock()
	if m.state == StateRefreshing && m.cancelBuild != nil {
		m.cancelBuild()
	}
	m.mu.Unlock()
	done := make(chan struct{})
	// The cancelled build transitions back to STABLE on its way out; wait
	// for that off the caller's goroutine before starting the replacement.
	go func() {
		defer close(done)
		for {
			m.mu.Lock()
			if m.state == StateStable {
				build := m.beginLocked()
				m.mu.Unlock()
				if build != nil {
					m.runBuild(build)
				}
				return
			}
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	return done
}

// beginLocked transitions STABLE -> REFRESHING. Caller holds m.mu.
func (m *Materializer) beginLocked() chan struct{} {
	if !canTransition(m.state, StateRefreshing) {
		return nil
	}
	m.state = StateRefreshing
	m.inflight = make(chan struct{})
	return m.inflight
}

func (m *Materializer) runBuild(done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancelBuild = cancel
	m.mu.Unlock()

	err := m.build(ctx)

	m.mu.Lock()
	m.state = StateStable
	m.inflight = nil
	m.cancelBuild = nil
	m.mu.Unlock()
	cancel()
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("materialize: refresh failed, last good snapshot remains authoritative: %v", err)
		m.publish(EventRefreshFailed, map[string]any{"error": err.Error()})
	}
}

// build fetches, scores, tags and swaps. Only this method blocks on I/O.
func (m *Materializer) build(ctx context.Context) error {
	buildID := uuid.NewString()
	release, acquired, err := m.acquireLock(ctx, buildID)
	if err != nil {
		return err
	}
	if !acquired {
		// Another scheduler is already scanning the feed for this view.
		// Skip; the staleness loop retries after the lock expires.
		return nil
	}
	defer release()

	m.publish(EventRefreshStarted, map[string]any{"build_id": buildID})
	started := m.now().UTC()

	records, err := m.source.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	records = feed.Normalize(records)
	rows := make([]models.ScoredRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, models.ScoredRow{
			Record:    rec,
			Risk:      risk.Score(rec, m.cfg.Scoring),
			Territory: territory.Assign(rec.PolicyNumber),
		})
	}
	if err := ctx.Err(); err != nil {
		// Superseded mid-build: discard partial work, no visible effect.
		return err
	}
	snap := &models.Snapshot{
		Version:    m.version.Add(1),
		ComputedAt: m.now().UTC(),
		Rows:       rows,
	}
	m.current.Store(snap)
	m.publish(EventRefreshCompleted, map[string]any{
		"build_id":    buildID,
		"version":     snap.Version,
		"rows":        len(snap.Rows),
		"duration_ms": m.now().UTC().Sub(started).Milliseconds(),
	})
	return nil
}

func (m *Materializer) acquireLock(ctx context.Context, buildID string) (release func(), acquired bool, err error) {
	if m.lock == nil {
		return func() {}, true, nil
	}
	key := "materialize:build:" + m.cfg.ViewName
	ok, err := m.lock.SetNX(ctx, key, buildID, m.cfg.BuildLockTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() { _ = m.lock.Del(context.Background(), key) }, true, nil
}

// Run drives auto-refresh until ctx is cancelled: when staleness exceeds
// the lag bound a rebuild starts, and failures back off exponentially while
// the last good snapshot keeps serving.
func (m *Materializer) Run(ctx context.Context) {
	backoff := m.cfg.RetryBackoff
	for {
		if m.Staleness() > m.cfg.StalenessLag {
			versionBefore := m.version.Load()
			<-m.Refresh(ctx)
			if m.version.Load() > versionBefore {
				backoff = m.cfg.RetryBackoff
			} else {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > m.cfg.RetryMax {
					backoff = m.cfg.RetryMax
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.CheckInterval):
		}
	}
}

func (m *Materializer) publish(eventType string, data any) {
	if m.events == nil {
		return
	}
	m.events.Publish(stream.NewEvent(eventType, data))
}
