package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"event_delivery/internal/models"
)

// State is the transport's connection state as observed by the host UI.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateDegraded   State = "degraded"
	StateRecovering State = "recovering"
	StateClosed     State = "closed"
)

// Mode is the active delivery mechanism.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeSSE     Mode = "sse"
	ModePolling Mode = "polling"
)

var errPushStale = errors.New("push connection stale")

// PushConn is an open push connection. Close must be safe to call more than
// once.
type PushConn interface {
	Close() error
}

// PushOpener opens a push connection seeded at cursor. onEvent fires per
// message; onError fires once on a hard transport failure. A non-nil return
// means the connection is open.
type PushOpener interface {
	Open(ctx context.Context, sessionID string, cursor int64, onEvent func(models.TimelineEvent), onError func(error)) (PushConn, error)
}

// Poller fetches events strictly after cursor and returns them with the
// next cursor.
type Poller interface {
	Poll(ctx context.Context, sessionID string, cursor int64, limit int) ([]models.TimelineEvent, int64, error)
}

type Options struct {
	SessionID     string
	PushSupported bool

	// InitialCursor resumes delivery strictly after this sequence number.
	InitialCursor int64

	PollInterval     time.Duration
	PollLimit        int
	WatchdogInterval time.Duration
	StalenessWindow  time.Duration
	MinModeDwell     time.Duration
	RecoveryStreak   int

	Clock Clock

	OnEvent       func(models.TimelineEvent)
	OnStateChange func(State)
	OnDiagnostic  func(string)
}

// TimelineTransport consumes a session's timeline through push when it
// works and cursor polling when it does not. All mode switching is guarded
// by a minimum dwell time so flaky conditions cannot make it oscillate, and
// every inbound event passes one dedupe point: only a strictly greater seq
// advances the cursor and reaches the host.
type TimelineTransport struct {
	opener PushOpener
	poller Poller
	opts   Options

	mu         sync.Mutex
	state      State
	mode       Mode
	cursor     int64
	streak     int
	lastSwitch time.Time
	lastActive time.Time
	conn       PushConn

	// epoch invalidates callbacks from an already-abandoned push
	// connection or poll loop.
	epoch int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewTimelineTransport(opener PushOpener, poller Poller, opts Options) *TimelineTransport {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = 100
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 5 * time.Second
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 30 * time.Second
	}
	if opts.MinModeDwell <= 0 {
		opts.MinModeDwell = 30 * time.Second
	}
	if opts.RecoveryStreak <= 0 {
		opts.RecoveryStreak = 5
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TimelineTransport{
		opener: opener,
		poller: poller,
		opts:   opts,
		state:  StateConnecting,
		mode:   ModeIdle,
		cursor: opts.InitialCursor,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins consuming. Push is attempted when supported; otherwise the
// transport goes straight to polling in degraded state.
func (t *TimelineTransport) Start() {
	t.startOnce.Do(func() {
		t.setState(StateConnecting)
		if t.opts.PushSupported {
			if !t.startPush() {
				t.enterPolling()
			}
		} else {
			t.diag("push not supported, polling from the start")
			t.enterPolling()
		}
	})
}

// Stop is idempotent and safe from any state. No callbacks fire after it
// returns the transport to closed.
func (t *TimelineTransport) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.epoch++
		t.state = StateClosed
		t.mode = ModeIdle
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		t.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		t.wg.Wait()
	})
}

// State returns the current connection state.
func (t *TimelineTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Mode returns the active delivery mode.
func (t *TimelineTransport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Cursor returns the last observed sequence number.
func (t *TimelineTransport) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// --- push mode ---

// startPush opens the push connection and arms the watchdog. Returns
// whether the open succeeded.
func (t *TimelineTransport) startPush() bool {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return false
	}
	t.epoch++
	epoch := t.epoch
	cursor := t.cursor
	t.mode = ModeSSE
	t.lastSwitch = t.opts.Clock.Now()
	t.lastActive = t.opts.Clock.Now()
	t.mu.Unlock()

	conn, err := t.opener.Open(t.ctx, t.opts.SessionID, cursor,
		func(ev models.TimelineEvent) {
			t.markActive(epoch)
			t.deliver(epoch, ev)
		},
		func(err error) {
			t.pushFailed(epoch, err)
		},
	)
	if err != nil {
		t.diag(fmt.Sprintf("push open failed: %v", err))
		return false
	}

	t.mu.Lock()
	if t.epoch != epoch || t.state == StateClosed {
		t.mu.Unlock()
		_ = conn.Close()
		return false
	}
	t.conn = conn
	t.state = StateOpen
	cb := t.opts.OnStateChange
	t.mu.Unlock()
	if cb != nil {
		cb(StateOpen)
	}

	t.wg.Add(1)
	go t.watchdog(epoch)
	return true
}

// watchdog treats a silent push connection as failed: staleness is as
// harmful as a hard error.
func (t *TimelineTransport) watchdog(epoch int) {
	defer t.wg.Done()

	ticker := t.opts.Clock.NewTicker(t.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C():
			t.mu.Lock()
			if t.epoch != epoch {
				t.mu.Unlock()
				return
			}
			stale := t.opts.Clock.Now().Sub(t.lastActive) > t.opts.StalenessWindow
			t.mu.Unlock()
			if stale {
				t.pushFailed(epoch, errPushStale)
				return
			}
		}
	}
}

func (t *TimelineTransport) markActive(epoch int) {
	t.mu.Lock()
	if t.epoch == epoch {
		t.lastActive = t.opts.Clock.Now()
	}
	t.mu.Unlock()
}

// pushFailed tears down push and falls back to polling. Both hard errors
// and watchdog staleness land here.
func (t *TimelineTransport) pushFailed(epoch int, err error) {
	t.mu.Lock()
	if t.epoch != epoch || t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.diag(fmt.Sprintf("push failed: %v", err))
	t.enterPolling()
}

// --- polling mode ---

func (t *TimelineTransport) enterPolling() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.epoch++
	epoch := t.epoch
	t.mode = ModePolling
	t.state = StateDegraded
	t.streak = 0
	t.lastSwitch = t.opts.Clock.Now()
	cb := t.opts.OnStateChange
	t.mu.Unlock()
	if cb != nil {
		cb(StateDegraded)
	}

	t.wg.Add(1)
	go t.pollLoop(epoch)
}

func (t *TimelineTransport) pollLoop(epoch int) {
	defer t.wg.Done()

	ticker := t.opts.Clock.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C():
			if !t.pollOnce(epoch) {
				return
			}
		}
	}
}

// pollOnce runs one poll tick; returns false when this loop is obsolete.
func (t *TimelineTransport) pollOnce(epoch int) bool {
	t.mu.Lock()
	if t.epoch != epoch || t.state == StateClosed {
		t.mu.Unlock()
		return false
	}
	cursor := t.cursor
	t.mu.Unlock()

	events, next, err := t.poller.Poll(t.ctx, t.opts.SessionID, cursor, t.opts.PollLimit)
	if err != nil {
		// Transient: stay in polling, reset the streak, try next tick.
		t.mu.Lock()
		if t.epoch == epoch {
			t.streak = 0
		}
		t.mu.Unlock()
		t.diag(fmt.Sprintf("poll failed: %v", err))
		return true
	}

	for _, ev := range events {
		t.deliver(epoch, ev)
	}

	t.mu.Lock()
	if t.epoch != epoch || t.state == StateClosed {
		t.mu.Unlock()
		return false
	}
	if next > t.cursor {
		t.cursor = next
	}
	t.streak++
	eligible := t.opts.PushSupported &&
		t.streak >= t.opts.RecoveryStreak &&
		t.opts.Clock.Now().Sub(t.lastSwitch) >= t.opts.MinModeDwell
	t.mu.Unlock()

	if eligible {
		return !t.tryRecover(epoch)
	}
	return true
}

// tryRecover attempts to leave polling for push. Returns true when the
// switch happened (the calling poll loop must exit).
func (t *TimelineTransport) tryRecover(epoch int) bool {
	t.mu.Lock()
	if t.epoch != epoch || t.state == StateClosed {
		t.mu.Unlock()
		return true
	}
	t.state = StateRecovering
	cb := t.opts.OnStateChange
	t.mu.Unlock()
	if cb != nil {
		cb(StateRecovering)
	}

	if t.startPush() {
		return true
	}

	// Push still down. startPush advanced the epoch, so the calling loop is
	// already obsolete; resume polling under the new epoch with a fresh
	// streak and dwell window.
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return true
	}
	newEpoch := t.epoch
	t.mode = ModePolling
	t.state = StateDegraded
	t.streak = 0
	t.lastSwitch = t.opts.Clock.Now()
	cb = t.opts.OnStateChange
	t.mu.Unlock()
	if cb != nil {
		cb(StateDegraded)
	}

	t.wg.Add(1)
	go t.pollLoop(newEpoch)
	return true
}

// --- shared delivery path ---

// deliver is the single dedup point: seq must strictly exceed the cursor to
// advance it and reach the host callback.
func (t *TimelineTransport) deliver(epoch int, ev models.TimelineEvent) {
	t.mu.Lock()
	if t.epoch != epoch || t.state == StateClosed || ev.Seq <= t.cursor {
		t.mu.Unlock()
		return
	}
	t.cursor = ev.Seq
	cb := t.opts.OnEvent
	t.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

func (t *TimelineTransport) setState(s State) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = s
	cb := t.opts.OnStateChange
	t.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (t *TimelineTransport) diag(msg string) {
	t.mu.Lock()
	cb := t.opts.OnDiagnostic
	closed := t.state == StateClosed
	t.mu.Unlock()
	if cb != nil && !closed {
		cb(msg)
	}
}
