package browser

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PoolObserver receives pool state changes. Implemented by the metrics
// collector; nil observers are tolerated everywhere.
type PoolObserver interface {
	SetEngineConnected(connected bool)
	SetLiveSessions(n int)
	SessionCreated()
	SessionSwept()
}

// Status is a point-in-time snapshot of the pool.
type Status struct {
	Connected    bool `json:"connected"`
	LiveSessions int  `json:"live_sessions"`
	MaxSessions  int  `json:"max_sessions"`
}

// Pool hands out isolated sessions over one shared engine process. The
// process is launched lazily on first acquire and relaunched after a
// disconnect; sessions orphaned by a disconnect are dropped from the live
// set so their slots free immediately.
type Pool struct {
	engine   Engine
	config   *Config
	max      int
	observer PoolObserver
	logger   *zap.Logger

	mu       sync.Mutex
	live     map[string]*Session
	shutdown bool

	launchMu sync.Mutex

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewPool wires a pool over the given engine. observer may be nil.
func NewPool(engine Engine, config *Config, observer PoolObserver, logger *zap.Logger) *Pool {
	p := &Pool{
		engine:   engine,
		config:   config,
		max:      config.ResolveMaxSessions(logger),
		observer: observer,
		logger:   logger,
		live:     make(map[string]*Session),
	}
	engine.NotifyDisconnect(p.onDisconnect)
	return p
}

// Acquire returns a fresh isolated session, launching the engine first if
// it is absent or has disconnected.
func (p *Pool) Acquire(ctx context.Context, cfg SessionConfig) (*Session, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if len(p.live) >= p.max {
		n := len(p.live)
		p.mu.Unlock()
		p.logger.Warn("session ceiling reached",
			zap.Int("live", n),
			zap.Int("max", p.max))
		return nil, ErrSessionLimit
	}
	p.mu.Unlock()

	if err := p.ensureEngine(ctx); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithTimeout(ctx, p.config.SessionTimeout.Std())
	defer cancel()

	handle, err := p.engine.NewSession(sessCtx, cfg)
	if err != nil {
		p.logger.Error("session creation failed",
			zap.String("request_id", cfg.RequestID),
			zap.Error(err))
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		RequestID: cfg.RequestID,
		Identity:  cfg.Identity,
		CreatedAt: time.Now(),
		Handle:    handle,
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		_ = handle.Close()
		return nil, ErrPoolShutdown
	}
	// The early ceiling check ran before the session was created; racing
	// acquires can both have passed it, so it holds only if re-checked
	// while registering.
	if len(p.live) >= p.max {
		n := len(p.live)
		p.mu.Unlock()
		_ = handle.Close()
		p.logger.Warn("session ceiling reached",
			zap.Int("live", n),
			zap.Int("max", p.max))
		return nil, ErrSessionLimit
	}
	p.live[sess.ID] = sess
	n := len(p.live)
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.SessionCreated()
		p.observer.SetLiveSessions(n)
	}

	p.logger.Debug("session acquired",
		zap.String("session_id", sess.ID),
		zap.String("request_id", cfg.RequestID),
		zap.Int("live", n))
	return sess, nil
}

// Release closes the session and frees its slot. Safe to call more than
// once; later calls are no-ops.
func (p *Pool) Release(sess *Session) {
	if sess == nil || !sess.markReleased() {
		return
	}

	p.mu.Lock()
	delete(p.live, sess.ID)
	n := len(p.live)
	p.mu.Unlock()

	if err := sess.Handle.Close(); err != nil {
		p.logger.Warn("session close failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}

	if p.observer != nil {
		p.observer.SetLiveSessions(n)
	}

	p.logger.Debug("session released",
		zap.String("session_id", sess.ID),
		zap.Duration("age", sess.Age()),
		zap.Int("live", n))
}

// Status reports the current pool state.
func (p *Pool) Status() Status {
	p.mu.Lock()
	n := len(p.live)
	p.mu.Unlock()
	return Status{
		Connected:    p.engine.Connected(),
		LiveSessions: n,
		MaxSessions:  p.max,
	}
}

// StartSweeper launches the background probe that closes dead sessions.
func (p *Pool) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	p.sweepCancel = cancel
	p.sweepDone = make(chan struct{})

	go func() {
		defer close(p.sweepDone)
		ticker := time.NewTicker(p.config.SweepInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep(ctx)
			}
		}
	}()
}

// Shutdown stops the sweeper, waits up to drainTimeout for live sessions to
// finish, then closes whatever remains along with the engine process.
func (p *Pool) Shutdown(drainTimeout time.Duration) {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	if p.sweepCancel != nil {
		p.sweepCancel()
		<-p.sweepDone
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.live)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.mu.Lock()
	remaining := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		remaining = append(remaining, s)
	}
	p.live = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range remaining {
		p.logger.Warn("closing session still live at shutdown",
			zap.String("session_id", s.ID),
			zap.String("request_id", s.RequestID))
		s.markReleased()
		_ = s.Handle.Close()
	}

	if err := p.engine.Close(); err != nil {
		p.logger.Warn("engine close failed", zap.Error(err))
	}
	if p.observer != nil {
		p.observer.SetEngineConnected(false)
		p.observer.SetLiveSessions(0)
	}
	p.logger.Info("browser pool shut down")
}

func (p *Pool) ensureEngine(ctx context.Context) error {
	if p.engine.Connected() {
		return nil
	}

	p.launchMu.Lock()
	defer p.launchMu.Unlock()
	if p.engine.Connected() {
		return nil
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.config.LaunchTimeout.Std())
	defer cancel()

	p.logger.Info("launching browser engine")
	if err := p.engine.Launch(launchCtx); err != nil {
		p.logger.Error("engine launch failed", zap.Error(err))
		return err
	}
	if p.observer != nil {
		p.observer.SetEngineConnected(true)
	}
	return nil
}

// onDisconnect drops the process reference state: every live session belongs
// to the dead process, so the whole set is cleared and slots free at once.
func (p *Pool) onDisconnect() {
	p.mu.Lock()
	orphaned := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		orphaned = append(orphaned, s)
	}
	p.live = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range orphaned {
		s.markReleased()
		_ = s.Handle.Close()
	}

	if p.observer != nil {
		p.observer.SetEngineConnected(false)
		p.observer.SetLiveSessions(0)
	}
	p.logger.Warn("browser engine disconnected",
		zap.Int("orphaned_sessions", len(orphaned)))
}

func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		snapshot = append(snapshot, s)
	}
	p.mu.Unlock()

	for _, s := range snapshot {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		alive := s.Handle.Alive(probeCtx)
		cancel()
		if alive {
			continue
		}

		p.mu.Lock()
		_, present := p.live[s.ID]
		delete(p.live, s.ID)
		n := len(p.live)
		p.mu.Unlock()
		if !present {
			continue
		}

		s.markReleased()
		_ = s.Handle.Close()
		if p.observer != nil {
			p.observer.SessionSwept()
			p.observer.SetLiveSessions(n)
		}
		p.logger.Warn("swept dead session",
			zap.String("session_id", s.ID),
			zap.String("request_id", s.RequestID),
			zap.Duration("age", s.Age()))
	}
}
