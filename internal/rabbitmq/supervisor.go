package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpclient-go/internal/transport"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	dialTimeout           = 30 * time.Second
)

// SetupAction declares broker state or starts consumers on a fresh channel.
// Actions are replayed in registration order on every (re)connect and must
// be idempotent.
type SetupAction func(ctx context.Context, ch transport.Channel) error

// SetupHandle identifies a registered setup action
type SetupHandle uint64

type setupEntry struct {
	handle SetupHandle
	action SetupAction
}

// link is one established connection with the notifications watched for it
type link struct {
	conn      transport.Connection
	ch        transport.Channel
	connClose chan *amqp.Error
	chClose   chan *amqp.Error
	blocked   chan amqp.Blocking
	flow      chan bool
}

type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// attempt is one connecting phase. done is closed once it settles; err is
// only read after that.
type attempt struct {
	done chan struct{}
	err  error
}

// Supervisor keeps a single channel alive across connection failures and
// replays registered setup actions onto every new channel before exposing it.
type Supervisor struct {
	url            string
	dialer         transport.Dialer
	logger         *slog.Logger
	reconnectDelay time.Duration
	maxRetries     int

	listeners   []StateListener
	listenersMu sync.RWMutex

	// setupMu serialises registry changes with replay so an action is never
	// both missed and run twice.
	setupMu    sync.Mutex
	setups     []setupEntry
	nextHandle SetupHandle

	mu    sync.RWMutex
	state State
	conn  transport.Connection
	ch    transport.Channel
	life  *lifecycle

	// pending is set while the state is StateConnecting
	pending *attempt

	connBlocked atomic.Bool
	flowPaused  atomic.Bool
}

// SupervisorOption configures the Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts sets the maximum number of reconnection attempts.
// Zero or negative retries forever.
func WithMaxReconnectAttempts(attempts int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxRetries = attempts
	}
}

// WithStateListener registers a state listener at construction
func WithStateListener(listener StateListener) SupervisorOption {
	return func(s *Supervisor) {
		s.listeners = append(s.listeners, listener)
	}
}

// NewSupervisor creates a supervisor. Nothing is dialed until Connect.
func NewSupervisor(url string, dialer transport.Dialer, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		url:            url,
		dialer:         dialer,
		logger:         slog.Default(),
		reconnectDelay: defaultReconnectDelay,
		maxRetries:     -1, // infinite retries by default
		state:          StateDisconnected,
	}

	for _, opt := range options {
		opt(s)
	}

	if s.dialer == nil {
		s.dialer = transport.NewAMQPDialer("")
	}

	return s
}

// Connect dials the broker, opens a channel and replays every setup action
// against it. It is a no-op while connected. A call made while another
// connect or a reconnect is in progress waits for it to settle.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		pending := s.pending
		s.mu.Unlock()
		return s.await(ctx, pending)
	}
	lctx, cancel := context.WithCancel(context.Background())
	life := &lifecycle{ctx: lctx, cancel: cancel}
	s.life = life
	s.enterConnectingLocked()
	s.mu.Unlock()

	l, err := s.establish(ctx, life)
	if err != nil {
		life.cancel()
		s.mu.Lock()
		if s.life == life && s.state == StateConnecting {
			s.state = StateDisconnected
			s.settleLocked(err)
		}
		s.mu.Unlock()
		return err
	}

	s.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(s.url))

	s.notifyConnected()
	go s.watch(l, life)

	return nil
}

func (s *Supervisor) await(ctx context.Context, pending *attempt) error {
	if pending == nil {
		return nil
	}
	select {
	case <-pending.done:
		return pending.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) enterConnectingLocked() {
	s.state = StateConnecting
	if s.pending == nil {
		s.pending = &attempt{done: make(chan struct{})}
	}
}

// settleLocked releases callers waiting on the current connecting phase
func (s *Supervisor) settleLocked(err error) {
	if s.pending == nil {
		return
	}
	s.pending.err = err
	close(s.pending.done)
	s.pending = nil
}

// AddSetup registers an action. When a channel is live the action runs
// against it before AddSetup returns; if that run fails the action is
// unregistered and the error returned.
func (s *Supervisor) AddSetup(ctx context.Context, action SetupAction) (SetupHandle, error) {
	if action == nil {
		return 0, &SetupError{Op: "add", Err: errors.New("nil setup action"), Timestamp: time.Now()}
	}

	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	s.nextHandle++
	handle := s.nextHandle
	s.setups = append(s.setups, setupEntry{handle: handle, action: action})

	ch := s.liveChannel()
	if ch == nil {
		return handle, nil
	}

	if err := action(ctx, ch); err != nil {
		s.removeSetupLocked(handle)
		return 0, &SetupError{Handle: handle, Op: "add", Err: err, Timestamp: time.Now()}
	}

	return handle, nil
}

// RemoveSetup unregisters an action and runs cleanup against the live
// channel, if there is one.
func (s *Supervisor) RemoveSetup(ctx context.Context, handle SetupHandle, cleanup SetupAction) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	if !s.removeSetupLocked(handle) {
		return ErrUnknownSetup
	}

	if cleanup == nil {
		return nil
	}
	ch := s.liveChannel()
	if ch == nil {
		return nil
	}
	return cleanup(ctx, ch)
}

// Setups returns the number of registered setup actions
func (s *Supervisor) Setups() int {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	return len(s.setups)
}

// Channel returns the live channel
func (s *Supervisor) Channel() (transport.Channel, error) {
	ch := s.liveChannel()
	if ch == nil {
		return nil, ErrNotConnected
	}
	return ch, nil
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected returns the connection status
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// FlowBlocked reports whether the broker currently refuses publishes,
// either through connection.blocked or channel.flow.
func (s *Supervisor) FlowBlocked() bool {
	return s.connBlocked.Load() || s.flowPaused.Load()
}

// Close stops reconnecting and closes the channel and connection
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateClosed {
		s.mu.Unlock()
		return ErrNotConnected
	}

	s.state = StateClosed
	s.settleLocked(ErrClosed)
	if s.life != nil {
		s.life.cancel()
	}
	conn := s.conn
	s.conn = nil
	s.ch = nil
	s.mu.Unlock()

	s.logger.Info("supervisor shutting down")

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return &ConnectionError{
				Op:        "close",
				URL:       SanitizeURL(s.url),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

func (s *Supervisor) liveChannel() transport.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return nil
	}
	return s.ch
}

func (s *Supervisor) removeSetupLocked(handle SetupHandle) bool {
	for i, entry := range s.setups {
		if entry.handle == handle {
			s.setups = append(s.setups[:i], s.setups[i+1:]...)
			return true
		}
	}
	return false
}

// establish dials, opens a channel, replays the registry and publishes the
// result. The channel becomes visible only after replay succeeded.
func (s *Supervisor) establish(ctx context.Context, life *lifecycle) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectionTimeout
		}
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	l := &link{
		conn:      conn,
		ch:        ch,
		connClose: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClose:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		blocked:   conn.NotifyBlocked(make(chan amqp.Blocking, 4)),
		flow:      ch.NotifyFlow(make(chan bool, 4)),
	}

	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	for _, entry := range s.setups {
		if err := entry.action(ctx, ch); err != nil {
			_ = conn.Close()
			return nil, &SetupError{Handle: entry.handle, Op: "replay", Err: err, Timestamp: time.Now()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if life.ctx.Err() != nil || s.life != life {
		_ = conn.Close()
		return nil, ErrClosed
	}

	s.conn = conn
	s.ch = ch
	s.state = StateConnected
	s.settleLocked(nil)
	s.connBlocked.Store(false)
	s.flowPaused.Store(false)

	return l, nil
}

// watch follows one link until it dies or the lifecycle ends
func (s *Supervisor) watch(l *link, life *lifecycle) {
	for {
		select {
		case <-life.ctx.Done():
			return

		case b, ok := <-l.blocked:
			if !ok {
				l.blocked = nil
				continue
			}
			s.connBlocked.Store(b.Active)
			if b.Active {
				s.logger.Warn("connection blocked by broker", "reason", b.Reason)
			} else {
				s.logger.Info("connection unblocked by broker")
			}

		case active, ok := <-l.flow:
			if !ok {
				l.flow = nil
				continue
			}
			s.flowPaused.Store(!active)
			s.logger.Warn("channel flow changed", "active", active)

		case err := <-l.connClose:
			s.handleLoss(l, life, closeCause(err))
			return

		case err := <-l.chClose:
			s.handleLoss(l, life, closeCause(err))
			return
		}
	}
}

func closeCause(err *amqp.Error) error {
	if err == nil {
		return amqp.ErrClosed
	}
	return err
}

func (s *Supervisor) handleLoss(l *link, life *lifecycle, cause error) {
	if life.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.life != life || s.conn != l.conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.ch = nil
	s.enterConnectingLocked()
	s.mu.Unlock()

	// the channel may have died alone; start over on a fresh connection
	_ = l.conn.Close()

	s.logger.Error("connection lost", "error", cause)
	s.notifyDisconnected(cause)

	s.reconnect(life)
}

// reconnect attempts to re-establish the link with exponential backoff
func (s *Supervisor) reconnect(life *lifecycle) {
	retries := 0
	startTime := time.Now()

	for {
		if life.ctx.Err() != nil {
			return
		}

		if s.maxRetries > 0 && retries >= s.maxRetries {
			s.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			s.giveUp(life, &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(s.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return
		}

		s.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", s.maxRetries)

		s.notifyReconnecting(retries + 1)

		if retries > 0 {
			delay := s.calculateBackoff(retries)
			select {
			case <-time.After(delay):
			case <-life.ctx.Done():
				return
			}
		}

		l, err := s.establish(life.ctx, life)
		if err != nil {
			if errors.Is(err, ErrClosed) || life.ctx.Err() != nil {
				return
			}
			retries++
			if IsFatal(err) {
				s.logger.Error("reconnection failed permanently",
					"error", err,
					"attempt", retries)
				s.giveUp(life, err)
				return
			}
			s.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries)
			continue
		}

		s.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", retries+1,
			"duration", time.Since(startTime))

		s.notifyConnected()
		go s.watch(l, life)
		return
	}
}

// giveUp ends the lifecycle after reconnection stopped for good
func (s *Supervisor) giveUp(life *lifecycle, err error) {
	s.mu.Lock()
	if s.life == life && s.state == StateConnecting {
		s.state = StateDisconnected
		s.settleLocked(err)
	}
	s.mu.Unlock()
	life.cancel()

	s.notifyDisconnected(err)
}

// AddStateListener adds a connection state listener
func (s *Supervisor) AddStateListener(listener StateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (s *Supervisor) RemoveStateListener(listener StateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) notifyConnected() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (s *Supervisor) calculateBackoff(attempt int) time.Duration {
	base := s.reconnectDelay
	if base <= 0 {
		base = defaultReconnectDelay
	}

	delay := maxReconnectDelay
	if attempt < 30 {
		delay = base * time.Duration(1<<uint(attempt))
	}
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}

	// jitter band is 25% of the delay, centred on it
	jitter := int64(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
	}

	return delay
}
