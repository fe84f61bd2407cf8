package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection state of a Supervisor.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// SupervisorConfig tunes connection and delivery behaviour.
type SupervisorConfig struct {
	StartupDelay   time.Duration
	Retry          RetryPolicy
	PublishTimeout time.Duration
	HandlerTimeout time.Duration
}

// DefaultSupervisorConfig mirrors the production defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		StartupDelay:   5 * time.Second,
		Retry:          ConstantRetry(5 * time.Second),
		PublishTimeout: 5 * time.Second,
		HandlerTimeout: 30 * time.Second,
	}
}

type subscription struct {
	dest    Destination
	group   string
	handler Handler
}

// Supervisor owns the single session of a transport. It reconnects after
// failures and restores declared destinations and subscriptions on every
// new session.
type Supervisor struct {
	transport Transport
	cfg       SupervisorConfig
	logger    *slog.Logger

	mu         sync.RWMutex
	state      State
	changed    chan struct{}
	session    Session
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     *sync.WaitGroup
	dests      map[string]Destination
	declared   map[string]bool
	subs       []*subscription
	hooks      []func(State)
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSupervisor returns a disconnected Supervisor. Call Start to connect.
func NewSupervisor(t Transport, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &Supervisor{
		transport: t,
		cfg:       cfg,
		logger:    logger.With("transport", t.Name()),
		changed:   make(chan struct{}),
		dests:     make(map[string]Destination),
		declared:  make(map[string]bool),
	}
}

// OnStateChange registers fn to be called after every state change.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// WaitForState blocks until the supervisor reaches want or ctx is done.
func (s *Supervisor) WaitForState(ctx context.Context, want State) error {
	for {
		s.mu.RLock()
		st, ch := s.state, s.changed
		s.mu.RUnlock()
		if st == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", want, ctx.Err())
		case <-ch:
		}
	}
}

// Start launches the connection loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(ctx)
}

// Close stops the connection loop and waits for subscriptions to drain.
func (s *Supervisor) Close() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Declare registers a durable destination. It is declared right away when
// connected and again on every reconnect.
func (s *Supervisor) Declare(ctx context.Context, dest Destination) error {
	s.mu.Lock()
	s.dests[dest.Name] = dest
	sess := s.session
	if sess == nil || s.declared[dest.Name] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := sess.Declare(ctx, dest); err != nil {
		return fmt.Errorf("declare %s: %w", dest.Name, err)
	}
	s.mu.Lock()
	if s.session == sess {
		s.declared[dest.Name] = true
	}
	s.mu.Unlock()
	return nil
}

// Subscribe registers h for dest under the consumer group. The
// subscription is restarted on every reconnect.
func (s *Supervisor) Subscribe(dest Destination, group string, h Handler) {
	sub := &subscription{dest: dest, group: group, handler: h}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dests[dest.Name] = dest
	s.subs = append(s.subs, sub)
	if s.session != nil {
		s.startLoopLocked(sub)
	}
}

// Publish hands msg to the current session. It fails fast with
// ErrNotConnected when no session is established and never waits longer
// than the configured publish timeout.
func (s *Supervisor) Publish(ctx context.Context, dest Destination, msg Message) error {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess == nil {
		s.logger.Warn("publish rejected", "destination", dest.Name, "message_id", msg.ID,
			"correlation_id", msg.CorrelationID, "error", ErrNotConnected)
		return fmt.Errorf("publish to %s: %w", dest.Name, ErrNotConnected)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	if err := s.Declare(ctx, dest); err != nil {
		return err
	}
	if err := sess.Publish(ctx, dest, msg); err != nil {
		s.logger.Warn("publish failed", "destination", dest.Name, "message_id", msg.ID,
			"correlation_id", msg.CorrelationID, "error", err)
		return fmt.Errorf("publish to %s: %w", dest.Name, err)
	}
	s.logger.Info("message published", "destination", dest.Name, "kind", dest.Kind.String(),
		"message_id", msg.ID, "type", msg.Type, "correlation_id", msg.CorrelationID)
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	if !sleep(ctx, s.cfg.StartupDelay) {
		return
	}

	failures := 0
	for {
		s.setState(StateConnecting)
		sess, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.setState(StateDisconnected)
			delay, ok := s.cfg.Retry.Next(failures)
			if !ok {
				s.logger.Error("broker connect failed, giving up", "attempt", failures, "error", err)
				return
			}
			s.logger.Warn("broker connect failed", "attempt", failures, "retry_in", delay.String(), "error", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		s.logger.Info("broker connected")
		select {
		case <-ctx.Done():
			s.teardown(sess)
			return
		case <-sess.Done():
		}

		s.teardown(sess)
		s.setState(StateDisconnected)
		delay, _ := s.cfg.Retry.Next(1)
		s.logger.Warn("broker connection lost", "retry_in", delay.String(), "error", sess.Err())
		if !sleep(ctx, delay) {
			return
		}
	}
}

// connect dials, declares every registered destination and installs the
// session together with one receive loop per subscription.
func (s *Supervisor) connect(ctx context.Context) (Session, error) {
	sess, err := s.transport.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s.mu.RLock()
	dests := make([]Destination, 0, len(s.dests))
	for _, d := range s.dests {
		dests = append(dests, d)
	}
	s.mu.RUnlock()

	declared := make(map[string]bool, len(dests))
	for _, d := range dests {
		if err := sess.Declare(ctx, d); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("declare %s: %w", d.Name, err)
		}
		declared[d.Name] = true
	}

	s.mu.Lock()
	// Destinations registered while the declares above were in flight.
	for name, d := range s.dests {
		if declared[name] {
			continue
		}
		if err := sess.Declare(ctx, d); err != nil {
			s.mu.Unlock()
			_ = sess.Close()
			return nil, fmt.Errorf("declare %s: %w", d.Name, err)
		}
		declared[name] = true
	}
	s.session = sess
	s.declared = declared
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)
	s.loopWG = &sync.WaitGroup{}
	ready := make([]<-chan struct{}, 0, len(s.subs))
	for _, sub := range s.subs {
		ready = append(ready, s.startLoopLocked(sub))
	}
	s.mu.Unlock()

	// Report CONNECTED only once every subscription is registered with the
	// broker, so new consumer groups anchor before anything is published.
	for _, r := range ready {
		select {
		case <-r:
		case <-ctx.Done():
			return sess, nil
		}
	}
	s.setState(StateConnected)
	return sess, nil
}

func (s *Supervisor) teardown(sess Session) {
	s.mu.Lock()
	cancel, wg := s.loopCancel, s.loopWG
	s.session = nil
	s.declared = make(map[string]bool)
	s.loopCtx, s.loopCancel, s.loopWG = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	_ = sess.Close()
}

func (s *Supervisor) startLoopLocked(sub *subscription) <-chan struct{} {
	ready := make(chan struct{})
	s.loopWG.Add(1)
	go s.consume(s.loopCtx, s.session, sub, s.loopWG, ready)
	return ready
}

// consume is the blocking receive loop of one subscription on one session.
// Any receive error closes the session so the run loop reconnects.
func (s *Supervisor) consume(ctx context.Context, sess Session, sub *subscription, wg *sync.WaitGroup, ready chan<- struct{}) {
	defer wg.Done()
	log := s.logger.With("destination", sub.dest.Name, "group", sub.group)

	// Late subscriptions may name a destination this session never declared.
	err := s.Declare(ctx, sub.dest)
	var recv Receiver
	if err == nil {
		recv, err = sess.Consume(ctx, sub.dest, sub.group)
	}
	close(ready)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("subscribe failed", "error", err)
			_ = sess.Close()
		}
		return
	}
	defer recv.Close()
	log.Info("subscription active")

	for {
		d, err := recv.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("receive failed", "error", err)
			_ = sess.Close()
			return
		}
		s.dispatch(ctx, sub, d, log)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, sub *subscription, d Delivery, log *slog.Logger) {
	msg := d.Message()
	log = log.With("message_id", msg.ID, "type", msg.Type, "correlation_id", msg.CorrelationID)
	log.Info("message received")

	// Handlers finish their work even if the session drops underneath them;
	// the settle call then fails and the broker redelivers.
	base := context.WithoutCancel(ctx)
	hctx, cancel := context.WithTimeout(base, s.cfg.HandlerTimeout)
	disp := invoke(hctx, sub.handler, msg, log)
	cancel()

	sctx, cancel := context.WithTimeout(base, s.cfg.PublishTimeout)
	defer cancel()

	var err error
	switch {
	case disp == Ack:
		err = d.Ack(sctx)
	case sub.dest.Kind == KindTopic:
		log.Error("message skipped after handler failure")
		err = d.Ack(sctx)
	default:
		log.Warn("message requeued")
		err = d.Nack(sctx, true)
	}
	if err != nil {
		log.Warn("settle failed", "disposition", disp.String(), "error", err)
	}
}

func invoke(ctx context.Context, h Handler, msg Message, log *slog.Logger) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "panic", fmt.Sprint(r))
			disp = Requeue
		}
	}()
	return h(ctx, msg)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
	hooks := append(([]func(State))(nil), s.hooks...)
	s.mu.Unlock()

	s.logger.Debug("connection state changed", "state", st.String())
	for _, fn := range hooks {
		fn(st)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
