// Package link owns the BLE session lifecycle for one SmartBike: discovery
// gating, connect, characteristic resolution, notification subscription,
// polling, and reconnect with capped exponential backoff.
//
// Everything session-scoped runs on one goroutine (the run loop), so the
// frame decoder and the telemetry sink are never accessed concurrently and
// a reconnect cannot race a pending telemetry read against a fresh session.
package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/smartbike/internal/groutine"
	"github.com/srg/smartbike/internal/protocol"
	"github.com/srg/smartbike/internal/ringchan"
	"github.com/srg/smartbike/internal/transport"
	"github.com/srg/smartbike/pkg/config"
)

// notifyBuffer bounds the bytes queue between the transport callback and
// the run loop. Oldest fragments are dropped under pressure; the decoder
// resynchronizes on the next frame header.
const notifyBuffer = 64

// Sink consumes what the session produces: decoded frames, poll decisions,
// and invalidation on session loss. telemetry.Supervisor is the production
// implementation. All calls happen on the run loop goroutine.
type Sink interface {
	HandleFrame(f protocol.Frame, now time.Time)
	RefreshCommands(now time.Time) [][]byte
	ExpireStale(now time.Time)
	Invalidate()
}

// leaveReason says why the serve loop exited the Connected state.
type leaveReason int

const (
	leaveDrop     leaveReason = iota // unexpected link loss, retry
	leaveIntent                      // user turned the connection off
	leaveShutdown                    // manager is stopping
)

// Manager is the per-device link supervisor.
type Manager struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport transport.Transport
	sink      Sink
	address   string

	intent atomic.Bool
	seen   atomic.Bool
	state  atomic.Int32

	kicks     chan struct{}
	sightings chan struct{}
	notify    *ringchan.RingChannel[[]byte]
	dec       *protocol.Decoder

	onState func(old, new State)

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// NewManager creates a link manager for one device address. Nothing happens
// until Start.
func NewManager(cfg *config.Config, t transport.Transport, sink Sink, address string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		transport: t,
		sink:      sink,
		address:   address,
		kicks:     make(chan struct{}, 1),
		sightings: make(chan struct{}, 1),
		dec:       protocol.NewDecoder(logger),
		stopped:   make(chan struct{}),
	}
}

// SetStateListener registers a transition callback. Must be called before
// Start; the callback runs on the run loop goroutine.
func (m *Manager) SetStateListener(fn func(old, new State)) {
	m.onState = fn
}

// Start launches the run loop. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		groutine.Go(runCtx, "link-"+m.address, m.run)
	})
}

// Stop cancels the run loop, waits for it to exit, and releases the
// transport. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return // never started
		}
		m.cancel()
		<-m.stopped
	})
}

// SetIntent sets the desired-connected flag. The actual state converges
// toward it but may lag (radio unavailable, device busy elsewhere).
func (m *Manager) SetIntent(connected bool) {
	if m.intent.Swap(connected) != connected {
		m.logger.WithFields(logrus.Fields{
			"address": m.address,
			"intent":  connected,
		}).Info("Connection intent changed")
		m.kick()
	}
}

// Intent returns the desired-connected flag.
func (m *Manager) Intent() bool {
	return m.intent.Load()
}

// State returns the current state machine position.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connected reports whether the link is in its steady state.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// DeviceSeen signals that the discovery collaborator observed the device
// advertising. Unblocks the Discovering state.
func (m *Manager) DeviceSeen() {
	m.seen.Store(true)
	select {
	case m.sightings <- struct{}{}:
	default:
	}
}

func (m *Manager) kick() {
	select {
	case m.kicks <- struct{}{}:
	default:
	}
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"from":    old.String(),
		"to":      s.String(),
	}).Debug("Link state transition")
	if m.onState != nil {
		m.onState(old, s)
	}
}

// run is the per-device session loop.
func (m *Manager) run(ctx context.Context) {
	defer close(m.stopped)
	defer m.setState(StateIdle)

	bo := newBackoff(m.cfg.BackoffInitial, m.cfg.BackoffMax, m.cfg.BackoffFactor, m.cfg.BackoffJitter)

	for ctx.Err() == nil {
		if !m.intent.Load() {
			m.setState(StateIdle)
			select {
			case <-ctx.Done():
				return
			case <-m.kicks:
			}
			continue
		}

		if !m.seen.Load() {
			m.setState(StateDiscovering)
			select {
			case <-ctx.Done():
				return
			case <-m.kicks:
			case <-m.sightings:
			}
			continue
		}

		if err := m.establish(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !m.intent.Load() {
				// Intent dropped mid-attempt: no retry, back to Idle.
				continue
			}
			m.setState(StateFailed)
			m.logger.WithError(err).WithField("address", m.address).Warn("Connection attempt failed")

			m.setState(StateDisconnected)
			m.waitBackoff(ctx, bo.Next())
			continue
		}

		bo.Reset()
		m.setState(StateConnected)
		reason := m.serve(ctx)

		// Leaving Connected, whatever the cause: readings go unknown and
		// any partial frame is dropped.
		m.sink.Invalidate()
		m.dec.Reset()

		switch reason {
		case leaveIntent:
			m.setState(StateDisconnecting)
			m.closeSession(true)
			// Require a fresh sighting before any future connect: the bike
			// powers itself down a few minutes after losing the link, and
			// reconnect storms in that window would be pointless.
			m.seen.Store(false)
			m.setState(StateIdle)

		case leaveShutdown:
			m.setState(StateDisconnecting)
			m.closeSession(true)
			return

		case leaveDrop:
			m.closeSession(false)
			m.setState(StateDisconnected)
			m.logger.WithField("address", m.address).Warn("Link dropped unexpectedly, scheduling reconnect")
			m.waitBackoff(ctx, bo.Next())
		}
	}
}

// establish walks Connecting → ResolvingServices → Subscribed and primes
// the session with the initial request frames. Any failure tears the
// half-built session down before returning.
func (m *Manager) establish(ctx context.Context) error {
	m.setState(StateConnecting)
	if err := m.transport.Connect(ctx, m.address, m.cfg.ConnectTimeout); err != nil {
		return err
	}

	m.setState(StateResolvingServices)
	resolveCtx, cancel := context.WithTimeout(ctx, m.cfg.ResolveTimeout)
	err := m.transport.Resolve(resolveCtx, m.cfg.NotifyUUID, m.cfg.WriteUUID)
	cancel()
	if err != nil {
		_ = m.transport.Disconnect()
		return err
	}

	m.setState(StateSubscribed)

	// Fresh per-session queue; the handler closure pins it so a late
	// notification from a dead session cannot leak into this one.
	rc := ringchan.New[[]byte](notifyBuffer)
	m.notify = rc
	if err := m.transport.Subscribe(func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		rc.ForceSend(buf)
	}); err != nil {
		_ = m.transport.Disconnect()
		return err
	}

	// Prime the session: with no domain seen yet, this requests device
	// info plus every telemetry domain.
	for _, cmd := range m.sink.RefreshCommands(time.Now()) {
		if err := m.transport.Write(cmd); err != nil {
			_ = m.transport.Disconnect()
			return err
		}
	}
	return nil
}

// serve is the Connected steady-state loop: decode notifications, poll on
// the configured interval, apply staleness, and watch for drop/intent/stop.
func (m *Manager) serve(ctx context.Context) leaveReason {
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case data := <-m.notify.C():
			now := time.Now()
			for _, f := range m.dec.Push(data) {
				m.sink.HandleFrame(f, now)
			}

		case <-poll.C:
			now := time.Now()
			for _, cmd := range m.sink.RefreshCommands(now) {
				if err := m.transport.Write(cmd); err != nil {
					m.logger.WithError(err).Warn("Refresh write failed, treating as link drop")
					return leaveDrop
				}
			}
			m.sink.ExpireStale(now)

		case <-m.transport.Done():
			return leaveDrop

		case <-m.kicks:
			if !m.intent.Load() {
				return leaveIntent
			}

		case <-ctx.Done():
			return leaveShutdown
		}
	}
}

// closeSession releases the transport. On a graceful close the session
// close frame is written first, best-effort. The bike's own firmware powers
// it off roughly five minutes after the link goes away; no power-off
// command is ever sent.
func (m *Manager) closeSession(graceful bool) {
	if graceful {
		if err := m.transport.Write(protocol.SessionClose()); err != nil {
			m.logger.WithError(err).Debug("Session close frame not delivered")
		}
	}
	if err := m.transport.Disconnect(); err != nil {
		m.logger.WithError(err).Debug("Transport disconnect reported an error")
	}
}

// waitBackoff sleeps for the given delay, returning early on cancellation
// or an intent kick. Returns true if the full delay elapsed.
func (m *Manager) waitBackoff(ctx context.Context, delay time.Duration) bool {
	m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"delay":   delay,
	}).Info("Scheduling reconnect attempt")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.kicks:
		return false
	case <-timer.C:
		return true
	}
}
