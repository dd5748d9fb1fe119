// Package session implements the Session Layer of spec.md §4.6: terminates
// authenticated duplex client connections, multiplexes task submissions and
// their result streams, and applies per-session ordering, backpressure, and
// liveness policy.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/orchestrator"
	"github.com/kdlbs/agentmesh/internal/task"
	"github.com/kdlbs/agentmesh/pkg/protocol"
)

// Config tunes the Session Layer's idle/liveness/backpressure policy (§6
// configuration schema: session.idleTimeout, session.clientBufferBytes).
type Config struct {
	IdleTimeout        time.Duration
	PingInterval       time.Duration
	MaxMissedPings     int
	ClientBufferFrames int // outbound frame buffer depth; overflow -> SessionBusy
}

// DefaultConfig returns the §6-documented defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:        30 * time.Minute,
		PingInterval:       20 * time.Second,
		MaxMissedPings:     3,
		ClientBufferFrames: 256,
	}
}

// Transport is the minimum a duplex connection must support; satisfied by a
// thin adapter over *websocket.Conn in the HTTP layer, kept here as an
// interface so Session stays transport-agnostic and testable without a
// real socket.
type Transport interface {
	WriteEnvelope(*protocol.Envelope) error
	Close() error
}

// Session is one authenticated client connection.
type Session struct {
	ID        string
	Principal string

	cfg       Config
	transport Transport
	orch      *orchestrator.Orchestrator
	logger    *logger.Logger

	outbound      chan *protocol.Envelope
	seq           atomic.Uint64
	lastActivity  atomic.Int64 // unix nanos
	missedPings   atomic.Int32

	mu      sync.Mutex
	closed  bool
	streams map[string]context.CancelFunc // taskID -> cancel the forwarding goroutine

	doneCh chan struct{}
}

// New builds a Session bound to principal, writing frames to transport.
func New(id, principal string, transport Transport, orch *orchestrator.Orchestrator, cfg Config, log *logger.Logger) *Session {
	s := &Session{
		ID:        id,
		Principal: principal,
		cfg:       cfg,
		transport: transport,
		orch:      orch,
		logger:    log.With(zap.String("session_id", id), zap.String("principal", principal)),
		outbound:  make(chan *protocol.Envelope, cfg.ClientBufferFrames),
		streams:   make(map[string]context.CancelFunc),
		doneCh:    make(chan struct{}),
	}
	s.touch()
	return s
}

// Run drains the outbound queue to the transport and enforces the idle/
// liveness timers until ctx is cancelled or the session is closed.
func (s *Session) Run(ctx context.Context) {
	idleTicker := time.NewTicker(s.cfg.PingInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.doneCh:
			return
		case env, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.transport.WriteEnvelope(env); err != nil {
				s.logger.Warn("failed to write envelope, closing session", zap.Error(err))
				s.Close()
				return
			}
		case <-idleTicker.C:
			s.checkLiveness()
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.missedPings.Store(0)
}

func (s *Session) checkLiveness() {
	idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
	if idleFor > s.cfg.IdleTimeout {
		s.logger.Info("closing idle session", zap.Duration("idle_for", idleFor))
		s.Close()
		return
	}

	if s.missedPings.Add(1) > int32(s.cfg.MaxMissedPings) {
		s.logger.Info("closing unresponsive session", zap.Int32("missed_pings", s.missedPings.Load()))
		s.Close()
		return
	}
	s.enqueue(&protocol.Envelope{Kind: protocol.KindPing, SessionID: s.ID, Seq: s.nextSeq()})
}

// HandlePong records a liveness response from the client.
func (s *Session) HandlePong() {
	s.touch()
}

func (s *Session) nextSeq() uint64 {
	return s.seq.Add(1)
}

// enqueue applies the session's backpressure policy (§4.6): a full
// outbound buffer drops the frame rather than blocking the Run loop, and
// Submit calls start failing SessionBusy once the threshold is sustained
// (reflected by IsBusy).
func (s *Session) enqueue(env *protocol.Envelope) {
	select {
	case s.outbound <- env:
	default:
		s.logger.Warn("outbound buffer full, dropping frame", zap.String("kind", string(env.Kind)))
	}
}

// IsBusy reports whether the outbound buffer is saturated; new task
// submissions are rejected with SessionBusy while this holds.
func (s *Session) IsBusy() bool {
	return len(s.outbound) >= s.cfg.ClientBufferFrames
}

// Submit validates and forwards a client Submit envelope to the
// Orchestrator, starts streaming its results back to the client in
// submission order, and returns the assigned task id.
func (s *Session) Submit(ctx context.Context, p protocol.SubmitPayload) (string, error) {
	s.touch()
	if s.IsBusy() {
		return "", apperrors.SessionBusy("session " + s.ID + " outbound buffer is saturated")
	}

	deadline := time.Time{}
	if p.DeadlineMS > 0 {
		deadline = time.UnixMilli(p.DeadlineMS)
	}

	taskID, err := s.orch.SubmitTask(ctx, s.ID, p.TaskType, p.Payload, orchestrator.SubmitOptions{
		Capability:   p.Capability,
		Capabilities: p.Capabilities,
		Priority:     p.Priority,
		Deadline:     deadline,
	})
	if err != nil {
		return "", err
	}

	s.startForwarding(taskID)
	return taskID, nil
}

// Cancel forwards a client Cancel envelope to the Orchestrator.
func (s *Session) Cancel(ctx context.Context, taskID string) error {
	s.touch()
	return s.orch.CancelTask(ctx, s.ID, taskID)
}

// startForwarding subscribes to the Orchestrator's result stream for taskID
// and relays every PartialResult/terminal TaskResult to the client in
// order, satisfying §4.6's per-(session,taskId) FIFO guarantee (a single
// goroutine per task id, writing only to s.outbound, never interleaved with
// any other task's frames out of order).
func (s *Session) startForwarding(taskID string) {
	streamCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.streams[taskID] = cancel
	s.mu.Unlock()

	results, err := s.orch.StreamResults(taskID)
	if err != nil {
		cancel()
		return
	}

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.streams, taskID)
			s.mu.Unlock()
		}()

		for {
			select {
			case <-streamCtx.Done():
				return
			case r, ok := <-results:
				if !ok {
					return
				}
				s.relay(taskID, r)
				if !r.Partial {
					return
				}
			}
		}
	}()
}

// wireStatus maps a terminal task.Result onto the wire status vocabulary
// pkg/protocol.ResultPayload documents (completed | failed | cancelled |
// timed_out). r.Status is authoritative when the Orchestrator set it;
// otherwise the error's apperrors.Kind distinguishes cancellation and
// deadline exhaustion from a generic failure.
func wireStatus(r *task.Result) string {
	switch r.Status {
	case task.StateCancelled:
		return "cancelled"
	case task.StateTimedOut:
		return "timed_out"
	case task.StateFailed:
		return "failed"
	case task.StateCompleted:
		return "completed"
	}
	if r.Err == nil {
		return "completed"
	}
	switch apperrors.KindOf(r.Err) {
	case apperrors.KindCancelled:
		return "cancelled"
	case apperrors.KindTimedOut, apperrors.KindSubAgentTimeout:
		return "timed_out"
	default:
		return "failed"
	}
}

func (s *Session) relay(taskID string, r *task.Result) {
	if r.Partial {
		env, err := protocol.Encode(protocol.KindPartial, s.ID, taskID, s.nextSeq(), protocol.PartialPayload{Output: r.Output})
		if err != nil {
			return
		}
		s.enqueue(env)
		return
	}

	payload := protocol.ResultPayload{Status: wireStatus(r), Output: r.Output}
	if r.Err != nil {
		payload.Kind = string(apperrors.KindOf(r.Err))
		payload.Message = r.Err.Error()
	}
	env, err := protocol.Encode(protocol.KindResult, s.ID, taskID, s.nextSeq(), payload)
	if err != nil {
		return
	}
	s.enqueue(env)
}

// Close terminates the session, cancelling every in-flight forwarding
// goroutine and closing the transport. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, cancel := range s.streams {
		cancel()
	}
	s.mu.Unlock()

	close(s.doneCh)
	_ = s.transport.Close()
}
