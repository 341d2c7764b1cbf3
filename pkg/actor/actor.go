// Package actor provides the single-threaded, message-driven actor
// primitive every role in chordcommit (TM, RTM, TP, proposer, acceptor,
// learner, failure detector) embeds. Each actor owns a private mailbox and
// private state; there is no shared mutable structure across actors.
package actor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PID names an actor within a Transport. It is opaque to the protocol
// layer; a real deployment might encode host:port:role, an in-process
// simulation just encodes role:node:key.
type PID string

// Handler processes one mailbox message. It must not block on I/O; long
// waits are expressed as delayed self-messages (DelaySelf), never sleeps.
type Handler func(msg any)

// Transport delivers messages between PIDs. Sends are non-blocking and the
// transport is allowed to drop messages (spec.md's "unreliable messages");
// the protocol layers above (hold-back buffers, Paxos, timeouts) exist
// precisely to tolerate that. The overlay routing / physical transport is
// out of scope for this core; InProcess below is the default, swappable
// implementation used by tests and cmd/chordnode.
type Transport interface {
	Send(to PID, msg any) error
	Register(pid PID, mailbox *Mailbox)
	Unregister(pid PID)
}

// Mailbox is a single actor's private inbox: a bounded queue drained by
// exactly one goroutine, so handler invocations for one actor are always
// serialized (mailbox-order semantics), never run concurrently.
type Mailbox struct {
	ch      chan any
	done    chan struct{}
	once    sync.Once
	logger  *zap.SugaredLogger
	pid     PID
	dropped uint64
	mu      sync.Mutex
}

const defaultMailboxSize = 256

// NewMailbox creates a private mailbox for pid.
func NewMailbox(pid PID, logger *zap.SugaredLogger) *Mailbox {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Mailbox{
		ch:     make(chan any, defaultMailboxSize),
		done:   make(chan struct{}),
		logger: logger,
		pid:    pid,
	}
}

// post enqueues msg without blocking. A full mailbox drops the message,
// consistent with the "unreliable messaging" contract: callers that need
// reliability layer retry/timeout on top (as the TM's tid_isdone and
// Paxos's round mechanism both do).
func (m *Mailbox) post(msg any) {
	select {
	case m.ch <- msg:
	default:
		m.mu.Lock()
		m.dropped++
		n := m.dropped
		m.mu.Unlock()
		m.logger.Warnw("mailbox full, dropping message", "pid", m.pid, "dropped_total", n)
	}
}

// Run drains the mailbox on the calling goroutine until Close is called,
// invoking handler for each message in FIFO arrival order.
func (m *Mailbox) Run(handler Handler) {
	for {
		select {
		case msg := <-m.ch:
			handler(msg)
		case <-m.done:
			// Drain any messages already queued before the actor's
			// owner decided to stop, then exit.
			for {
				select {
				case msg := <-m.ch:
					handler(msg)
				default:
					return
				}
			}
		}
	}
}

// Close stops Run from blocking for further messages.
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.done) })
}

// Len reports the number of messages currently queued, used by the TM's
// tid_isdone handler to decide whether to re-defer under backlog
// (spec.md §5 "if the queue backlog is heavy... the handler re-defers").
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Base embeds into every role actor. It supplies PID identity, a mailbox,
// a Transport for sending to peers, a logger, and the DelaySelf primitive
// used in place of timers so all protocol logic stays inside handlers.
type Base struct {
	PID       PID
	Transport Transport
	Log       *zap.SugaredLogger
	Mailbox   *Mailbox

	timersMu sync.Mutex
	timers   []*time.Timer
}

// NewBase wires up a Base, registering its mailbox with transport under pid.
func NewBase(pid PID, transport Transport, logger *zap.SugaredLogger) *Base {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mb := NewMailbox(pid, logger)
	b := &Base{
		PID:       pid,
		Transport: transport,
		Log:       logger.With("pid", string(pid)),
		Mailbox:   mb,
	}
	if transport != nil {
		transport.Register(pid, mb)
	}
	return b
}

// Send delivers msg to another actor via the transport. Never blocks.
func (b *Base) Send(to PID, msg any) {
	if b.Transport == nil {
		return
	}
	if err := b.Transport.Send(to, msg); err != nil {
		b.Log.Debugw("send failed", "to", string(to), "err", err)
	}
}

// DelaySelf enqueues msg to this actor's own mailbox after d elapses. This
// is the sole substitute for timers/sleeps: a delayed self-message that
// re-enters the normal handler loop like any other message, preserving
// the single-threaded actor model (spec.md §9 "Delayed self-messages
// replace timers").
func (b *Base) DelaySelf(d time.Duration, msg any) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	t := time.AfterFunc(d, func() {
		b.Mailbox.post(msg)
	})
	b.timers = append(b.timers, t)
}

// Stop cancels pending delayed self-messages, closes the mailbox, and
// deregisters from the transport.
func (b *Base) Stop() {
	b.timersMu.Lock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.timersMu.Unlock()

	b.Mailbox.Close()
	if b.Transport != nil {
		b.Transport.Unregister(b.PID)
	}
}

// Run starts the actor's mailbox loop on the calling goroutine. Callers
// typically do `go base.Run(a.handle)`.
func (b *Base) Run(handler Handler) {
	b.Mailbox.Run(handler)
}

// ErrNoMailbox is returned by InProcess.Send when the destination PID is
// not (or no longer) registered.
type ErrNoMailbox struct{ PID PID }

func (e ErrNoMailbox) Error() string {
	return fmt.Sprintf("actor: no mailbox registered for %q", e.PID)
}
