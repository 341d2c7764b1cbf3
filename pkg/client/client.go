// Package client implements the external Client API spec.md §6 names:
// read/write/tx_start/tx_read/tx_write/tx_revert_last_op/tx_commit,
// plus publish/subscribe/unsubscribe/get_subscribers. Calls report
// protocol outcomes as a tagged Result rather than a bare error, and a
// transport failure is reported the same way, as a Result tagged
// FailConnection; GetSubscribers returns its list of urls directly.
//
// Grounded on pkg/client/client.go's Config/DefaultConfig/NewClient
// constructor shape and its single-entry-point-per-call pattern,
// generalized from an HTTP document-DB client to a client living in the
// same process as the node it drives: tx_commit reaches a local
// pkg/tm.TM handle directly instead of issuing an HTTP request, and the
// pub/sub calls reach a pkg/notify.Notifier the same way.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/notify"
	"github.com/mnohosten/chordcommit/pkg/tlog"
	"github.com/mnohosten/chordcommit/pkg/tm"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// Kind tags whether a Result succeeded or failed.
type Kind int

const (
	OK Kind = iota
	Fail
)

// FailKind further tags a failed Result, mirroring spec.md §7's taxonomy.
type FailKind int

const (
	FailNone FailKind = iota
	FailNotFound
	FailTimeout
	FailAbort
	FailConnection
	FailUnknown
)

func (f FailKind) String() string {
	switch f {
	case FailNotFound:
		return "not_found"
	case FailTimeout:
		return "timeout"
	case FailAbort:
		return "abort"
	case FailConnection:
		return "connection"
	case FailUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Result is the tagged outcome every Client call returns: never a panic,
// never a bare error for a protocol-level outcome.
type Result struct {
	Kind     Kind
	FailKind FailKind
	Value    []byte
}

func ok(value []byte) Result  { return Result{Kind: OK, Value: value} }
func fail(fk FailKind) Result { return Result{Kind: Fail, FailKind: fk} }

// Found reports whether this Result is the ok variant.
func (r Result) Found() bool { return r.Kind == OK }

// IsFailKind reports whether this Result failed with exactly fk.
func (r Result) IsFailKind(fk FailKind) bool {
	return r.Kind == Fail && r.FailKind == fk
}

// Config configures a Client's defaults.
type Config struct {
	// CommitTimeout bounds how long TxCommit waits for a TxCommitReply
	// before reporting {fail, timeout}.
	CommitTimeout time.Duration
}

// DefaultConfig returns the client's default configuration.
func DefaultConfig() *Config {
	return &Config{CommitTimeout: 10 * time.Second}
}

// Client is the external API surface, embedded in the same process as
// the TM it drives (spec.md §1 places the web/JSON-RPC façade out of
// scope; this is the library surface beneath where such a façade would
// sit).
type Client struct {
	*actor.Base

	cfg      *Config
	tm       *tm.TM
	notifier notify.Notifier
	reader   tlog.QuorumReader
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]chan wire.Decision // tx_id -> awaiting TxCommitReply
}

// New creates a Client identified by base's PID, committing through t and
// publishing/subscribing through notifier. reader backs every out-of-
// transaction read() and every tx_read() cache miss.
func New(base *actor.Base, cfg *Config, t *tm.TM, notifier notify.Notifier, reader tlog.QuorumReader) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := zap.NewNop().Sugar()
	if base != nil {
		logger = base.Log
	}
	c := &Client{
		Base:     base,
		cfg:      cfg,
		tm:       t,
		notifier: notifier,
		reader:   reader,
		log:      logger,
		pending:  make(map[string]chan wire.Decision),
	}
	if base != nil {
		go base.Run(c.HandleMessage)
	}
	return c
}

// HandleMessage dispatches the one wire-level message a Client receives:
// the final decision for a commit it is awaiting.
func (c *Client) HandleMessage(msg any) {
	m, isReply := msg.(wire.TxCommitReply)
	if !isReply {
		c.log.Errorw("unknown message type delivered to client", "type", fmt.Sprintf("%T", msg))
		return
	}
	c.mu.Lock()
	ch, exists := c.pending[m.TxID]
	if exists {
		delete(c.pending, m.TxID)
	}
	c.mu.Unlock()
	if exists {
		ch <- m.Decision
	}
}

func (c *Client) selfPID() actor.PID {
	if c.Base == nil {
		return ""
	}
	return c.Base.PID
}

// Read implements spec.md §6's read(key): a quorum read against key's
// current replicas with no transaction involved.
func (c *Client) Read(ctx context.Context, key string) Result {
	value, _, found, err := c.reader.QuorumRead(ctx, key)
	if err != nil {
		c.log.Debugw("quorum read failed", "key", key, "err", err)
		return fail(FailConnection)
	}
	if !found {
		return fail(FailNotFound)
	}
	return ok(value)
}

// Write implements spec.md §6's write(key, value): an implicit
// single-operation transaction (tx_start; tx_write; tx_commit).
func (c *Client) Write(ctx context.Context, key string, value []byte) Result {
	tx := c.TxStart()
	c.TxWrite(tx, key, value)
	return c.TxCommit(ctx, tx)
}

// Tx is a client-held transaction handle wrapping the buffered TLog.
type Tx struct {
	txn *tlog.Transaction
}

// TxStart implements spec.md §6's tx_start().
func (c *Client) TxStart() *Tx {
	return &Tx{txn: tlog.New(c.reader)}
}

// TxRead implements spec.md §6's tx_read(tx, key).
func (c *Client) TxRead(ctx context.Context, tx *Tx, key string) Result {
	value, found, err := tx.txn.Read(ctx, key)
	if err != nil {
		if tlog.IsPoisoned(err) {
			return fail(FailNotFound)
		}
		return fail(FailConnection)
	}
	if !found {
		return fail(FailNotFound)
	}
	return ok(value)
}

// TxWrite implements spec.md §6's tx_write(tx, key, value).
func (c *Client) TxWrite(tx *Tx, key string, value []byte) Result {
	tx.txn.Write(key, value)
	return ok(nil)
}

// TxRevertLastOp implements spec.md §6's tx_revert_last_op(tx): one-step
// undo only.
func (c *Client) TxRevertLastOp(tx *Tx) Result {
	if err := tx.txn.RevertLastOp(); err != nil {
		return fail(FailNotFound)
	}
	return ok(nil)
}

// TxCommit implements spec.md §6's tx_commit(tx): submits the frozen
// TLog to the local TM and blocks until the transaction's decision
// arrives, or CommitTimeout/ctx elapses first.
func (c *Client) TxCommit(ctx context.Context, tx *Tx) Result {
	log := tx.txn.Log()
	if len(log) == 0 {
		return ok(nil)
	}

	clientsID := uuid.NewString()
	ch := make(chan wire.Decision, 1)

	txID, err := c.tm.Commit(ctx, c.selfPID(), clientsID, log)
	if err != nil {
		if err == tm.ErrInitializing {
			return fail(FailTimeout)
		}
		c.log.Errorw("tm.Commit returned an unexpected error", "err", err)
		return fail(FailUnknown)
	}

	c.mu.Lock()
	c.pending[txID] = ch
	c.mu.Unlock()

	select {
	case decision := <-ch:
		if decision == wire.Commit {
			return ok(nil)
		}
		return fail(FailAbort)
	case <-ctx.Done():
		c.forget(txID)
		return fail(FailTimeout)
	case <-time.After(c.cfg.CommitTimeout):
		c.forget(txID)
		return fail(FailTimeout)
	}
}

func (c *Client) forget(txID string) {
	c.mu.Lock()
	delete(c.pending, txID)
	c.mu.Unlock()
}

// Publish implements spec.md §6's publish(topic, content).
func (c *Client) Publish(topic, content string) Result {
	if err := c.notifier.Publish(topic, content); err != nil {
		return fail(FailTimeout)
	}
	return ok(nil)
}

// Subscribe implements spec.md §6's subscribe(topic, url).
func (c *Client) Subscribe(topic, url string) Result {
	if err := c.notifier.Subscribe(topic, url); err != nil {
		return fail(FailNotFound)
	}
	return ok(nil)
}

// Unsubscribe implements spec.md §6's unsubscribe(topic, url).
func (c *Client) Unsubscribe(topic, url string) Result {
	if err := c.notifier.Unsubscribe(topic, url); err != nil {
		return fail(FailNotFound)
	}
	return ok(nil)
}

// GetSubscribers implements spec.md §6's get_subscribers(topic).
func (c *Client) GetSubscribers(topic string) []string {
	return c.notifier.GetSubscribers(topic)
}
