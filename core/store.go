package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
)

// commandChannelCapacity bounds the store actor's command queue. Senders
// block once it is full — the store's only backpressure mechanism
// (spec.md §4.B, §5).
const commandChannelCapacity = 100

// ErrStoreClosed is returned by Clone once every handle sharing the actor has
// been closed, and to every pending NotifyRead waiter that was still
// unresolved when the last handle was closed (spec.md §9, Open Question:
// "NotifyRead after actor shutdown").
var ErrStoreClosed = errors.New("store: actor closed")

type storeCmdKind int

const (
	cmdWrite storeCmdKind = iota
	cmdRead
	cmdNotifyRead
	cmdKeys
)

type readReply struct {
	value []byte
	found bool
	err   error
}

type notifyReply struct {
	value []byte
	err   error
}

type keysReply struct {
	keys [][]byte
	err  error
}

type storeCmd struct {
	kind        storeCmdKind
	key         []byte
	value       []byte
	readReply   chan readReply
	notifyReply chan notifyReply
	keysReply   chan keysReply
}

// storeCore is the actor's shared state. Multiple Store handles (clones)
// point at the same storeCore; the actor goroutine and the underlying engine
// live exactly as long as at least one handle is open.
type storeCore struct {
	cmds    chan storeCmd
	engine  *badger.DB
	metrics *storeMetrics
	mu      sync.Mutex
	refs    int32
	done    chan struct{}
}

// Store is a cheap, cloneable handle onto a content-addressed store actor.
// All mutation passes through the actor goroutine: there is no external
// write path (spec.md §4.B "At-most-one writer").
type Store struct {
	core *storeCore
}

type badgerLogger struct{ lg *log.Logger }

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.lg.Errorf(f, a...) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.lg.Warnf(f, a...) }
func (b badgerLogger) Infof(f string, a ...interface{})    { b.lg.Infof(f, a...) }
func (b badgerLogger) Debugf(f string, a ...interface{})   { b.lg.Debugf(f, a...) }

// NewStore opens the exclusive, read-write engine at path and starts its
// actor goroutine. reg may be nil to skip metrics registration (tests share
// one process-wide default registry otherwise and would collide).
func NewStore(path string, lg *log.Logger, reg prometheus.Registerer) (*Store, error) {
	return openStore(path, lg, reg, false)
}

// NewReadOnlyStore opens path in the engine's read-only mode. This is safe
// to call against a store directory another process is actively writing
// (spec.md §4.B "Read-only mode").
func NewReadOnlyStore(path string, lg *log.Logger, reg prometheus.Registerer) (*Store, error) {
	return openStore(path, lg, reg, true)
}

func openStore(path string, lg *log.Logger, reg prometheus.Registerer, readOnly bool) (*Store, error) {
	if lg == nil {
		lg = log.New()
	}
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{lg: lg}).
		WithReadOnly(readOnly)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}

	core := &storeCore{
		cmds:    make(chan storeCmd, commandChannelCapacity),
		engine:  db,
		metrics: newStoreMetrics(reg, path),
		refs:    1,
		done:    make(chan struct{}),
	}
	go core.run(lg)
	return &Store{core: core}, nil
}

func (c *storeCore) run(lg *log.Logger) {
	pending := make(map[string][]chan notifyReply)

	for cmd := range c.cmds {
		switch cmd.kind {
		case cmdWrite:
			err := c.engine.Update(func(txn *badger.Txn) error {
				return txn.Set(cmd.key, cmd.value)
			})
			k := string(cmd.key)
			if err != nil {
				lg.Errorf("store: write failed for %d bytes: %v", len(cmd.key), err)
				if waiters, ok := pending[k]; ok {
					delete(pending, k)
					for _, w := range waiters {
						w <- notifyReply{err: err}
					}
				}
				continue
			}
			c.metrics.writes.Inc()
			if waiters, ok := pending[k]; ok {
				delete(pending, k)
				for _, w := range waiters {
					w <- notifyReply{value: append([]byte(nil), cmd.value...)}
				}
			}

		case cmdRead:
			val, found, err := c.get(cmd.key)
			c.metrics.reads.Inc()
			cmd.readReply <- readReply{value: val, found: found, err: err}

		case cmdNotifyRead:
			val, found, err := c.get(cmd.key)
			if err != nil {
				cmd.notifyReply <- notifyReply{err: err}
				continue
			}
			if found {
				c.metrics.notifyHits.Inc()
				cmd.notifyReply <- notifyReply{value: val}
				continue
			}
			c.metrics.notifyWaits.Inc()
			k := string(cmd.key)
			pending[k] = append(pending[k], cmd.notifyReply)

		case cmdKeys:
			keys, err := c.listKeys()
			cmd.keysReply <- keysReply{keys: keys, err: err}
		}
	}

	// Last handle closed: fail every still-pending waiter rather than
	// leaving it blocked forever.
	for _, waiters := range pending {
		for _, w := range waiters {
			w <- notifyReply{err: ErrStoreClosed}
		}
	}
	if err := c.engine.Close(); err != nil {
		lg.Errorf("store: engine close failed: %v", err)
	}
	close(c.done)
}

func (c *storeCore) listKeys() ([][]byte, error) {
	var keys [][]byte
	err := c.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (c *storeCore) get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := c.engine.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Clone returns a new handle sharing this store's actor and engine. Clones
// are cheap; all clones share the same command channel and therefore the
// same backpressure (spec.md §4.B "Clone semantics"). It returns
// ErrStoreClosed if every handle sharing this core has already been closed
// — refs and the channel-close decision below share one mutex so a Clone
// racing the final Close can never resurrect a handle onto an already (or
// about to be) closed command channel.
func (s *Store) Clone() (*Store, error) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if s.core.refs == 0 {
		return nil, ErrStoreClosed
	}
	s.core.refs++
	return &Store{core: s.core}, nil
}

// Close releases this handle. The actor and the underlying engine are torn
// down only once the last handle has been closed.
func (s *Store) Close() error {
	s.core.mu.Lock()
	s.core.refs--
	last := s.core.refs == 0
	s.core.mu.Unlock()
	if last {
		close(s.core.cmds)
		<-s.core.done
	}
	return nil
}

// Write persists key→value. It returns once the command has been enqueued,
// not once the engine has accepted it — ordering across writes is the order
// the actor dequeues them, not the order callers' Write calls return
// (spec.md §4.B, mirroring the upstream store actor's fire-and-forget send).
func (s *Store) Write(key, value []byte) {
	s.core.cmds <- storeCmd{kind: cmdWrite, key: key, value: value}
}

// Read is a point query: (nil, false, nil) on miss, the stored value and
// true on hit, or a forwarded engine error.
func (s *Store) Read(key []byte) ([]byte, bool, error) {
	reply := make(chan readReply, 1)
	s.core.cmds <- storeCmd{kind: cmdRead, key: key, readReply: reply}
	r := <-reply
	return r.value, r.found, r.err
}

// NotifyRead returns the value for key once it is written, or immediately if
// it is already present. A NotifyRead registered before the key's first
// Write is guaranteed to observe that first write; multiple concurrent
// NotifyRead calls for the same key are released in FIFO registration order
// (spec.md §4.B, §8 properties 1-2).
//
// There is no cooperative cancellation of an already-registered waiter
// (spec.md §4.B "No cancellation"): if ctx is cancelled while waiting, this
// call returns ctx.Err(), but the registered slot is not retracted from the
// actor's pending table — it resolves (and is discarded) whenever the key is
// eventually written (successfully or not — a failed Write still releases
// every waiter registered for its key, with the engine error rather than
// leaving them blocked) or the store is closed.
func (s *Store) NotifyRead(ctx context.Context, key []byte) ([]byte, error) {
	reply := make(chan notifyReply, 1)
	s.core.cmds <- storeCmd{kind: cmdNotifyRead, key: key, notifyReply: reply}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Keys lists every key currently persisted. It is used by the batch
// inspector CLI (spec.md §4.C) and is not part of the producer-side
// Write/Read/NotifyRead contract consensus and the workers rely on.
func (s *Store) Keys() ([][]byte, error) {
	reply := make(chan keysReply, 1)
	s.core.cmds <- storeCmd{kind: cmdKeys, keysReply: reply}
	r := <-reply
	return r.keys, r.err
}
