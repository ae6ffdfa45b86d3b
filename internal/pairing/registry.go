package pairing

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	"github.com/danmuck/sourceagent/internal/observability"
	"github.com/danmuck/sourceagent/internal/protocol/handshake"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultShards  = 32
)

var (
	ErrPairingTimeout   = errors.New("pairing: pairing deadline elapsed")
	ErrDuplicateSession = errors.New("pairing: session already bound for id")
	ErrDispatch         = errors.New("pairing: dispatch failed")
	ErrClosed           = errors.New("pairing: registry closed")
	ErrNilConn          = errors.New("pairing: nil connection")
)

// Bound is the session a completed pair was handed to. Implementations must
// be comparable (pointer types) so Release can match the owner.
type Bound interface {
	Close() error
}

// Dispatcher receives a completed pair exactly once. It runs under the
// id's lock, so it must not block and must not call back into the registry.
type Dispatcher interface {
	Dispatch(id handshake.CorrelationID, comm net.Conn, data net.Conn) (Bound, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(id handshake.CorrelationID, comm net.Conn, data net.Conn) (Bound, error)

func (f DispatchFunc) Dispatch(id handshake.CorrelationID, comm net.Conn, data net.Conn) (Bound, error) {
	return f(id, comm, data)
}

// Config tunes the registry.
type Config struct {
	Timeout time.Duration
	Shards  int
	Clock   clock.Clock
	// OnEvict, when set, is called after an incomplete pair is evicted.
	OnEvict func(id handshake.CorrelationID, err error)
}

func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Shards:  DefaultShards,
		Clock:   clock.New(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

// PairState is a point-in-time view of one registry entry.
type PairState struct {
	ID        handshake.CorrelationID
	HasComm   bool
	HasData   bool
	Complete  bool
	CreatedAt time.Time
	Deadline  time.Time
}

type entry struct {
	comm      net.Conn
	data      net.Conn
	bound     Bound
	complete  bool
	createdAt time.Time
	deadline  time.Time
	timer     *clock.Timer
}

type shard struct {
	mu      sync.Mutex
	entries map[handshake.CorrelationID]*entry
}

// Registry is the concurrent pending-pair table. Mutations for one id are
// serialized by that id's shard lock; ids on different shards never contend.
type Registry struct {
	cfg      Config
	shards   []*shard
	dispatch Dispatcher
	size     atomic.Int64
	closed   atomic.Bool
}

func NewRegistry(cfg Config, dispatch Dispatcher) *Registry {
	cfg = cfg.WithDefaults()
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[handshake.CorrelationID]*entry)}
	}
	return &Registry{
		cfg:      cfg,
		shards:   shards,
		dispatch: dispatch,
	}
}

func (r *Registry) shardFor(id handshake.CorrelationID) *shard {
	return r.shards[murmur3.Sum32(id[:])%uint32(len(r.shards))]
}

// Submit places conn into the role slot for id. On success the registry (or,
// after dispatch, the bound session) owns conn; on error conn has been closed.
func (r *Registry) Submit(id handshake.CorrelationID, role handshake.Role, conn net.Conn) error {
	if conn == nil {
		return ErrNilConn
	}
	if role != handshake.RoleComm && role != handshake.RoleData {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", handshake.ErrUnknownRole, role)
	}
	sh := r.shardFor(id)
	sh.mu.Lock()
	// Close flips the flag before sweeping shards; re-check under the lock so
	// a racing submit is either swept or rejected.
	if r.closed.Load() {
		sh.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	e, ok := sh.entries[id]
	if !ok {
		now := r.cfg.Clock.Now()
		e = &entry{createdAt: now, deadline: now.Add(r.cfg.Timeout)}
		sh.entries[id] = e
		e.timer = r.cfg.Clock.AfterFunc(r.cfg.Timeout, func() {
			r.expire(id, e)
		})
		r.size.Add(1)
	}
	if e.complete {
		sh.mu.Unlock()
		_ = conn.Close()
		observability.RecordPair(observability.PairDuplicate)
		log.Warn().Msgf("pairing.Registry.Submit rejected late connection id=%q role=%s", id, role)
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	var replaced net.Conn
	switch role {
	case handshake.RoleComm:
		replaced, e.comm = e.comm, conn
	case handshake.RoleData:
		replaced, e.data = e.data, conn
	}

	var dispatchErr error
	if e.comm != nil && e.data != nil {
		dispatchErr = r.completeLocked(sh, id, e)
	}
	size := r.size.Load()
	sh.mu.Unlock()

	observability.SetPendingPairs(int(size))
	if replaced != nil {
		_ = replaced.Close()
		observability.RecordPair(observability.PairReplaced)
		log.Debug().Msgf("pairing.Registry.Submit replaced slot id=%q role=%s", id, role)
	}
	return dispatchErr
}

// completeLocked marks e complete and hands its streams to the dispatcher.
// Caller holds sh.mu.
func (r *Registry) completeLocked(sh *shard, id handshake.CorrelationID, e *entry) error {
	e.complete = true
	if e.timer != nil {
		e.timer.Stop()
	}
	comm, data := e.comm, e.data
	e.comm, e.data = nil, nil

	bound, err := r.dispatch.Dispatch(id, comm, data)
	if err != nil {
		delete(sh.entries, id)
		r.size.Add(-1)
		closeErr := multierr.Combine(comm.Close(), data.Close())
		observability.RecordPair(observability.PairDispatchFailed)
		log.Error().Err(multierr.Append(err, closeErr)).Msgf("pairing.Registry dispatch failed id=%q", id)
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	e.bound = bound
	observability.RecordPair(observability.PairCompleted)
	log.Debug().Msgf("pairing.Registry paired id=%q", id)
	return nil
}

// expire evicts e if it is still the entry for id and still incomplete.
func (r *Registry) expire(id handshake.CorrelationID, e *entry) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	cur, ok := sh.entries[id]
	if !ok || cur != e || e.complete {
		sh.mu.Unlock()
		return
	}
	delete(sh.entries, id)
	size := r.size.Add(-1)
	comm, data := e.comm, e.data
	e.comm, e.data = nil, nil
	sh.mu.Unlock()

	err := closeConns(comm, data)
	observability.SetPendingPairs(int(size))
	observability.RecordPair(observability.PairEvicted)
	log.Debug().Err(err).Msgf(
		"pairing.Registry evicted incomplete pair id=%q comm=%t data=%t",
		id,
		comm != nil,
		data != nil,
	)
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(id, fmt.Errorf("%w: %s", ErrPairingTimeout, id))
	}
}

// Release drops the entry for id if it is still bound to b. Sessions call
// this when they end so the id can pair again from empty state.
func (r *Registry) Release(id handshake.CorrelationID, b Bound) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok || !e.complete || e.bound != b {
		sh.mu.Unlock()
		return false
	}
	delete(sh.entries, id)
	size := r.size.Add(-1)
	sh.mu.Unlock()
	observability.SetPendingPairs(int(size))
	return true
}

// Lookup returns the session bound to id, if any.
func (r *Registry) Lookup(id handshake.CorrelationID) (Bound, bool) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok || e.bound == nil {
		return nil, false
	}
	return e.bound, true
}

// Len reports the number of entries, pending or bound.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot returns every entry ordered by creation time.
func (r *Registry) Snapshot() []PairState {
	out := make([]PairState, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			out = append(out, PairState{
				ID:        id,
				HasComm:   e.comm != nil || e.complete,
				HasData:   e.data != nil || e.complete,
				Complete:  e.complete,
				CreatedAt: e.createdAt,
				Deadline:  e.deadline,
			})
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Bound returns every live session.
func (r *Registry) Bound() []Bound {
	out := make([]Bound, 0)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.bound != nil {
				out = append(out, e.bound)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Close rejects further submissions, closes pending streams and closes every
// bound session.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	var (
		err   error
		bound []Bound
	)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.timer != nil {
				e.timer.Stop()
			}
			err = multierr.Append(err, closeConns(e.comm, e.data))
			if e.bound != nil {
				bound = append(bound, e.bound)
			}
			delete(sh.entries, id)
		}
		sh.mu.Unlock()
	}
	r.size.Store(0)
	observability.SetPendingPairs(0)
	// Sessions release themselves on close; do it outside the shard locks.
	for _, b := range bound {
		err = multierr.Append(err, b.Close())
	}
	return err
}

func closeConns(conns ...net.Conn) error {
	var err error
	for _, c := range conns {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
