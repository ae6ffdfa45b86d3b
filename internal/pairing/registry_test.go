package pairing

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/sourceagent/internal/protocol/handshake"
	"github.com/danmuck/sourceagent/internal/testutil/testlog"
)

const scenarioID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"

type fakeBound struct {
	id     handshake.CorrelationID
	comm   net.Conn
	data   net.Conn
	closed atomic.Bool
}

func (b *fakeBound) Close() error {
	b.closed.Store(true)
	return nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []*fakeBound
	err   error
}

func (d *recordingDispatcher) Dispatch(id handshake.CorrelationID, comm, data net.Conn) (Bound, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	b := &fakeBound{id: id, comm: comm, data: data}
	d.calls = append(d.calls, b)
	return b, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *recordingDispatcher) first() *fakeBound {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return nil
	}
	return d.calls[0]
}

func newTestRegistry(t *testing.T, d Dispatcher) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	r := NewRegistry(Config{Timeout: DefaultTimeout, Shards: 4, Clock: mock}, d)
	t.Cleanup(func() { _ = r.Close() })
	return r, mock
}

func mustID(t *testing.T, s string) handshake.CorrelationID {
	t.Helper()
	id, err := handshake.ParseCorrelationID(s)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	return id
}

// pipe returns the registry side and the peer side of an in-memory stream.
func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func peerClosed(peer net.Conn) bool {
	_ = peer.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := peer.Read(buf)
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitEitherOrderCreatesOneSession(t *testing.T) {
	testlog.Start(t)
	for _, order := range [][2]handshake.Role{
		{handshake.RoleComm, handshake.RoleData},
		{handshake.RoleData, handshake.RoleComm},
	} {
		d := &recordingDispatcher{}
		r, _ := newTestRegistry(t, d)
		id := mustID(t, scenarioID)

		first, _ := pipe(t)
		second, _ := pipe(t)
		if err := r.Submit(id, order[0], first); err != nil {
			t.Fatalf("submit %s: %v", order[0], err)
		}
		if d.count() != 0 {
			t.Fatalf("dispatched before pair complete")
		}
		if err := r.Submit(id, order[1], second); err != nil {
			t.Fatalf("submit %s: %v", order[1], err)
		}
		if d.count() != 1 {
			t.Fatalf("expected exactly one dispatch, got %d", d.count())
		}
		b := d.first()
		wantComm, wantData := first, second
		if order[0] == handshake.RoleData {
			wantComm, wantData = second, first
		}
		if b.comm != wantComm || b.data != wantData {
			t.Fatalf("streams bound to wrong roles for order %v", order)
		}
		if got, ok := r.Lookup(id); !ok || got != Bound(b) {
			t.Fatalf("lookup did not return bound session")
		}
	}
}

func TestLoneRoleEvictedAfterDeadline(t *testing.T) {
	testlog.Start(t)
	evicted := make(chan error, 1)
	d := &recordingDispatcher{}
	mock := clock.NewMock()
	r := NewRegistry(Config{
		Clock: mock,
		OnEvict: func(_ handshake.CorrelationID, err error) {
			evicted <- err
		},
	}, d)
	defer r.Close()

	id := mustID(t, scenarioID)
	comm, peer := pipe(t)
	if err := r.Submit(id, handshake.RoleComm, comm); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mock.Add(9 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if r.Len() != 1 {
		t.Fatalf("entry evicted before deadline")
	}

	mock.Add(2 * time.Second)
	select {
	case err := <-evicted:
		if !errors.Is(err, ErrPairingTimeout) {
			t.Fatalf("expected ErrPairingTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("entry was not evicted")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	if !peerClosed(peer) {
		t.Fatalf("evicted stream was not closed")
	}
	if d.count() != 0 {
		t.Fatalf("evicted pair must not dispatch")
	}
}

func TestLateRoleAfterEvictionStartsFresh(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, mock := newTestRegistry(t, d)
	id := mustID(t, scenarioID)

	comm, _ := pipe(t)
	if err := r.Submit(id, handshake.RoleComm, comm); err != nil {
		t.Fatalf("submit comm: %v", err)
	}
	mock.Add(11 * time.Second)
	waitFor(t, "eviction", func() bool { return r.Len() == 0 })

	data, peer := pipe(t)
	if err := r.Submit(id, handshake.RoleData, data); err != nil {
		t.Fatalf("submit data: %v", err)
	}
	if d.count() != 0 {
		t.Fatalf("late data stream must not pair with evicted comm")
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].HasComm || !snap[0].HasData || snap[0].Complete {
		t.Fatalf("unexpected snapshot after fresh entry: %+v", snap)
	}
	if peerClosed(peer) {
		t.Fatalf("fresh pending stream should stay open")
	}
}

func TestReplaceSlotBeforeCompletion(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, _ := newTestRegistry(t, d)
	id := mustID(t, scenarioID)

	oldComm, oldPeer := pipe(t)
	newComm, _ := pipe(t)
	data, _ := pipe(t)

	if err := r.Submit(id, handshake.RoleComm, oldComm); err != nil {
		t.Fatalf("submit old comm: %v", err)
	}
	if err := r.Submit(id, handshake.RoleComm, newComm); err != nil {
		t.Fatalf("submit new comm: %v", err)
	}
	if !peerClosed(oldPeer) {
		t.Fatalf("replaced stream was not closed")
	}
	if err := r.Submit(id, handshake.RoleData, data); err != nil {
		t.Fatalf("submit data: %v", err)
	}
	b := d.first()
	if d.count() != 1 || b.comm != newComm {
		t.Fatalf("expected one dispatch with replacement comm stream")
	}
}

func TestLateConnectionRejectedOnceBound(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, _ := newTestRegistry(t, d)
	id := mustID(t, scenarioID)

	comm, _ := pipe(t)
	data, _ := pipe(t)
	_ = r.Submit(id, handshake.RoleComm, comm)
	_ = r.Submit(id, handshake.RoleData, data)

	late, latePeer := pipe(t)
	err := r.Submit(id, handshake.RoleComm, late)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if !peerClosed(latePeer) {
		t.Fatalf("late stream was not closed")
	}
	if d.count() != 1 {
		t.Fatalf("late stream must not dispatch again")
	}
	if d.first().closed.Load() {
		t.Fatalf("existing session must survive a late duplicate")
	}
}

func TestCompletedPairImmuneToEviction(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, mock := newTestRegistry(t, d)
	id := mustID(t, scenarioID)

	comm, commPeer := pipe(t)
	data, _ := pipe(t)
	_ = r.Submit(id, handshake.RoleComm, comm)
	mock.Add(5 * time.Second)
	_ = r.Submit(id, handshake.RoleData, data)

	mock.Add(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if _, ok := r.Lookup(id); !ok {
		t.Fatalf("bound session lost to pairing deadline")
	}
	if peerClosed(commPeer) {
		t.Fatalf("bound stream closed by pairing deadline")
	}
}

func TestReleaseAllowsRepairing(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, _ := newTestRegistry(t, d)
	id := mustID(t, scenarioID)

	c1, _ := pipe(t)
	d1, _ := pipe(t)
	_ = r.Submit(id, handshake.RoleComm, c1)
	_ = r.Submit(id, handshake.RoleData, d1)
	b := d.first()

	if r.Release(id, &fakeBound{}) {
		t.Fatalf("release with foreign session must not drop entry")
	}
	if !r.Release(id, b) {
		t.Fatalf("release with owning session failed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after release")
	}

	c2, _ := pipe(t)
	d2, _ := pipe(t)
	if err := r.Submit(id, handshake.RoleData, d2); err != nil {
		t.Fatalf("resubmit data: %v", err)
	}
	if err := r.Submit(id, handshake.RoleComm, c2); err != nil {
		t.Fatalf("resubmit comm: %v", err)
	}
	if d.count() != 2 {
		t.Fatalf("expected second dispatch after release, got %d", d.count())
	}
}

func TestDispatchFailureClosesBothStreams(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{err: errors.New("boom")}
	r, _ := newTestRegistry(t, d)
	id := mustID(t, scenarioID)

	comm, commPeer := pipe(t)
	data, dataPeer := pipe(t)
	_ = r.Submit(id, handshake.RoleComm, comm)
	err := r.Submit(id, handshake.RoleData, data)
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if !peerClosed(commPeer) || !peerClosed(dataPeer) {
		t.Fatalf("failed dispatch must close both streams")
	}
	if r.Len() != 0 {
		t.Fatalf("failed dispatch left an entry behind")
	}
}

func TestUnknownRoleCreatesNoEntry(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(t, &recordingDispatcher{})
	conn, peer := pipe(t)
	err := r.Submit(mustID(t, scenarioID), handshake.Role(9), conn)
	if !errors.Is(err, handshake.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("unknown role created an entry")
	}
	if !peerClosed(peer) {
		t.Fatalf("rejected stream was not closed")
	}
}

func TestConcurrentPairsAcrossIDs(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, _ := newTestRegistry(t, d)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := mustID(t, fmt.Sprintf("00000000-0000-4000-8000-%012d", i))
		for _, role := range []handshake.Role{handshake.RoleComm, handshake.RoleData} {
			conn, _ := pipe(t)
			wg.Add(1)
			go func(role handshake.Role, conn net.Conn) {
				defer wg.Done()
				if err := r.Submit(id, role, conn); err != nil {
					t.Errorf("submit %s %s: %v", id, role, err)
				}
			}(role, conn)
		}
	}
	wg.Wait()
	if d.count() != n {
		t.Fatalf("expected %d dispatches, got %d", n, d.count())
	}
	if r.Len() != n || len(r.Bound()) != n {
		t.Fatalf("expected %d bound entries, got len=%d bound=%d", n, r.Len(), len(r.Bound()))
	}
}

func TestCloseClosesPendingAndBound(t *testing.T) {
	testlog.Start(t)
	d := &recordingDispatcher{}
	r, _ := newTestRegistry(t, d)

	bound := mustID(t, scenarioID)
	pending := mustID(t, "00000000-0000-4000-8000-000000000001")
	c, _ := pipe(t)
	dc, _ := pipe(t)
	_ = r.Submit(bound, handshake.RoleComm, c)
	_ = r.Submit(bound, handshake.RoleData, dc)
	lone, lonePeer := pipe(t)
	_ = r.Submit(pending, handshake.RoleData, lone)

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !d.first().closed.Load() {
		t.Fatalf("bound session not closed")
	}
	if !peerClosed(lonePeer) {
		t.Fatalf("pending stream not closed")
	}
	late, _ := pipe(t)
	if err := r.Submit(pending, handshake.RoleComm, late); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
