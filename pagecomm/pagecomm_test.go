package pagecomm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/wire"
)

// loopback directly wires two PageCommunicators' SendFunc to each other's
// OnIncoming, bypassing mesh/usercomm/nscomm entirely — this package's
// own unit tests only need to exercise the C6/C7/C8 state machine, not
// the rest of the stack (that is usercomm's job, see usercomm_test.go).
type loopback struct {
	mu   sync.Mutex
	a, b *PageCommunicator
}

func (l *loopback) sendFromA(dest idspace.DeviceId, kind wire.Kind, body wire.Body) bool {
	go l.b.OnIncoming(idspace.DeviceId("a"), wire.Envelope{Namespace: "ns", Page: "page", Kind: kind, Body: body})
	return true
}

func (l *loopback) sendFromB(dest idspace.DeviceId, kind wire.Kind, body wire.Body) bool {
	go l.a.OnIncoming(idspace.DeviceId("b"), wire.Envelope{Namespace: "ns", Page: "page", Kind: kind, Body: body})
	return true
}

func newLoopback(storeA, storeB pagestore.PageStorage) *loopback {
	l := &loopback{}
	l.a = New("ns", storeA, &pagestore.SyncClient{}, func(d idspace.DeviceId, k wire.Kind, b wire.Body) bool { return l.sendFromA(d, k, b) },
		func() []idspace.DeviceId { return []idspace.DeviceId{idspace.DeviceId("b")} }, nil, DefaultOptions(), nil)
	l.b = New("ns", storeB, &pagestore.SyncClient{}, func(d idspace.DeviceId, k wire.Kind, b wire.Body) bool { return l.sendFromB(d, k, b) },
		func() []idspace.DeviceId { return []idspace.DeviceId{idspace.DeviceId("a")} }, nil, DefaultOptions(), nil)
	return l
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestPageCommunicator_CommitChainWithMissingParents(t *testing.T) {
	defer goleak.VerifyNone(t)

	storeA := pagestore.NewStore("page")
	storeB := pagestore.NewStore("page")
	l := newLoopback(storeA, storeB)
	l.a.Start()
	l.b.Start()
	defer l.a.Drop()
	defer l.b.Drop()

	waitFor(t, time.Second, func() bool { return l.a.Interested(idspace.DeviceId("b")) && l.b.Interested(idspace.DeviceId("a")) })

	root, err := storeA.AddLocalCommit(1, []byte("root"))
	require.NoError(t, err)
	child, err := storeA.AddLocalCommit(2, []byte("child"), root.Id)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := storeB.GetCommit(child.Id)
		return ok
	})
	gotRoot, ok := storeB.GetCommit(root.Id)
	require.True(t, ok)
	require.Equal(t, root.Payload, gotRoot.Payload)
}

func TestPageCommunicator_MissingReferenceBlocksObjectServe(t *testing.T) {
	defer goleak.VerifyNone(t)

	storeA := pagestore.NewStore("page")
	storeB := pagestore.NewStore("page")
	l := newLoopback(storeA, storeB)
	l.a.Start()
	l.b.Start()
	defer l.a.Drop()
	defer l.b.Drop()

	waitFor(t, time.Second, func() bool { return l.a.Interested(idspace.DeviceId("b")) })

	leafId := idspace.HashObject([]byte("leaf, never stored"))
	rootId := storeA.AddLocalObject([]byte("root"), leafId)

	status, _, _, _ := l.b.GetObject(rootId, pagestore.ObjectTypeTreeNode)
	require.Equal(t, pagestore.ObjectFetchNotFound, status)
}

func TestPageCommunicator_DropSendsNoTrafficBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := pagestore.NewStore("page")
	sent := false
	pc := New("ns", store, &pagestore.SyncClient{}, func(idspace.DeviceId, wire.Kind, wire.Body) bool {
		sent = true
		return true
	}, func() []idspace.DeviceId { return nil }, nil, DefaultOptions(), nil)

	pc.Drop()
	require.False(t, sent)
}

// countingMarkStore wraps a Store to count MarkSyncedToPeer calls,
// independent of the idempotent boolean the Store itself exposes.
type countingMarkStore struct {
	*pagestore.Store
	mu    sync.Mutex
	calls int
}

func (s *countingMarkStore) MarkSyncedToPeer() error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Store.MarkSyncedToPeer()
}

func TestPageCommunicator_MarkSyncedToPeerOnlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &countingMarkStore{Store: pagestore.NewStore("page")}
	pc := New("ns", store, &pagestore.SyncClient{}, func(idspace.DeviceId, wire.Kind, wire.Body) bool { return true },
		func() []idspace.DeviceId { return nil }, nil, DefaultOptions(), nil)

	pc.maybeMarkSyncedToPeer()
	pc.maybeMarkSyncedToPeer()
	pc.maybeMarkSyncedToPeer()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.calls)
}
