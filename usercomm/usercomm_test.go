package usercomm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh/meshtest"
	"github.com/vsrinivas/ledgersync/pagecomm"
	"github.com/vsrinivas/ledgersync/pagestore"
)

type fixedUserId struct{ id idspace.UserId }

func (f fixedUserId) GetUserId() (idspace.UserId, error) { return f.id, nil }

func newUC(t *testing.T, id idspace.DeviceId, user idspace.UserId, network *meshtest.Network) *UserCommunicator {
	t.Helper()
	uc := New(id, fixedUserId{user}, network.AddHost(id), 1, 0, 0, nil, pagecomm.DefaultOptions(), nil)
	require.NoError(t, uc.Start())
	return uc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

const ns idspace.NamespaceId = "notes"

// Scenario 4: three hosts, one page, late start. h1,h2 start the page
// first and converge; h3 joins the mesh and starts the same page later,
// and all three interest tables become mutually populated. Dropping h2
// leaves h1 and h3 only interested in each other.
func TestScenario_ThreeHostsOnePageLateStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("u")
	h1, h2, h3 := idspace.DeviceId("h1"), idspace.DeviceId("h2"), idspace.DeviceId("h3")

	uc1 := newUC(t, h1, user, network)
	uc2 := newUC(t, h2, user, network)
	defer uc1.Close()
	defer uc2.Close()

	pc1 := uc1.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p1"), &pagestore.SyncClient{})
	pc2 := uc2.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p1"), &pagestore.SyncClient{})
	pc1.Start()
	pc2.Start()

	waitFor(t, 2*time.Second, func() bool { return pc1.Interested(h2) && pc2.Interested(h1) })

	uc3 := newUC(t, h3, user, network)
	defer uc3.Close()
	pc3 := uc3.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p1"), &pagestore.SyncClient{})
	pc3.Start()

	waitFor(t, 2*time.Second, func() bool {
		return pc1.Interested(h2) && pc1.Interested(h3) &&
			pc2.Interested(h1) && pc2.Interested(h3) &&
			pc3.Interested(h1) && pc3.Interested(h2)
	})

	network.RemoveHost(h2)
	waitFor(t, 2*time.Second, func() bool {
		return !pc1.Interested(h2) && pc1.Interested(h3) && !pc3.Interested(h2) && pc3.Interested(h1)
	})
}

// Scenario 5: three hosts, two pages. h1 hosts p1 and p2; h2 hosts only
// p1; h3 hosts only p2. Each page communicator's interest table should
// only ever contain peers that also host that specific page.
func TestScenario_ThreeHostsTwoPages(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("u")
	h1, h2, h3 := idspace.DeviceId("h1"), idspace.DeviceId("h2"), idspace.DeviceId("h3")

	uc1 := newUC(t, h1, user, network)
	uc2 := newUC(t, h2, user, network)
	uc3 := newUC(t, h3, user, network)
	defer uc1.Close()
	defer uc2.Close()
	defer uc3.Close()

	p1p1 := uc1.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p1"), &pagestore.SyncClient{})
	p1p2 := uc1.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p2"), &pagestore.SyncClient{})
	p2p1 := uc2.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p1"), &pagestore.SyncClient{})
	p3p2 := uc3.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("p2"), &pagestore.SyncClient{})
	p1p1.Start()
	p1p2.Start()
	p2p1.Start()
	p3p2.Start()

	waitFor(t, 2*time.Second, func() bool {
		return p1p1.Interested(h2) && p1p2.Interested(h3) && p2p1.Interested(h1) && p3p2.Interested(h1)
	})

	require.ElementsMatch(t, []idspace.DeviceId{h2}, p1p1.InterestTable())
	require.ElementsMatch(t, []idspace.DeviceId{h3}, p1p2.InterestTable())
	require.ElementsMatch(t, []idspace.DeviceId{h1}, p2p1.InterestTable())
	require.ElementsMatch(t, []idspace.DeviceId{h1}, p3p2.InterestTable())
}

// A local commit propagates to every interested peer, and each peer's
// store ends up holding the same commit (spec §8 quantified invariant on
// commit broadcast); a subsequently requested object follows it.
func TestScenario_CommitAndObjectSync(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("u")
	h1, h2 := idspace.DeviceId("h1"), idspace.DeviceId("h2")

	uc1 := newUC(t, h1, user, network)
	uc2 := newUC(t, h2, user, network)
	defer uc1.Close()
	defer uc2.Close()

	store1 := pagestore.NewStore("page")
	store2 := pagestore.NewStore("page")
	pc1 := uc1.GetLedgerCommunicator(ns).GetPageCommunicator(store1, &pagestore.SyncClient{})
	pc2 := uc2.GetLedgerCommunicator(ns).GetPageCommunicator(store2, &pagestore.SyncClient{})
	pc1.Start()
	pc2.Start()
	waitFor(t, 2*time.Second, func() bool { return pc1.Interested(h2) })

	objId := store1.AddLocalObject([]byte("payload"))
	commit, err := store1.AddLocalCommit(1, []byte("root"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := store2.GetCommit(commit.Id)
		return ok
	})
	waitFor(t, 2*time.Second, func() bool { return store1.MarkedSyncedToPeer() })

	status, _, _, payload := pc2.GetObject(objId, pagestore.ObjectTypeBlob)
	require.Equal(t, pagestore.ObjectFetchOK, status)
	require.Equal(t, []byte("payload"), payload)
}

// Boundary behavior: a WatchStart for a page the peer does not host is
// answered with WatchStartAck{false}, so the hosting side never adds that
// peer to its interest table.
func TestScenario_WatchStartForUnhostedPage(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("u")
	h1, h2 := idspace.DeviceId("h1"), idspace.DeviceId("h2")

	uc1 := newUC(t, h1, user, network)
	uc2 := newUC(t, h2, user, network)
	defer uc1.Close()
	defer uc2.Close()

	// h1 hosts "page", h2 hosts nothing; h2's nscomm must reply
	// has_page=false without ever creating a page communicator.
	uc2.GetLedgerCommunicator(ns)
	pc1 := uc1.GetLedgerCommunicator(ns).GetPageCommunicator(pagestore.NewStore("page"), &pagestore.SyncClient{})
	pc1.Start()

	waitFor(t, 2*time.Second, func() bool { return !pc1.Interested(h2) })
	require.Empty(t, pc1.InterestTable())
}
