package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh"
	"github.com/vsrinivas/ledgersync/mesh/meshtest"
)

type fixedUserId struct{ id idspace.UserId }

func (f fixedUserId) GetUserId() (idspace.UserId, error) { return f.id, nil }

type trackedEvent struct {
	device idspace.DeviceId
	change ChangeType
}

// trackingClient records every event delivered to a Provider's Client,
// for the literal end-to-end scenarios in spec §8.
type trackingClient struct {
	events   chan trackedEvent
	incoming chan []byte
}

func newTrackingClient() *trackingClient {
	return &trackingClient{events: make(chan trackedEvent, 32), incoming: make(chan []byte, 32)}
}

func (c *trackingClient) OnDeviceChange(device idspace.DeviceId, change ChangeType) {
	c.events <- trackedEvent{device, change}
}

func (c *trackingClient) OnIncoming(device idspace.DeviceId, data []byte) {
	c.incoming <- data
}

func mustDrainEvents(t *testing.T, ch chan trackedEvent, n int, timeout time.Duration) []trackedEvent {
	t.Helper()
	out := make([]trackedEvent, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(out), out)
		}
	}
	return out
}

func requireNoEventWithin(t *testing.T, ch chan trackedEvent, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(d):
	}
}

func devicesOf(evs []trackedEvent) []idspace.DeviceId {
	out := make([]idspace.DeviceId, len(evs))
	for i, e := range evs {
		out[i] = e.device
	}
	return out
}

func startProvider(t *testing.T, id idspace.DeviceId, user idspace.UserId, network *meshtest.Network) (*Provider, *trackingClient) {
	t.Helper()
	p := NewProvider(id, fixedUserId{user}, network.AddHost(id), 1, 0, 0, nil)
	client := newTrackingClient()
	require.NoError(t, p.Start(client))
	return p, client
}

func TestProvider_HandshakeEstablishesBothSides(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("user-1")
	deviceA := idspace.DeviceId("aaa")
	deviceB := idspace.DeviceId("bbb")

	pa, clientA := startProvider(t, deviceA, user, network)
	pb, clientB := startProvider(t, deviceB, user, network)
	defer pa.Close()
	defer pb.Close()

	mustDrainEvents(t, clientA.events, 1, 2*time.Second)
	mustDrainEvents(t, clientB.events, 1, 2*time.Second)

	require.True(t, pa.Send(deviceB, []byte("hi")))
	select {
	case data := <-clientB.incoming:
		require.Equal(t, []byte("hi"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("device-b never received device-a's datagram")
	}
}

func TestProvider_UserMismatchNeverEstablishes(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	deviceA := idspace.DeviceId("aaa")
	deviceB := idspace.DeviceId("bbb")

	pa, clientA := startProvider(t, deviceA, idspace.UserId("user-1"), network)
	pb, clientB := startProvider(t, deviceB, idspace.UserId("user-2"), network)
	defer pa.Close()
	defer pb.Close()

	requireNoEventWithin(t, clientA.events, 300*time.Millisecond)
	requireNoEventWithin(t, clientB.events, 300*time.Millisecond)
}

// Scenario 1: three hosts, same user, same page.
func TestProvider_ThreeHostsSameUser(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("u")
	h1, h2, h3 := idspace.DeviceId("h1"), idspace.DeviceId("h2"), idspace.DeviceId("h3")

	p1, c1 := startProvider(t, h1, user, network)
	p2, c2 := startProvider(t, h2, user, network)
	p3, c3 := startProvider(t, h3, user, network)
	defer p1.Close()
	defer p2.Close()
	defer p3.Close()

	require.ElementsMatch(t, []idspace.DeviceId{h2, h3}, devicesOf(mustDrainEvents(t, c1.events, 2, 2*time.Second)))
	require.ElementsMatch(t, []idspace.DeviceId{h1, h3}, devicesOf(mustDrainEvents(t, c2.events, 2, 2*time.Second)))
	require.ElementsMatch(t, []idspace.DeviceId{h1, h2}, devicesOf(mustDrainEvents(t, c3.events, 2, 2*time.Second)))

	network.RemoveHost(h2)
	d1 := mustDrainEvents(t, c1.events, 1, 2*time.Second)
	d3 := mustDrainEvents(t, c3.events, 1, 2*time.Second)
	require.Equal(t, trackedEvent{h2, DeviceDeleted}, d1[0])
	require.Equal(t, trackedEvent{h2, DeviceDeleted}, d3[0])
}

// Scenario 2: four hosts, two users.
func TestProvider_FourHostsTwoUsers(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	u1, u2 := idspace.UserId("u1"), idspace.UserId("u2")
	h1, h2, h3, h4 := idspace.DeviceId("h1"), idspace.DeviceId("h2"), idspace.DeviceId("h3"), idspace.DeviceId("h4")

	p1, c1 := startProvider(t, h1, u1, network)
	p2, c2 := startProvider(t, h2, u2, network)
	p3, c3 := startProvider(t, h3, u2, network)
	p4, c4 := startProvider(t, h4, u1, network)
	defer p1.Close()
	defer p2.Close()
	defer p3.Close()
	defer p4.Close()

	require.Equal(t, h4, mustDrainEvents(t, c1.events, 1, 2*time.Second)[0].device)
	require.Equal(t, h3, mustDrainEvents(t, c2.events, 1, 2*time.Second)[0].device)
	require.Equal(t, h2, mustDrainEvents(t, c3.events, 1, 2*time.Second)[0].device)
	require.Equal(t, h1, mustDrainEvents(t, c4.events, 1, 2*time.Second)[0].device)

	requireNoEventWithin(t, c1.events, 200*time.Millisecond)
	requireNoEventWithin(t, c2.events, 200*time.Millisecond)

	network.RemoveHost(h4)
	require.Equal(t, trackedEvent{h4, DeviceDeleted}, mustDrainEvents(t, c1.events, 1, 2*time.Second)[0])
	requireNoEventWithin(t, c2.events, 200*time.Millisecond)
	requireNoEventWithin(t, c3.events, 200*time.Millisecond)
}

// Scenario 6: initiation ordering. The lower-ordered device never sends
// the handshake frame itself; only one side initiates, and the
// connection still establishes reliably.
func TestProvider_InitiationOrderingIsDeterministic(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := meshtest.NewNetwork()
	user := idspace.UserId("u")
	low := idspace.DeviceId("low")
	high := idspace.DeviceId("zzhigh")
	require.True(t, high.Compare(low) > 0)

	pLow, cLow := startProvider(t, low, user, network)
	pHigh, cHigh := startProvider(t, high, user, network)
	defer pLow.Close()
	defer pHigh.Close()

	mustDrainEvents(t, cLow.events, 1, 2*time.Second)
	mustDrainEvents(t, cHigh.events, 1, 2*time.Second)

	pLow.mu.Lock()
	lowConn := pLow.conns[string(high)]
	pLow.mu.Unlock()
	pHigh.mu.Lock()
	highConn := pHigh.conns[string(low)]
	pHigh.mu.Unlock()

	require.NotNil(t, lowConn)
	require.NotNil(t, highConn)
	require.NotEqual(t, lowConn.weInitiated, highConn.weInitiated)
	require.True(t, highConn.weInitiated, "the higher-ordered device initiates")
}
