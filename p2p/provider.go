// Package p2p implements the C3 component: per-device authenticated mesh
// membership filtered by user id, asymmetric connection establishment,
// and the handshake state machine (spec §4.3). It sits directly on top of
// mesh.Transport and is the layer usercomm builds on.
//
// The shape — one owning struct holding a map of per-remote connection
// state machines, each transitioning through a small set of named states
// under a single lock — is the teacher's device.Device/device.Peer
// pattern generalized from "UDP endpoint plus Noise handshake" to
// "named mesh device plus a one-envelope identity handshake".
package p2p

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh"
	"github.com/vsrinivas/ledgersync/ratelimiter"
	"github.com/vsrinivas/ledgersync/syncerr"
)

// State is a remote device's connection state (spec §4.3).
type State int

const (
	StateUnknown State = iota
	StateContacted
	StatePendingHandshake
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateContacted:
		return "contacted"
	case StatePendingHandshake:
		return "pending-handshake"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChangeType re-exports mesh.ChangeType so callers of this package don't
// need to import mesh too.
type ChangeType = mesh.ChangeType

const (
	DeviceNew     = mesh.DeviceNew
	DeviceDeleted = mesh.DeviceDeleted
)

// Client is what the provider notifies once a device connection is
// authenticated (spec §4.4's user communicator implements this).
type Client interface {
	OnDeviceChange(device idspace.DeviceId, change ChangeType)
	OnIncoming(device idspace.DeviceId, data []byte)
}

// UserIdProvider supplies the local user id the provider filters
// connections by (spec §6).
type UserIdProvider interface {
	GetUserId() (idspace.UserId, error)
}

type connection struct {
	state        State
	weInitiated  bool
	establishedN bool // true once we have delivered an OnDeviceChange(new) for this device
}

// Provider is the C3 P2P provider.
type Provider struct {
	log       *zap.Logger
	transport mesh.Transport
	userIds   UserIdProvider
	localId   idspace.DeviceId
	version   uint8
	limiter   *ratelimiter.Limiter

	mu              sync.Mutex
	localUserId     idspace.UserId
	client          Client
	conns           map[string]*connection
	contactedHosts  map[string]bool
}

// NewProvider constructs a provider for localId, bound to transport.
// version is the protocol version advertised in every handshake (spec
// §6 Versioning); a peer advertising a different version is rejected the
// same way a user mismatch is. handshakeRateLimiterInterval/Burst shape
// the per-device handshake-attempt rate limiter (config.Config's
// HandshakeRateLimiterInterval/Burst); zero values fall back to
// ratelimiter.New's own defaults.
func NewProvider(localId idspace.DeviceId, userIds UserIdProvider, transport mesh.Transport, version uint8, handshakeRateLimiterInterval time.Duration, handshakeRateLimiterBurst int, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		log:            log.With(zap.String("device", localId.String())),
		transport:      transport,
		userIds:        userIds,
		localId:        localId,
		version:        version,
		limiter:        ratelimiter.New(handshakeRateLimiterInterval, handshakeRateLimiterBurst),
		conns:          make(map[string]*connection),
		contactedHosts: make(map[string]bool),
	}
}

// Start connects this device to its mesh. Must be called exactly once,
// before any other method (spec §6 UserCommunicator.Start contract, which
// this provider-level Start mirrors).
func (p *Provider) Start(client Client) error {
	userId, err := p.userIds.GetUserId()
	if err != nil {
		return syncerr.Wrap(syncerr.StorageError, err, "resolving local user id")
	}
	p.mu.Lock()
	p.localUserId = userId
	p.client = client
	p.mu.Unlock()

	p.transport.SetObserver(p)
	return nil
}

// Close releases background resources (the rate limiter's GC goroutine).
func (p *Provider) Close() {
	p.limiter.Close()
}

// Send delivers data to an established device connection. Returns false
// if the device is not currently established (spec §4.3 datagram path).
func (p *Provider) Send(dest idspace.DeviceId, data []byte) bool {
	p.mu.Lock()
	conn, ok := p.conns[string(dest)]
	established := ok && conn.state == StateEstablished
	p.mu.Unlock()
	if !established {
		return false
	}
	return p.transport.Send(dest, data)
}

// OnDeviceChange implements mesh.Observer: it is called by the transport
// whenever a device appears or disappears in the mesh.
func (p *Provider) OnDeviceChange(device idspace.DeviceId, change mesh.ChangeType) {
	if change == mesh.DeviceNew {
		p.onDeviceNew(device)
		return
	}
	p.onDeviceDeleted(device)
}

func (p *Provider) onDeviceNew(device idspace.DeviceId) {
	key := string(device)

	p.mu.Lock()
	if p.contactedHosts[key] {
		// Already being handled (or deliberately not retried after a
		// user mismatch) — avoid the reconnect loop the contacted-hosts
		// memory exists to prevent (spec §4.3).
		p.mu.Unlock()
		return
	}
	if !p.limiter.Allow(key) {
		p.mu.Unlock()
		return
	}
	p.contactedHosts[key] = true
	weInitiate := p.localId.Compare(device) > 0
	conn := &connection{state: StateContacted, weInitiated: weInitiate}
	p.conns[key] = conn
	localUserId := p.localUserId
	p.mu.Unlock()

	if weInitiate {
		hs := encodeHandshake(handshake{version: p.version, userId: localUserId, deviceId: p.localId})
		p.transport.Send(device, hs)
		p.mu.Lock()
		if c, ok := p.conns[key]; ok && c.state == StateContacted {
			c.state = StatePendingHandshake
		}
		p.mu.Unlock()
	}
}

func (p *Provider) onDeviceDeleted(device idspace.DeviceId) {
	key := string(device)

	p.mu.Lock()
	conn, ok := p.conns[key]
	delete(p.conns, key)
	delete(p.contactedHosts, key)
	client := p.client
	p.mu.Unlock()

	if ok && conn.establishedN && client != nil {
		// A deleted is only ever observed after the matching new (spec
		// §4.3 eventing, §5 ordering guarantees): establishedN being set
		// means OnDeviceChange(new) was already delivered for this peer.
		client.OnDeviceChange(device, mesh.DeviceDeleted)
	}
}

// OnIncoming implements mesh.Observer: raw bytes from device. Before a
// connection is established, these are handshake frames; afterwards they
// are opaque envelopes handed straight to the client.
func (p *Provider) OnIncoming(device idspace.DeviceId, data []byte) {
	key := string(device)

	p.mu.Lock()
	conn, ok := p.conns[key]
	if !ok {
		// A datagram arrived before we observed this device's arrival —
		// treat it as a fresh, non-initiating connection (original
		// source's "we can receive requests between the time we appear
		// on the network and the time we know our own node id").
		conn = &connection{state: StateContacted, weInitiated: false}
		p.conns[key] = conn
		p.contactedHosts[key] = true
	}
	state := conn.state
	localUserId := p.localUserId
	client := p.client
	p.mu.Unlock()

	switch state {
	case StateEstablished:
		if client != nil {
			client.OnIncoming(device, data)
		}
	case StateContacted, StatePendingHandshake:
		p.processHandshake(device, conn, data, localUserId, client)
	case StateClosed:
		p.log.Debug("dropping datagram from closed connection", zap.String("peer", device.String()))
	}
}

func (p *Provider) processHandshake(device idspace.DeviceId, conn *connection, data []byte, localUserId idspace.UserId, client Client) {
	hs, err := decodeHandshake(data)
	if err != nil {
		p.log.Warn("malformed handshake, dropping", zap.Error(err), zap.String("peer", device.String()))
		return
	}

	mismatch := hs.version != p.version || !hs.userId.Equal(localUserId)

	p.mu.Lock()
	if mismatch {
		conn.state = StateClosed
		p.mu.Unlock()
		p.log.Info("closing connection: handshake mismatch",
			zap.String("peer", device.String()),
			zap.Bool("version_mismatch", hs.version != p.version))
		return
	}

	shouldReply := conn.state == StateContacted && !conn.weInitiated
	conn.state = StateEstablished
	alreadyNotified := conn.establishedN
	conn.establishedN = true
	p.mu.Unlock()

	if shouldReply {
		reply := encodeHandshake(handshake{version: p.version, userId: localUserId, deviceId: p.localId})
		p.transport.Send(device, reply)
	}

	if !alreadyNotified && client != nil {
		client.OnDeviceChange(device, mesh.DeviceNew)
	}
}

// ListDevices exposes the transport's current device list, used by
// usercomm to drive DeviceMesh.GetDeviceList without reaching past the
// provider.
func (p *Provider) ListDevices() []idspace.DeviceId {
	return p.transport.ListDevices()
}
