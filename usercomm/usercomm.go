// Package usercomm implements C4, the user communicator: owns exactly
// one p2p.Provider and any number of nscomm.Communicators, and is the
// sole concurrency boundary the wider system mandates (spec §5). The
// namespace table and all inbound event delivery are only ever handled on
// one goroutine — this package's executor loop — the same "one goroutine
// owns the state, everyone else sends it work" shape the teacher uses to
// feed a single handler goroutine per peer, generalized here to one
// shared loop per user. Page communicators are also called from other
// goroutines (storage's GetObject/GetDiff, the application's Start/Drop)
// and guard their own state with a per-page mutex (see pagecomm).
package usercomm

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh"
	"github.com/vsrinivas/ledgersync/metrics"
	"github.com/vsrinivas/ledgersync/nscomm"
	"github.com/vsrinivas/ledgersync/p2p"
	"github.com/vsrinivas/ledgersync/pagecomm"
	"github.com/vsrinivas/ledgersync/wire"
)

const cmdQueueDepth = 256

// UserCommunicator is the C4 user communicator.
type UserCommunicator struct {
	log      *zap.Logger
	provider *p2p.Provider
	metrics  *metrics.Registry
	opts     pagecomm.Options

	cmds chan func()
	done chan struct{}
	wg   sync.WaitGroup

	namespaces map[idspace.NamespaceId]*nscomm.Communicator
}

// New constructs a user communicator bound to transport, for the device
// identified by localId. protocolVersion is forwarded to the provider's
// handshake (spec §6 Versioning); handshakeRateLimiterInterval/Burst are
// forwarded to the provider's handshake-attempt rate limiter
// (config.Config's HandshakeRateLimiterInterval/Burst; zero values fall
// back to the limiter's own defaults).
func New(localId idspace.DeviceId, userIds p2p.UserIdProvider, transport mesh.Transport, protocolVersion uint8, handshakeRateLimiterInterval time.Duration, handshakeRateLimiterBurst int, reg *metrics.Registry, opts pagecomm.Options, log *zap.Logger) *UserCommunicator {
	if log == nil {
		log = zap.NewNop()
	}
	u := &UserCommunicator{
		log:        log,
		metrics:    reg,
		opts:       opts,
		cmds:       make(chan func(), cmdQueueDepth),
		done:       make(chan struct{}),
		namespaces: make(map[idspace.NamespaceId]*nscomm.Communicator),
	}
	u.provider = p2p.NewProvider(localId, userIds, transport, protocolVersion, handshakeRateLimiterInterval, handshakeRateLimiterBurst, log)
	return u
}

// Start launches the executor goroutine and registers the provider with
// the mesh transport. Must be called exactly once, and only once, per
// UserCommunicator (spec §6 UserCommunicator.start contract).
func (u *UserCommunicator) Start() error {
	u.wg.Add(1)
	go u.loop()
	return u.provider.Start(u)
}

// Close stops the executor loop and releases the provider's background
// resources (its rate limiter). Safe to call once, after Start.
func (u *UserCommunicator) Close() {
	close(u.done)
	u.wg.Wait()
	u.provider.Close()
}

func (u *UserCommunicator) loop() {
	defer u.wg.Done()
	for {
		select {
		case <-u.done:
			return
		case fn := <-u.cmds:
			fn()
		}
	}
}

// enqueue posts fn onto the executor without waiting for it to run,
// preserving arrival order. Used for event delivery, where the caller
// (the provider, on whatever goroutine the transport calls it from)
// must not block.
func (u *UserCommunicator) enqueue(fn func()) {
	select {
	case u.cmds <- fn:
	case <-u.done:
	}
}

// run posts fn onto the executor and blocks until it has completed,
// serializing callers that need a result back (e.g. GetLedgerCommunicator
// creating a namespace entry).
func (u *UserCommunicator) run(fn func()) {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case u.cmds <- wrapped:
	case <-u.done:
		return
	}
	select {
	case <-done:
	case <-u.done:
	}
}

// GetLedgerCommunicator returns the namespace communicator for ns,
// creating it on first call (spec §6 UserCommunicator.get_ledger_communicator).
func (u *UserCommunicator) GetLedgerCommunicator(ns idspace.NamespaceId) *nscomm.Communicator {
	var result *nscomm.Communicator
	u.run(func() {
		if existing, ok := u.namespaces[ns]; ok {
			result = existing
			return
		}
		comm := nscomm.New(ns, u.SendTo, u.ListDevices, u.metrics, u.opts, u.log)
		u.namespaces[ns] = comm
		result = comm
	})
	return result
}

// SendTo delivers a pre-encoded envelope to dest over the established
// provider connection, if any (spec §4.4 "exposes send_to(D, bytes)").
func (u *UserCommunicator) SendTo(dest idspace.DeviceId, data []byte) bool {
	return u.provider.Send(dest, data)
}

// ListDevices exposes the provider's current mesh snapshot, used by page
// communicators at Start to seed WatchStart.
func (u *UserCommunicator) ListDevices() []idspace.DeviceId {
	return u.provider.ListDevices()
}

// OnDeviceChange implements p2p.Client: it is called once the provider
// authenticates (or loses) a device connection, and fans the event out
// to every live namespace communicator.
func (u *UserCommunicator) OnDeviceChange(device idspace.DeviceId, change p2p.ChangeType) {
	u.enqueue(func() {
		for _, ns := range u.namespaces {
			ns.OnDeviceChange(device, change)
		}
	})
}

// OnIncoming implements p2p.Client: a raw datagram arrived from an
// established device connection. It decodes just the envelope — this is
// the hard trust boundary the message codec exists for (spec §4.4,
// §9) — and routes by NamespaceId; traffic for a namespace with no live
// communicator is dropped.
func (u *UserCommunicator) OnIncoming(device idspace.DeviceId, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		u.log.Warn("dropping malformed envelope", zap.Error(err), zap.String("peer", device.String()))
		return
	}
	u.enqueue(func() {
		ns, ok := u.namespaces[env.Namespace]
		if !ok {
			u.log.Debug("dropping envelope for unknown namespace", zap.String("namespace", string(env.Namespace)))
			return
		}
		ns.OnIncoming(device, env)
	})
}
