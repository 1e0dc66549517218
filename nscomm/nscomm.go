// Package nscomm implements C5, the namespace communicator: a trivial
// demultiplexer from PageId onto PageCommunicators, owned by exactly one
// usercomm.UserCommunicator. Grounded on the teacher's Device, which
// keeps a similarly trivial map of live peers and fans events out to all
// of them without itself understanding per-peer protocol state — that
// belongs one layer down, here in pagecomm.
package nscomm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh"
	"github.com/vsrinivas/ledgersync/metrics"
	"github.com/vsrinivas/ledgersync/pagecomm"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/wire"
)

// SendFunc delivers a pre-encoded envelope to dest. Supplied by the
// owning user communicator (usercomm.UserCommunicator.SendTo).
type SendFunc func(dest idspace.DeviceId, data []byte) bool

// ListDevicesFunc returns the mesh's current device snapshot.
type ListDevicesFunc func() []idspace.DeviceId

// Communicator is the C5 namespace communicator.
type Communicator struct {
	log         *zap.Logger
	id          idspace.NamespaceId
	sendTo      SendFunc
	listDevices ListDevicesFunc
	metrics     *metrics.Registry
	batchOpts   pagecomm.Options

	mu    sync.Mutex
	pages map[idspace.PageId]*pagecomm.PageCommunicator
}

// New constructs a namespace communicator. sendTo and listDevices are
// usually usercomm.UserCommunicator.SendTo/ListDevices, threaded down so
// every page communicator created under this namespace can reach the
// mesh without holding a reference to the user communicator itself.
func New(id idspace.NamespaceId, sendTo SendFunc, listDevices ListDevicesFunc, reg *metrics.Registry, opts pagecomm.Options, log *zap.Logger) *Communicator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Communicator{
		log:         log.With(zap.String("namespace", string(id))),
		id:          id,
		sendTo:      sendTo,
		listDevices: listDevices,
		metrics:     reg,
		batchOpts:   opts,
		pages:       make(map[idspace.PageId]*pagecomm.PageCommunicator),
	}
}

// Id returns this communicator's NamespaceId.
func (c *Communicator) Id() idspace.NamespaceId { return c.id }

// IsEmpty reports whether no page communicator is currently registered;
// per spec §4.5 a namespace communicator is only ever destroyed once
// empty.
func (c *Communicator) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages) == 0
}

// GetPageCommunicator returns the existing page communicator for
// storage's page, creating one on first call. Creation is always driven
// from here — by the local application asking to host a page — never by
// inbound traffic (spec §4.5).
func (c *Communicator) GetPageCommunicator(storage pagestore.PageStorage, client pagestore.PageSyncClient) *pagecomm.PageCommunicator {
	id := storage.Id()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.pages[id]; ok {
		return existing
	}
	pc := pagecomm.New(c.id, storage, client, c.envelopeSender(id), c.listDevices, c.metrics, c.batchOpts, c.log)
	c.pages[id] = pc
	return pc
}

// DropPage stops and removes the page communicator for id, if any.
func (c *Communicator) DropPage(id idspace.PageId) {
	c.mu.Lock()
	pc, ok := c.pages[id]
	if ok {
		delete(c.pages, id)
	}
	c.mu.Unlock()
	if ok {
		pc.Drop()
	}
}

func (c *Communicator) envelopeSender(page idspace.PageId) pagecomm.SendFunc {
	return func(dest idspace.DeviceId, kind wire.Kind, body wire.Body) bool {
		return c.sendTo(dest, wire.Encode(wire.Envelope{Namespace: c.id, Page: page, Kind: kind, Body: body}))
	}
}

// OnDeviceChange fans a mesh device event out to every live page
// communicator.
func (c *Communicator) OnDeviceChange(device idspace.DeviceId, change mesh.ChangeType) {
	for _, pc := range c.snapshotPages() {
		pc.OnDeviceChange(device, change)
	}
}

// OnIncoming routes an already-decoded envelope to the matching page
// communicator. A page we do not host elicits exactly one
// WatchStartAck{has_page=false} and nothing else (spec §4.5, §8 boundary
// behaviors); any other kind of traffic for an unhosted page is simply
// dropped.
func (c *Communicator) OnIncoming(device idspace.DeviceId, env wire.Envelope) {
	c.mu.Lock()
	pc, ok := c.pages[env.Page]
	c.mu.Unlock()

	if ok {
		pc.OnIncoming(device, env)
		return
	}
	if env.Kind == wire.KindWatchStart {
		c.sendTo(device, wire.Encode(wire.Envelope{
			Namespace: c.id,
			Page:      env.Page,
			Kind:      wire.KindWatchStartAck,
			Body:      &wire.WatchStartAck{HasPage: false},
		}))
		return
	}
	c.log.Debug("dropping traffic for unhosted page", zap.String("page", string(env.Page)))
}

func (c *Communicator) snapshotPages() []*pagecomm.PageCommunicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*pagecomm.PageCommunicator, 0, len(c.pages))
	for _, pc := range c.pages {
		out = append(out, pc)
	}
	return out
}
