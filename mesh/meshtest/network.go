// Package meshtest provides an in-memory, multi-host mesh.Transport used by
// integration tests and by cmd/ledgersyncd's local demo mode. It mirrors
// the Fuchsia ledger's own NetConnectorFactory test double
// (testing/netconnector/netconnector_factory.{h,cc} in original_source): a
// shared registry of named virtual hosts that fans out arrival/departure
// notifications to every other host when one joins or leaves, and routes
// sends by looking the destination up in the registry.
package meshtest

import (
	"sync"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh"
)

// Network is the shared registry. Create one with NewNetwork; the zero
// value has no host map and is not usable.
type Network struct {
	mu    sync.Mutex
	hosts map[string]*Host
}

// NewNetwork creates an empty virtual mesh.
func NewNetwork() *Network {
	return &Network{hosts: make(map[string]*Host)}
}

// AddHost creates a new virtual host with the given device id and connects
// it to the network. Every host already present is notified of the new
// arrival, and the new host is notified of every host already present —
// matching P2PProvider's "OnDeviceChange is called... including the ones
// already participating in the mesh when we connect to it" contract.
func (n *Network) AddHost(id idspace.DeviceId) *Host {
	n.mu.Lock()
	defer n.mu.Unlock()

	h := &Host{network: n, id: id}
	existing := make([]*Host, 0, len(n.hosts))
	for _, other := range n.hosts {
		existing = append(existing, other)
	}
	n.hosts[string(id)] = h

	for _, other := range existing {
		notify(other, id, mesh.DeviceNew)
		notify(h, other.id, mesh.DeviceNew)
	}
	return h
}

// RemoveHost disconnects a host from the network, notifying every
// remaining host of its departure.
func (n *Network) RemoveHost(id idspace.DeviceId) {
	n.mu.Lock()
	removed, ok := n.hosts[string(id)]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.hosts, string(id))
	remaining := make([]*Host, 0, len(n.hosts))
	for _, other := range n.hosts {
		remaining = append(remaining, other)
	}
	n.mu.Unlock()

	for _, other := range remaining {
		notify(other, id, mesh.DeviceDeleted)
	}
	notify(removed, nil, mesh.DeviceDeleted)
}

func notify(h *Host, peer idspace.DeviceId, change mesh.ChangeType) {
	h.mu.Lock()
	obs := h.observer
	h.mu.Unlock()
	if obs == nil || peer == nil {
		return
	}
	obs.OnDeviceChange(peer, change)
}

// Host is one virtual device's view of the Network; it implements
// mesh.Transport.
type Host struct {
	network *Network
	id      idspace.DeviceId

	mu       sync.Mutex
	observer mesh.Observer
}

var _ mesh.Transport = (*Host)(nil)

func (h *Host) SetObserver(observer mesh.Observer) {
	h.mu.Lock()
	h.observer = observer
	h.mu.Unlock()
	if observer == nil {
		return
	}
	for _, id := range h.ListDevices() {
		observer.OnDeviceChange(id, mesh.DeviceNew)
	}
}

func (h *Host) Send(dest idspace.DeviceId, data []byte) bool {
	h.network.mu.Lock()
	target, ok := h.network.hosts[string(dest)]
	h.network.mu.Unlock()
	if !ok {
		return false
	}
	target.mu.Lock()
	obs := target.observer
	target.mu.Unlock()
	if obs == nil {
		return false
	}
	cp := append([]byte(nil), data...)
	obs.OnIncoming(h.id, cp)
	return true
}

func (h *Host) ListDevices() []idspace.DeviceId {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	out := make([]idspace.DeviceId, 0, len(h.network.hosts))
	for key := range h.network.hosts {
		if key == string(h.id) {
			continue
		}
		out = append(out, idspace.DeviceId(key))
	}
	return out
}
