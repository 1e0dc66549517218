// Package mesh defines the C2 contract: the per-device transport that
// carries raw byte datagrams between named hosts. The transport itself
// (credential exchange, framing below the envelope, actual network I/O)
// is an external collaborator — out of scope per spec §1 — so this
// package only states the interface p2p.Provider is built against.
package mesh

import "github.com/vsrinivas/ledgersync/idspace"

// ChangeType distinguishes a device arriving in the mesh from one leaving
// it.
type ChangeType int

const (
	DeviceNew ChangeType = iota
	DeviceDeleted
)

func (c ChangeType) String() string {
	if c == DeviceNew {
		return "new"
	}
	return "deleted"
}

// Observer receives mesh-level events. A Transport implementation calls
// these synchronously with respect to each other for a single device (see
// spec §5 ordering guarantees); it is the provider's job to serialize
// across devices onto its single-threaded executor.
type Observer interface {
	OnDeviceChange(device idspace.DeviceId, change ChangeType)
	OnIncoming(device idspace.DeviceId, data []byte)
}

// Transport is the mesh transport adapter contract (spec §4.2).
type Transport interface {
	// Send is best-effort: it returns false synchronously if dest is not
	// currently known to the transport. Transient failures are not
	// retried at this level.
	Send(dest idspace.DeviceId, data []byte) bool

	// ListDevices returns a snapshot of the devices currently visible.
	ListDevices() []idspace.DeviceId

	// SetObserver registers the single observer for device/incoming
	// events. Implementations deliver events from the moment an observer
	// is registered, including arrivals that predate registration.
	SetObserver(observer Observer)
}
