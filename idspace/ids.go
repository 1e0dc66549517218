// Package idspace defines the opaque identifiers shared by every layer of
// the ledger P2P sync stack: devices, users, namespaces, pages, commits and
// objects. All of them are thin wrappers around byte strings so that they
// travel through the wire codec without any further translation.
package idspace

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2s"
)

// DeviceId uniquely names a device within the mesh. It is ordered: the
// ordering is used to decide, deterministically, which side of a freshly
// discovered device pair initiates the handshake (see p2p.Provider).
type DeviceId []byte

// Compare returns -1, 0 or 1 the way bytes.Compare does. Devices are
// totally ordered so that exactly one side of a mutual discovery event
// initiates a connection.
func (d DeviceId) Compare(other DeviceId) int {
	return bytes.Compare(d, other)
}

func (d DeviceId) String() string {
	return hex.EncodeToString(d)
}

// NewDeviceId generates a fresh, collision-free DeviceId backed by a
// random UUID (github.com/google/uuid, the same generator dolthub-dolt's
// storage layer uses to mint dataset and blob identifiers). The tests and
// the local demo in this module do not call it; they use fixed, readable
// device ids such as "h1" or "device-a".
func NewDeviceId() DeviceId {
	id := uuid.New()
	return DeviceId(id[:])
}

// UserId identifies the user a device belongs to. Two devices only form a
// ledger connection if their UserIds match exactly.
type UserId []byte

func (u UserId) Equal(other UserId) bool {
	return bytes.Equal(u, other)
}

func (u UserId) String() string {
	return hex.EncodeToString(u)
}

// NamespaceId identifies an application sharing the per-device transport.
type NamespaceId string

// PageId identifies a page within a namespace.
type PageId string

// CommitId is the content address of a commit.
type CommitId string

// ObjectId is the content address of a referenced object (tree node or
// blob).
type ObjectId string

// HashCommit derives a CommitId the way the in-memory reference page store
// (pagestore.Store) does: a BLAKE2s-256 digest of the generation number and
// payload. Production storage engines are free to use any content address;
// this helper exists only for the reference store and tests.
func HashCommit(generation uint64, payload []byte) CommitId {
	h, _ := blake2s.New256(nil)
	var gen [8]byte
	for i := range gen {
		gen[i] = byte(generation >> (8 * uint(i)))
	}
	h.Write(gen[:])
	h.Write(payload)
	return CommitId(hex.EncodeToString(h.Sum(nil)))
}

// HashObject derives an ObjectId from its payload the same way.
func HashObject(payload []byte) ObjectId {
	sum := blake2s.Sum256(payload)
	return ObjectId(hex.EncodeToString(sum[:]))
}
