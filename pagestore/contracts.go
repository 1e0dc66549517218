// Package pagestore defines the external contracts the sync core consumes
// from local page storage (spec §6: PageStorage, PageSyncDelegate,
// PageSyncClient) and ships an in-memory reference implementation used by
// tests and cmd/ledgersyncd's demo mode. The real on-disk commit-graph and
// object-store engine is out of scope (spec §1) — this package exists
// only to give the protocol state machine something concrete to drive.
package pagestore

import (
	"github.com/vsrinivas/ledgersync/idspace"
)

// ChangeSource identifies where a set of commits or an object came from.
type ChangeSource int

const (
	ChangeSourceLocal ChangeSource = iota
	ChangeSourceP2P
	ChangeSourceCloud
)

// RetrievedObjectType distinguishes a tree node from a leaf blob; storage
// uses it to decide whether the object may also be fetched from a cloud
// fallback (out of scope here, see spec §4.6.6 and the PageSyncDelegate
// contract).
type RetrievedObjectType int

const (
	ObjectTypeTreeNode RetrievedObjectType = iota
	ObjectTypeBlob
)

// Commit is a node in a page's append-only history graph.
type Commit struct {
	Id         idspace.CommitId
	Generation uint64
	Payload    []byte
	Parents    []idspace.CommitId
}

// CommitIdAndBytes is the input shape for AddCommitsFromSync: everything
// the storage engine needs to validate and persist one commit.
type CommitIdAndBytes struct {
	Id         idspace.CommitId
	Payload    []byte
	Generation uint64
	Parents    []idspace.CommitId
}

// EntryChange is one entry in a tree diff between two commits.
type EntryChange struct {
	Key     []byte
	Deleted bool
	Value   idspace.ObjectId
}

// CommitWatcherFunc is registered with PageStorage to learn about new
// local commits, in storage-commit order (spec §5).
type CommitWatcherFunc func(commits []Commit, source ChangeSource)

// PageStorage is the contract the sync core consumes from local page
// storage (spec §6).
type PageStorage interface {
	Id() idspace.PageId

	// GetHeadCommits returns every commit with no local children. A
	// singly-headed page has exactly one entry.
	GetHeadCommits() []Commit

	GetCommit(id idspace.CommitId) (Commit, bool)

	// AddCommitsFromSync admits a set of commits whose parent closure is
	// already satisfiable by local storage plus the earlier entries of the
	// same call. Implementations may trigger
	// PageSyncDelegate.GetObject calls while admitting commits whose
	// objects are not yet local.
	AddCommitsFromSync(commits []CommitIdAndBytes, source ChangeSource) error

	GetPiece(id idspace.ObjectId) (payload []byte, isSynced bool, ok bool)

	AddObjectFromSync(id idspace.ObjectId, payload []byte, isSynced bool) error

	// ReferencesComplete reports whether every object transitively
	// referenced by id is locally present. A page communicator consults
	// this before answering an ObjectRequest so it never forwards an
	// object whose references would leave the receiver in an
	// unreconstructable state (the missing_reference response, spec
	// §4.6.3).
	ReferencesComplete(id idspace.ObjectId) bool

	// MarkSyncedToPeer is idempotent from storage's perspective; the
	// caller (pagecomm.PageCommunicator) still only calls it once per
	// lifetime (spec §4.6.8).
	MarkSyncedToPeer() error

	RegisterCommitWatcher(cb CommitWatcherFunc)
}

// PageSyncDelegate is the interface the sync core exposes upward to
// storage (spec §6), implemented by pagecomm.PageCommunicator.
type PageSyncDelegate interface {
	GetObject(id idspace.ObjectId, objType RetrievedObjectType) (status ObjectFetchStatus, source ChangeSource, isSynced bool, payload []byte)
	GetDiff(commitId idspace.CommitId, possibleBases []idspace.CommitId) (status DiffFetchStatus, chosenBase idspace.CommitId, diff []EntryChange)
}

// ObjectFetchStatus is the outcome of a PageSyncDelegate.GetObject call.
type ObjectFetchStatus int

const (
	ObjectFetchOK ObjectFetchStatus = iota
	ObjectFetchNotFound
	ObjectFetchInternalError
	// ObjectFetchCancelled is returned when the owning page communicator is
	// dropped while the request was outstanding, or had already been
	// dropped when the request was made.
	ObjectFetchCancelled
)

// DiffFetchStatus is the outcome of a PageSyncDelegate.GetDiff call.
type DiffFetchStatus int

const (
	DiffFetchOK DiffFetchStatus = iota
	DiffFetchUnavailable
)

// PageSyncClient lets storage learn the current PageSyncDelegate (spec
// §6). A nil delegate unsets a previously set one.
type PageSyncClient interface {
	SetSyncDelegate(delegate PageSyncDelegate)
}
