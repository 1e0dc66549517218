package pagestore

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vsrinivas/ledgersync/idspace"
)

// Store is an in-memory reference PageStorage. It is not a production
// storage engine (no durability, no compaction) but is complete enough to
// drive every scenario in spec §8: it tracks parents, computes heads,
// tracks per-object sync state, and records each object's references so
// ReferencesComplete can report whether they are transitively local,
// which gives pagecomm's "missing_reference" path something real to
// exercise.
type Store struct {
	mu sync.Mutex

	id idspace.PageId

	commits  map[idspace.CommitId]Commit
	children map[idspace.CommitId]int // count of local children, for head computation

	objects    map[idspace.ObjectId][]byte
	objectRefs map[idspace.ObjectId][]idspace.ObjectId
	synced     map[idspace.ObjectId]bool

	markedSyncedToPeer bool

	watchers []CommitWatcherFunc
}

var _ PageStorage = (*Store)(nil)

// NewStore creates an empty in-memory page store for id.
func NewStore(id idspace.PageId) *Store {
	return &Store{
		id:         id,
		commits:    make(map[idspace.CommitId]Commit),
		children:   make(map[idspace.CommitId]int),
		objects:    make(map[idspace.ObjectId][]byte),
		objectRefs: make(map[idspace.ObjectId][]idspace.ObjectId),
		synced:     make(map[idspace.ObjectId]bool),
	}
}

func (s *Store) Id() idspace.PageId { return s.id }

func (s *Store) GetHeadCommits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []Commit
	for id, c := range s.commits {
		if s.children[id] == 0 {
			heads = append(heads, c)
		}
	}
	return heads
}

func (s *Store) GetCommit(id idspace.CommitId) (Commit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[id]
	return c, ok
}

// AddCommitsFromSync admits commits whose parents are already present,
// either in local storage or as an earlier entry of the same call (the
// commit batch assembler passes its commits in ascending generation
// order). The in-memory store requires the caller to have already
// resolved the parent closure; it returns an error if any parent is still
// missing, treating that as a storage-level invariant violation rather
// than re-deriving the missing set itself.
func (s *Store) AddCommitsFromSync(commits []CommitIdAndBytes, source ChangeSource) error {
	s.mu.Lock()
	earlier := make(map[idspace.CommitId]bool, len(commits))
	for _, cb := range commits {
		if _, exists := s.commits[cb.Id]; exists {
			continue
		}
		for _, p := range cb.Parents {
			if _, ok := s.commits[p]; !ok && !earlier[p] {
				s.mu.Unlock()
				return errors.Errorf("parent %s of commit %s not in local storage", p, cb.Id)
			}
		}
		earlier[cb.Id] = true
	}

	added := make([]Commit, 0, len(commits))
	for _, cb := range commits {
		if _, exists := s.commits[cb.Id]; exists {
			continue
		}
		c := Commit{Id: cb.Id, Generation: cb.Generation, Payload: cb.Payload, Parents: cb.Parents}
		s.commits[cb.Id] = c
		s.children[cb.Id] = 0
		for _, p := range cb.Parents {
			s.children[p]++
		}
		added = append(added, c)
	}
	watchers := append([]CommitWatcherFunc(nil), s.watchers...)
	s.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	for _, w := range watchers {
		w(added, source)
	}
	return nil
}

// AddLocalCommit is a test/demo helper: it derives the commit id with
// idspace.HashCommit, validates that the parents exist, updates the
// child-count bookkeeping the same way AddCommitsFromSync does, and
// notifies watchers with ChangeSourceLocal.
func (s *Store) AddLocalCommit(generation uint64, payload []byte, parents ...idspace.CommitId) (Commit, error) {
	id := idspace.HashCommit(generation, payload)
	s.mu.Lock()
	for _, p := range parents {
		if _, ok := s.commits[p]; !ok {
			s.mu.Unlock()
			return Commit{}, errors.Errorf("parent %s not in local storage", p)
		}
	}
	c := Commit{Id: id, Generation: generation, Payload: payload, Parents: parents}
	s.commits[id] = c
	s.children[id] = 0
	for _, p := range parents {
		s.children[p]++
	}
	watchers := append([]CommitWatcherFunc(nil), s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		w([]Commit{c}, ChangeSourceLocal)
	}
	return c, nil
}

func (s *Store) GetPiece(id idspace.ObjectId) ([]byte, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[id]
	if !ok {
		return nil, false, false
	}
	return data, s.synced[id], true
}

func (s *Store) AddObjectFromSync(id idspace.ObjectId, payload []byte, isSynced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = payload
	if isSynced {
		s.synced[id] = true
	}
	return nil
}

// AddLocalObject registers an object with its transitive references, for
// tests/demo driving the missing_reference path.
func (s *Store) AddLocalObject(payload []byte, refs ...idspace.ObjectId) idspace.ObjectId {
	id := idspace.HashObject(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = payload
	s.objectRefs[id] = refs
	return id
}

// ReferencesComplete reports whether every object transitively referenced
// by id is locally present — the condition pagecomm checks before serving
// an object to a peer (missing_reference, spec §4.6.3).
func (s *Store) ReferencesComplete(id idspace.ObjectId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[idspace.ObjectId]bool{}
	var walk func(idspace.ObjectId) bool
	walk = func(oid idspace.ObjectId) bool {
		if seen[oid] {
			return true
		}
		seen[oid] = true
		if _, ok := s.objects[oid]; !ok {
			return false
		}
		for _, ref := range s.objectRefs[oid] {
			if !walk(ref) {
				return false
			}
		}
		return true
	}
	return walk(id)
}

func (s *Store) MarkSyncedToPeer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedSyncedToPeer = true
	return nil
}

// MarkedSyncedToPeer reports whether MarkSyncedToPeer has ever been
// called, for test assertions.
func (s *Store) MarkedSyncedToPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markedSyncedToPeer
}

func (s *Store) RegisterCommitWatcher(cb CommitWatcherFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, cb)
}

// SyncClient is a trivial PageSyncClient adapter used to wire a
// PageCommunicator's delegate into tests without a storage engine that
// actually calls GetObject/GetDiff itself.
type SyncClient struct {
	mu       sync.Mutex
	delegate PageSyncDelegate
}

var _ PageSyncClient = (*SyncClient)(nil)

func (c *SyncClient) SetSyncDelegate(delegate PageSyncDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = delegate
}

func (c *SyncClient) Delegate() PageSyncDelegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}
