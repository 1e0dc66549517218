// Package pagecomm implements C6 (the page communicator protocol state
// machine), C7 (the commit batch assembler, batch.go) and C8 (the
// pending object request registry, objectreq.go) as cohabiting concerns
// in one package — the same way the teacher keeps peer.go,
// noise-protocol.go and cookie.go together in package device rather than
// splitting every struct out on its own.
//
// All mutable state — interest tables, not-interested sets, commit
// batches, pending object/diff requests — is guarded by one mutex per
// page communicator. This is a deliberate relaxation of the
// single-threaded executor the wider system mandates at the
// user-communicator boundary: storage calls into a page communicator's
// PageSyncDelegate methods (GetObject, GetDiff) arrive from whatever
// goroutine the storage engine runs on, concurrently with inbound
// message handling arriving from the user communicator's executor
// goroutine, so the two must be serialized with a real lock rather than
// by construction. See DESIGN.md.
package pagecomm

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/mesh"
	"github.com/vsrinivas/ledgersync/metrics"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/wire"
)

// SendFunc delivers one envelope body of the given kind to dest, scoped
// to this page communicator's namespace/page. Supplied by the owning
// namespace communicator.
type SendFunc func(dest idspace.DeviceId, kind wire.Kind, body wire.Body) bool

// ListDevicesFunc returns the mesh's current device snapshot, consulted
// only at Start to seed WatchStart to already-visible devices.
type ListDevicesFunc func() []idspace.DeviceId

type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateStarted
	stateDropped
)

// Options bounds the commit batch assembler's tolerance for a malformed
// or unresponsive peer (spec §4.7 edge cases: a batch is abandoned once
// it exceeds EITHER bound).
type Options struct {
	BatchMaxOutstandingRequests int
	BatchParentTimeout          time.Duration
}

// DefaultOptions mirrors config.Default()'s batch tunables so callers
// without a loaded config.Config still get sane bounds.
func DefaultOptions() Options {
	return Options{BatchMaxOutstandingRequests: 8, BatchParentTimeout: 30 * time.Second}
}

// PageCommunicator is the C6 protocol state machine for one local page.
// It also implements pagestore.PageSyncDelegate, the interface local
// storage calls into when it needs something from the network.
type PageCommunicator struct {
	log         *zap.Logger
	namespace   idspace.NamespaceId
	storage     pagestore.PageStorage
	send        SendFunc
	listDevices ListDevicesFunc
	metrics     *metrics.Registry
	opts        Options
	now         func() time.Time

	mu    sync.Mutex
	state lifecycleState
	// interest and notInterested are keyed by string(device) rather than
	// idspace.DeviceId directly: DeviceId is backed by a byte slice, and
	// Go forbids slice-keyed maps (only mesh.Transport/p2p.Provider's
	// string(device) convention below makes these usable as set/lookup
	// keys).
	interest       map[string]idspace.DeviceId
	notInterested  map[string]bool
	batches        map[string]*commitBatch
	pendingObjects map[idspace.ObjectId]*pendingObjectRequest
	pendingDiffs   map[idspace.CommitId]*pendingDiffRequest
	queuedCommits  []pagestore.Commit
	markedSynced   bool
}

var _ pagestore.PageSyncDelegate = (*PageCommunicator)(nil)

// New constructs a page communicator for storage's page, wiring itself
// in as storage's PageSyncDelegate via client. It does not process any
// traffic or register with storage until Start is called.
func New(namespace idspace.NamespaceId, storage pagestore.PageStorage, client pagestore.PageSyncClient, send SendFunc, listDevices ListDevicesFunc, reg *metrics.Registry, opts Options, log *zap.Logger) *PageCommunicator {
	if log == nil {
		log = zap.NewNop()
	}
	pc := &PageCommunicator{
		log:            log.With(zap.String("page", string(storage.Id()))),
		namespace:      namespace,
		storage:        storage,
		send:           send,
		listDevices:    listDevices,
		metrics:        reg,
		opts:           opts,
		now:            time.Now,
		interest:       make(map[string]idspace.DeviceId),
		notInterested:  make(map[string]bool),
		batches:        make(map[string]*commitBatch),
		pendingObjects: make(map[idspace.ObjectId]*pendingObjectRequest),
		pendingDiffs:   make(map[idspace.CommitId]*pendingDiffRequest),
	}
	client.SetSyncDelegate(pc)
	return pc
}

// Page returns the PageId this communicator serves.
func (pc *PageCommunicator) Page() idspace.PageId { return pc.storage.Id() }

// Interested reports whether device is currently in the interest table,
// for test assertions.
func (pc *PageCommunicator) Interested(device idspace.DeviceId) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	_, ok := pc.interest[string(device)]
	return ok
}

// InterestTable returns a snapshot of the current interest table, for
// test assertions and metrics reporting.
func (pc *PageCommunicator) InterestTable() []idspace.DeviceId {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]idspace.DeviceId, 0, len(pc.interest))
	for _, d := range pc.interest {
		out = append(out, d)
	}
	return out
}

// reportInterestTableSizeLocked pushes the current interest table size to
// the metrics registry (spec C10). Caller must hold pc.mu.
func (pc *PageCommunicator) reportInterestTableSizeLocked() {
	if pc.metrics != nil {
		pc.metrics.SetInterestTableSize(string(pc.namespace), string(pc.storage.Id()), len(pc.interest))
	}
}

// Start begins the page communicator's active life: registers as a
// commit watcher and advertises interest to every currently visible
// device not already known to lack this page. Idempotent-by-first-call
// (spec §4.6.1).
func (pc *PageCommunicator) Start() {
	pc.mu.Lock()
	if pc.state != stateCreated {
		pc.mu.Unlock()
		return
	}
	pc.state = stateStarted
	pc.mu.Unlock()

	pc.storage.RegisterCommitWatcher(pc.onLocalCommits)

	for _, d := range pc.listDevices() {
		pc.mu.Lock()
		skip := pc.notInterested[string(d)]
		pc.mu.Unlock()
		if !skip {
			pc.send(d, wire.KindWatchStart, &wire.WatchStart{})
		}
	}
}

// Drop tears the page communicator down: broadcasts WatchStop to the
// current interest table, abandons in-progress commit batches, and
// cancels every pending object/diff request. Safe to call from created
// or started state; idempotent.
func (pc *PageCommunicator) Drop() {
	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return
	}
	wasStarted := pc.state == stateStarted
	pc.state = stateDropped

	peers := make([]idspace.DeviceId, 0, len(pc.interest))
	for _, d := range pc.interest {
		peers = append(peers, d)
	}
	pc.interest = make(map[string]idspace.DeviceId)
	pc.reportInterestTableSizeLocked()

	batches := pc.batches
	pc.batches = make(map[string]*commitBatch)
	for _, b := range batches {
		b.abandonLocked("page dropped")
	}

	objReqs := pc.pendingObjects
	pc.pendingObjects = make(map[idspace.ObjectId]*pendingObjectRequest)
	for _, req := range objReqs {
		req.cancelLocked(objectOutcome{status: pagestore.ObjectFetchCancelled})
	}

	diffReqs := pc.pendingDiffs
	pc.pendingDiffs = make(map[idspace.CommitId]*pendingDiffRequest)
	for _, req := range diffReqs {
		req.cancelLocked(diffOutcome{status: pagestore.DiffFetchUnavailable})
	}
	pc.mu.Unlock()

	if wasStarted {
		for _, d := range peers {
			pc.send(d, wire.KindWatchStop, &wire.WatchStop{})
		}
	}
}

// OnDeviceChange handles a device arrival or departure forwarded by the
// namespace communicator (spec §4.6.2).
func (pc *PageCommunicator) OnDeviceChange(device idspace.DeviceId, change mesh.ChangeType) {
	if change == mesh.DeviceNew {
		pc.onDeviceNew(device)
		return
	}
	pc.onDeviceGone(device)
}

func (pc *PageCommunicator) onDeviceNew(device idspace.DeviceId) {
	pc.mu.Lock()
	if pc.state != stateStarted {
		pc.mu.Unlock()
		return
	}
	skip := pc.notInterested[string(device)]
	pc.mu.Unlock()
	if !skip {
		pc.send(device, wire.KindWatchStart, &wire.WatchStart{})
	}
}

func (pc *PageCommunicator) onDeviceGone(device idspace.DeviceId) {
	pc.mu.Lock()
	delete(pc.interest, string(device))
	delete(pc.notInterested, string(device))
	pc.reportInterestTableSizeLocked()

	if b, ok := pc.batches[string(device)]; ok {
		b.abandonLocked("peer gone")
	}

	for _, req := range pc.pendingObjects {
		if req.triedDevices[string(device)] {
			pc.tryNextCandidateLocked(req)
		}
	}
	for _, req := range pc.pendingDiffs {
		if req.triedDevices[string(device)] {
			pc.tryNextDiffCandidateLocked(req)
		}
	}
	pc.mu.Unlock()
}

// OnIncoming routes one decoded envelope body from device (spec §4.6.3,
// §4.6.4). The envelope's Namespace/Page have already done their job of
// routing it here; only Kind/Body matter now.
func (pc *PageCommunicator) OnIncoming(device idspace.DeviceId, env wire.Envelope) {
	switch body := env.Body.(type) {
	case *wire.WatchStart:
		pc.handleWatchStart(device)
	case *wire.WatchStop:
		pc.handleWatchStop(device)
	case *wire.CommitRequest:
		pc.handleCommitRequest(device, body)
	case *wire.ObjectRequest:
		pc.handleObjectRequestInbound(device, body)
	case *wire.WatchStartAck:
		pc.handleWatchStartAck(device, body)
	case *wire.Commits:
		pc.handleCommits(device, body)
	case *wire.CommitResponse:
		pc.handleCommitResponse(device, body)
	case *wire.ObjectResponse:
		pc.handleObjectResponse(device, body)
	default:
		pc.log.Warn("unhandled envelope body type")
	}
}

// handleWatchStart answers a peer's declared interest in this page.
// Because a PageCommunicator only ever exists for a page the local
// application has explicitly asked to host (spec §4.5: creation is
// driven from above, never from inbound traffic), the page is always
// present from this point on — the has_page=false path lives one layer
// up, in nscomm, for pages with no PageCommunicator at all.
func (pc *PageCommunicator) handleWatchStart(device idspace.DeviceId) {
	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return
	}
	pc.interest[string(device)] = device
	delete(pc.notInterested, string(device))
	pc.reportInterestTableSizeLocked()

	heads := pc.storage.GetHeadCommits()
	var fastCatchup *wire.Commits
	if len(heads) == 1 {
		h := heads[0]
		fastCatchup = &wire.Commits{Commits: []wire.CommitAndBytes{
			{Id: h.Id, Generation: h.Generation, Payload: h.Payload, Parents: h.Parents},
		}}
	}
	pc.mu.Unlock()

	pc.send(device, wire.KindWatchStartAck, &wire.WatchStartAck{HasPage: true})
	if fastCatchup != nil {
		pc.send(device, wire.KindCommits, fastCatchup)
		pc.maybeMarkSyncedToPeer()
	}
}

func (pc *PageCommunicator) handleWatchStop(device idspace.DeviceId) {
	pc.mu.Lock()
	delete(pc.interest, string(device))
	pc.reportInterestTableSizeLocked()
	pc.mu.Unlock()
}

func (pc *PageCommunicator) handleWatchStartAck(device idspace.DeviceId, ack *wire.WatchStartAck) {
	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return
	}
	if ack.HasPage {
		pc.interest[string(device)] = device
		delete(pc.notInterested, string(device))
		pc.reportInterestTableSizeLocked()
		for _, req := range pc.pendingObjects {
			if !req.triedDevices[string(device)] {
				pc.tryNextCandidateLocked(req)
			}
		}
		for _, req := range pc.pendingDiffs {
			if !req.triedDevices[string(device)] {
				pc.tryNextDiffCandidateLocked(req)
			}
		}
	} else {
		pc.notInterested[string(device)] = true
		delete(pc.interest, string(device))
		pc.reportInterestTableSizeLocked()
	}
	pc.mu.Unlock()
}

func (pc *PageCommunicator) handleCommitRequest(device idspace.DeviceId, req *wire.CommitRequest) {
	pc.mu.Lock()
	dropped := pc.state == stateDropped
	pc.mu.Unlock()
	if dropped {
		return
	}
	results := make([]wire.CommitResult, 0, len(req.Ids))
	for _, id := range req.Ids {
		if c, ok := pc.storage.GetCommit(id); ok {
			results = append(results, wire.CommitResult{Id: id, Present: true, Generation: c.Generation, Payload: c.Payload, Parents: c.Parents})
		} else {
			results = append(results, wire.CommitResult{Id: id, Present: false})
		}
	}
	pc.send(device, wire.KindCommitResponse, &wire.CommitResponse{Results: results})
}

func (pc *PageCommunicator) handleObjectRequestInbound(device idspace.DeviceId, req *wire.ObjectRequest) {
	payload, isSynced, ok := pc.storage.GetPiece(req.Id)
	if !ok {
		pc.send(device, wire.KindObjectResponse, &wire.ObjectResponse{Id: req.Id, Status: wire.ObjectNotFound})
		return
	}
	if !pc.storage.ReferencesComplete(req.Id) {
		pc.send(device, wire.KindObjectResponse, &wire.ObjectResponse{Id: req.Id, Status: wire.ObjectMissingReference})
		return
	}
	pc.send(device, wire.KindObjectResponse, &wire.ObjectResponse{
		Id: req.Id, Status: wire.ObjectPresent, IsSynced: isSynced, Payload: payload,
	})
}

func (pc *PageCommunicator) handleCommits(device idspace.DeviceId, msg *wire.Commits) {
	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return
	}
	b, ok := pc.batches[string(device)]
	if !ok {
		b = newCommitBatch(pc, device)
		pc.batches[string(device)] = b
	}
	b.addLocked(msg.Commits)
	if _, ok := pc.interest[string(device)]; ok {
		b.markPeerReadyLocked()
	}
	pc.mu.Unlock()
}

func (pc *PageCommunicator) handleCommitResponse(device idspace.DeviceId, resp *wire.CommitResponse) {
	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return
	}
	var batchResults []wire.CommitResult
	for _, res := range resp.Results {
		if dreq, ok := pc.pendingDiffs[res.Id]; ok {
			if res.Present {
				pc.resolveDiffLocked(dreq, diffOutcome{status: pagestore.DiffFetchOK, payload: res.Payload, generation: res.Generation, parents: res.Parents})
			} else {
				pc.resolveDiffLocked(dreq, diffOutcome{status: pagestore.DiffFetchUnavailable})
			}
			continue
		}
		batchResults = append(batchResults, res)
	}
	if len(batchResults) > 0 {
		if b, ok := pc.batches[string(device)]; ok {
			b.onCommitResponseLocked(batchResults)
		}
	}
	pc.mu.Unlock()
}

func (pc *PageCommunicator) handleObjectResponse(device idspace.DeviceId, resp *wire.ObjectResponse) {
	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return
	}
	req, ok := pc.pendingObjects[resp.Id]
	if !ok || !req.triedDevices[string(device)] {
		pc.mu.Unlock()
		return
	}
	switch resp.Status {
	case wire.ObjectPresent:
		pc.resolveObjectLocked(req, objectOutcome{status: pagestore.ObjectFetchOK, source: pagestore.ChangeSourceP2P, isSynced: resp.IsSynced, payload: resp.Payload})
	default: // not_found, missing_reference: this peer can't help, try another
		pc.tryNextCandidateLocked(req)
	}
	pc.mu.Unlock()

	if resp.Status == wire.ObjectPresent {
		if err := pc.storage.AddObjectFromSync(resp.Id, resp.Payload, resp.IsSynced); err != nil {
			pc.log.Warn("failed to admit synced object", zap.Error(err))
		}
	}
}

// onLocalCommits is the commit-watcher callback (spec §4.6.5). Local
// commits are queued and broadcast once the page is singly-headed again
// — uploading while a merge is in flight would push commits that are
// about to become obsolete.
func (pc *PageCommunicator) onLocalCommits(commits []pagestore.Commit, source pagestore.ChangeSource) {
	if source != pagestore.ChangeSourceLocal {
		return
	}
	pc.mu.Lock()
	if pc.state != stateStarted {
		pc.mu.Unlock()
		return
	}
	pc.queuedCommits = append(pc.queuedCommits, commits...)

	if len(pc.storage.GetHeadCommits()) != 1 {
		pc.mu.Unlock()
		return
	}

	toSend := pc.queuedCommits
	pc.queuedCommits = nil
	peers := make([]idspace.DeviceId, 0, len(pc.interest))
	for _, d := range pc.interest {
		peers = append(peers, d)
	}
	pc.mu.Unlock()

	if len(toSend) == 0 || len(peers) == 0 {
		return
	}

	body := &wire.Commits{Commits: make([]wire.CommitAndBytes, len(toSend))}
	for i, c := range toSend {
		body.Commits[i] = wire.CommitAndBytes{Id: c.Id, Generation: c.Generation, Payload: c.Payload, Parents: c.Parents}
	}
	for _, d := range peers {
		pc.send(d, wire.KindCommits, body)
	}
	pc.maybeMarkSyncedToPeer()
}

// maybeMarkSyncedToPeer implements the §4.6.8 optimization: the first
// time this page is known to be fully represented on some peer — either
// we just answered a WatchStart with a fast-catch-up push, or we just
// broadcast an upload to at least one interested peer — storage is told
// once, and only once, for the lifetime of this page communicator.
func (pc *PageCommunicator) maybeMarkSyncedToPeer() {
	pc.mu.Lock()
	if pc.markedSynced {
		pc.mu.Unlock()
		return
	}
	pc.markedSynced = true
	pc.mu.Unlock()

	if err := pc.storage.MarkSyncedToPeer(); err != nil {
		pc.log.Warn("mark_synced_to_peer failed", zap.Error(err))
	}
}
