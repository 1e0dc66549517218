package pagecomm

import (
	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/wire"
)

// pendingDiffRequest tracks one outstanding attempt to fetch the raw
// commit bytes for a CommitId from a candidate peer, on behalf of
// storage's GetDiff call (spec §4.6.7). This layer does not compute
// diffs itself — that remains storage's job — it only makes the
// requested commit locally available; once admitted, storage can diff it
// against whichever base it chose on its own.
type pendingDiffRequest struct {
	commitId      idspace.CommitId
	possibleBases []idspace.CommitId
	// triedDevices is keyed by string(device); DeviceId's byte-slice
	// underlying type cannot be used as a map key directly.
	triedDevices map[string]bool
	waiters      []chan diffOutcome
	resolved     bool
}

type diffOutcome struct {
	status     pagestore.DiffFetchStatus
	payload    []byte
	generation uint64
	parents    []idspace.CommitId
}

// GetDiff implements pagestore.PageSyncDelegate.
func (pc *PageCommunicator) GetDiff(commitId idspace.CommitId, possibleBases []idspace.CommitId) (pagestore.DiffFetchStatus, idspace.CommitId, []pagestore.EntryChange) {
	ch := make(chan diffOutcome, 1)

	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return pagestore.DiffFetchUnavailable, "", nil
	}
	req, ok := pc.pendingDiffs[commitId]
	if !ok {
		req = &pendingDiffRequest{commitId: commitId, possibleBases: possibleBases, triedDevices: make(map[string]bool)}
		pc.pendingDiffs[commitId] = req
	}
	req.waiters = append(req.waiters, ch)
	pc.tryNextDiffCandidateLocked(req)
	pc.mu.Unlock()

	outcome := <-ch
	if outcome.status != pagestore.DiffFetchOK {
		return pagestore.DiffFetchUnavailable, "", nil
	}

	var base idspace.CommitId
	if len(possibleBases) > 0 {
		base = possibleBases[0]
	}
	err := pc.storage.AddCommitsFromSync([]pagestore.CommitIdAndBytes{
		{Id: commitId, Payload: outcome.payload, Generation: outcome.generation, Parents: outcome.parents},
	}, pagestore.ChangeSourceP2P)
	if err != nil {
		pc.log.Warn("failed to admit diff-fetched commit")
		return pagestore.DiffFetchUnavailable, "", nil
	}
	// Entries deliberately empty: deriving the actual diff against base
	// is storage's job once it holds both commits locally.
	return pagestore.DiffFetchOK, base, nil
}

func (pc *PageCommunicator) tryNextDiffCandidateLocked(req *pendingDiffRequest) {
	if req.resolved {
		return
	}
	for _, d := range pc.interest {
		if !req.triedDevices[string(d)] {
			req.triedDevices[string(d)] = true
			pc.send(d, wire.KindCommitRequest, &wire.CommitRequest{Ids: []idspace.CommitId{req.commitId}})
			return
		}
	}
	pc.resolveDiffLocked(req, diffOutcome{status: pagestore.DiffFetchUnavailable})
}

func (pc *PageCommunicator) resolveDiffLocked(req *pendingDiffRequest, outcome diffOutcome) {
	if req.resolved {
		return
	}
	req.resolved = true
	delete(pc.pendingDiffs, req.commitId)
	for _, w := range req.waiters {
		w <- outcome
	}
}

func (req *pendingDiffRequest) cancelLocked(outcome diffOutcome) {
	if req.resolved {
		return
	}
	req.resolved = true
	for _, w := range req.waiters {
		w <- outcome
	}
}
