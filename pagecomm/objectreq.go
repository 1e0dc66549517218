package pagecomm

import (
	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/wire"
)

// pendingObjectRequest is the C8 registry entry for one ObjectId: every
// local call to GetObject for the same id collapses onto one of these,
// and a peer reply (or exhaustion of known candidates) resolves all of
// its waiters at once (spec §4.6.6, §4.8).
type pendingObjectRequest struct {
	id      idspace.ObjectId
	objType pagestore.RetrievedObjectType
	// triedDevices is keyed by string(device); DeviceId's byte-slice
	// underlying type cannot be used as a map key directly.
	triedDevices map[string]bool
	waiters      []chan objectOutcome
	resolved     bool
}

type objectOutcome struct {
	status   pagestore.ObjectFetchStatus
	source   pagestore.ChangeSource
	isSynced bool
	payload  []byte
}

// GetObject implements pagestore.PageSyncDelegate. It blocks the calling
// goroutine (storage's) until a peer answers, every known candidate is
// exhausted, or the page communicator is dropped.
func (pc *PageCommunicator) GetObject(id idspace.ObjectId, objType pagestore.RetrievedObjectType) (pagestore.ObjectFetchStatus, pagestore.ChangeSource, bool, []byte) {
	ch := make(chan objectOutcome, 1)

	pc.mu.Lock()
	if pc.state == stateDropped {
		pc.mu.Unlock()
		return pagestore.ObjectFetchCancelled, pagestore.ChangeSourceP2P, false, nil
	}
	req, ok := pc.pendingObjects[id]
	if !ok {
		req = &pendingObjectRequest{id: id, objType: objType, triedDevices: make(map[string]bool)}
		pc.pendingObjects[id] = req
	}
	req.waiters = append(req.waiters, ch)
	pc.tryNextCandidateLocked(req)
	pc.mu.Unlock()

	outcome := <-ch
	return outcome.status, outcome.source, outcome.isSynced, outcome.payload
}

// tryNextCandidateLocked picks any interest-table device req has not yet
// tried and sends it an ObjectRequest; if none remain, the request
// resolves "not found" (spec §4.6.6 step 3, §4.8). Caller must hold
// pc.mu.
func (pc *PageCommunicator) tryNextCandidateLocked(req *pendingObjectRequest) {
	if req.resolved {
		return
	}
	for _, d := range pc.interest {
		if !req.triedDevices[string(d)] {
			req.triedDevices[string(d)] = true
			pc.send(d, wire.KindObjectRequest, &wire.ObjectRequest{Id: req.id})
			return
		}
	}
	pc.resolveObjectLocked(req, objectOutcome{status: pagestore.ObjectFetchNotFound, source: pagestore.ChangeSourceP2P})
}

func (pc *PageCommunicator) resolveObjectLocked(req *pendingObjectRequest, outcome objectOutcome) {
	if req.resolved {
		return
	}
	req.resolved = true
	delete(pc.pendingObjects, req.id)
	for _, w := range req.waiters {
		w <- outcome
	}
	if pc.metrics != nil {
		pc.metrics.IncObjectRequestResolved(objectOutcomeLabel(outcome.status))
	}
}

// cancelLocked resolves req without touching pc.pendingObjects — used
// only from Drop, which has already detached the whole map in bulk.
func (req *pendingObjectRequest) cancelLocked(outcome objectOutcome) {
	if req.resolved {
		return
	}
	req.resolved = true
	for _, w := range req.waiters {
		w <- outcome
	}
}

func objectOutcomeLabel(s pagestore.ObjectFetchStatus) string {
	switch s {
	case pagestore.ObjectFetchOK:
		return "present"
	case pagestore.ObjectFetchNotFound:
		return "not_found"
	case pagestore.ObjectFetchCancelled:
		return "cancelled"
	default:
		return "internal_error"
	}
}
