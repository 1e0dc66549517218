package pagecomm

import (
	"time"

	"go.uber.org/zap"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/pagestore"
	"github.com/vsrinivas/ledgersync/wire"
)

// commitBatch is the C7 commit batch assembler: one in-flight admission
// attempt for the set of commits a single peer has pushed, keyed by
// source device (spec §4.7 — "at most one in-flight batch per source").
// Every method here assumes the owning PageCommunicator's mutex is held;
// it is not safe to call any of them without it.
type commitBatch struct {
	pc     *PageCommunicator
	source idspace.DeviceId

	commits map[idspace.CommitId]pagestore.CommitIdAndBytes
	missing map[idspace.CommitId]bool

	peerReady bool
	admitted  bool
	abandoned bool

	createdAt     time.Time
	requestRounds int
	timeoutTimer  *time.Timer
}

// newCommitBatch also arms the parent-wait watchdog (spec §4.7 edge
// cases), the same time.AfterFunc-driven pattern the teacher's
// device.Peer uses for its rekey timer: if the batch has not admitted or
// abandoned itself by BatchParentTimeout, it is abandoned from outside
// the call stack that created it.
func newCommitBatch(pc *PageCommunicator, source idspace.DeviceId) *commitBatch {
	b := &commitBatch{
		pc:        pc,
		source:    source,
		commits:   make(map[idspace.CommitId]pagestore.CommitIdAndBytes),
		missing:   make(map[idspace.CommitId]bool),
		createdAt: pc.now(),
	}
	if pc.opts.BatchParentTimeout > 0 {
		b.timeoutTimer = time.AfterFunc(pc.opts.BatchParentTimeout, func() {
			pc.mu.Lock()
			b.abandonLocked("parent wait timed out")
			pc.mu.Unlock()
		})
	}
	return b
}

// addLocked merges newly received commits into the batch, computes which
// parents are still unsatisfied (neither in local storage nor already in
// the batch), and requests the deduped missing set from the source peer.
func (b *commitBatch) addLocked(entries []wire.CommitAndBytes) {
	if b.abandoned || b.admitted {
		return
	}

	for _, e := range entries {
		if _, have := b.commits[e.Id]; have {
			continue
		}
		b.commits[e.Id] = pagestore.CommitIdAndBytes{
			Id: e.Id, Payload: e.Payload, Generation: e.Generation, Parents: e.Parents,
		}
		delete(b.missing, e.Id)
	}

	var toRequest []idspace.CommitId
	for _, cb := range b.commits {
		for _, p := range cb.Parents {
			if _, inBatch := b.commits[p]; inBatch {
				continue
			}
			if _, local := b.pc.storage.GetCommit(p); local {
				continue
			}
			if !b.missing[p] {
				b.missing[p] = true
				toRequest = append(toRequest, p)
			}
		}
	}

	if len(toRequest) > 0 {
		b.requestRounds++
		if b.requestRounds > b.pc.opts.BatchMaxOutstandingRequests {
			b.abandonLocked("exceeded max outstanding parent requests")
			return
		}
		b.pc.send(b.source, wire.KindCommitRequest, &wire.CommitRequest{Ids: toRequest})
	}

	if b.peerReady {
		b.tryAdmitLocked()
	}
}

// onCommitResponseLocked feeds CommitResponse entries the page
// communicator routed here (requested parents coming back). A `None`
// entry means the source peer does not have a commit this batch needs —
// it can never complete, so the whole batch is abandoned (spec §4.7 edge
// cases).
func (b *commitBatch) onCommitResponseLocked(results []wire.CommitResult) {
	if b.abandoned || b.admitted {
		return
	}
	for _, r := range results {
		if !r.Present {
			b.abandonLocked("peer does not have a requested parent")
			return
		}
	}
	entries := make([]wire.CommitAndBytes, len(results))
	for i, r := range results {
		entries[i] = wire.CommitAndBytes{Id: r.Id, Generation: r.Generation, Payload: r.Payload, Parents: r.Parents}
	}
	b.addLocked(entries)
}

// markPeerReadyLocked is called once the source device is confirmed
// present in the interest table — i.e. not a speculative, unauthenticated
// source (spec §4.7, §9 "two-phase peer readiness"). Admission is only
// attempted from this point on.
func (b *commitBatch) markPeerReadyLocked() {
	if b.peerReady {
		return
	}
	b.peerReady = true
	b.tryAdmitLocked()
}

// tryAdmitLocked admits the batch if it is peer-ready and every parent is
// satisfied, ordering commits by ascending generation as required.
func (b *commitBatch) tryAdmitLocked() {
	if b.admitted || b.abandoned || !b.peerReady || len(b.missing) > 0 || len(b.commits) == 0 {
		return
	}

	ordered := make([]pagestore.CommitIdAndBytes, 0, len(b.commits))
	for _, cb := range b.commits {
		ordered = append(ordered, cb)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].Generation > ordered[j].Generation; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}

	if err := b.pc.storage.AddCommitsFromSync(ordered, pagestore.ChangeSourceP2P); err != nil {
		b.pc.log.Warn("commit batch admission failed", zap.String("peer", b.source.String()), zap.Error(err))
		b.abandonLocked("storage error")
		return
	}
	b.admitted = true
	if b.timeoutTimer != nil {
		b.timeoutTimer.Stop()
	}
	delete(b.pc.batches, string(b.source))
	if b.pc.metrics != nil {
		b.pc.metrics.IncBatchAdmitted()
	}
}

// abandonLocked marks the batch dead and removes it from the owning page
// communicator. In-flight object fetches storage triggered while
// admitting will fail and retry against other peers on their own; this
// batch holds nothing else that needs unwinding.
func (b *commitBatch) abandonLocked(reason string) {
	if b.abandoned || b.admitted {
		return
	}
	b.abandoned = true
	if b.timeoutTimer != nil {
		b.timeoutTimer.Stop()
	}
	delete(b.pc.batches, string(b.source))
	b.pc.log.Debug("commit batch abandoned", zap.String("peer", b.source.String()), zap.String("reason", reason))
	if b.pc.metrics != nil {
		b.pc.metrics.IncBatchAbandoned(reason)
	}
}
