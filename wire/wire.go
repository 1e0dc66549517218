// Package wire implements the C1 message codec: the framed envelope
// exchanged between page communicators. Encoding is deterministic;
// decoding treats the input as hostile — every length field is checked
// against the remaining buffer before a single byte is read, and no
// returned value ever aliases the input slice, so the caller (usercomm)
// is free to drop its read buffer the moment Decode returns.
//
// The wire format is a hand-rolled, length-prefixed binary encoding
// rather than a schema compiler (protobuf/flatbuffers): decoding is a
// hard trust boundary here exactly the way a handshake or cookie message
// is for the teacher, and the teacher parses those by hand with
// encoding/binary instead of going through a generated parser. See
// DESIGN.md for the justification of this standard-library choice.
package wire

import (
	"encoding/binary"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/syncerr"
)

// ProtocolVersion is the envelope version this codec writes and accepts;
// Decode rejects a frame carrying any other version with a UserMismatch
// error (spec §6, Versioning). The p2p handshake is encoded separately and
// carries the version the provider was configured with.
const ProtocolVersion uint8 = 1

const maxFrameLen = 64 << 20 // 64MiB: generous but bounds runaway allocations.

// Kind discriminates the payload carried by an Envelope.
type Kind uint8

const (
	KindWatchStart Kind = iota
	KindWatchStop
	KindCommitRequest
	KindObjectRequest
	KindWatchStartAck
	KindCommits
	KindCommitResponse
	KindObjectResponse
)

// Envelope is the full framed message: namespace/page routing info plus a
// discriminated body. The user and namespace communicators only need
// Namespace/Page to demultiplex; they never need to interpret Body.
type Envelope struct {
	Namespace idspace.NamespaceId
	Page      idspace.PageId
	Kind      Kind
	Body      Body
}

// Body is implemented by every payload variant below.
type Body interface {
	encode(buf *[]byte)
	decode(b []byte) (rest []byte, err error)
}

// --- request bodies ---

type WatchStart struct{}
type WatchStop struct{}

type CommitRequest struct {
	Ids []idspace.CommitId
}

type ObjectRequest struct {
	Id idspace.ObjectId
}

// --- response bodies ---

type WatchStartAck struct {
	HasPage bool
}

// CommitAndBytes is one entry of a Commits broadcast: the sender
// guarantees every entry actually exists locally. Parents travel with the
// commit so the receiving batch assembler (pagecomm's C7) can compute its
// missing-parent set without a separate round trip.
type CommitAndBytes struct {
	Id         idspace.CommitId
	Generation uint64
	Payload    []byte
	Parents    []idspace.CommitId
}

type Commits struct {
	Commits []CommitAndBytes
}

// CommitResult is one entry of a CommitResponse: Present is false when the
// responder does not have that commit. Parents are only meaningful when
// Present is true.
type CommitResult struct {
	Id         idspace.CommitId
	Present    bool
	Generation uint64
	Payload    []byte
	Parents    []idspace.CommitId
}

type CommitResponse struct {
	Results []CommitResult
}

// ObjectStatus enumerates the three ways an object fetch can resolve.
type ObjectStatus uint8

const (
	ObjectPresent ObjectStatus = iota
	ObjectNotFound
	ObjectMissingReference
)

// ObjectResponse answers an ObjectRequest. Id echoes back the object that
// was requested, so a page communicator with several in-flight requests
// against the same peer can tell which pending request a reply resolves.
type ObjectResponse struct {
	Id       idspace.ObjectId
	Status   ObjectStatus
	IsSynced bool
	Payload  []byte
}

// Encode serializes an Envelope deterministically.
func Encode(e Envelope) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, ProtocolVersion, byte(e.Kind))
	buf = appendLenPrefixed(buf, []byte(e.Namespace))
	buf = appendLenPrefixed(buf, []byte(e.Page))
	e.Body.encode(&buf)
	return buf
}

// Decode parses a raw datagram into an Envelope. It never returns a Body
// that retains a reference into b; every field is copied.
func Decode(b []byte) (Envelope, error) {
	if len(b) < 2 {
		return Envelope{}, syncerr.New(syncerr.Malformed, "frame too short: %d bytes", len(b))
	}
	version, kind := b[0], Kind(b[1])
	if version != ProtocolVersion {
		return Envelope{}, syncerr.New(syncerr.UserMismatch, "unsupported protocol version %d", version)
	}
	rest := b[2:]

	ns, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Envelope{}, syncerr.Wrap(syncerr.Malformed, err, "namespace field")
	}
	pg, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Envelope{}, syncerr.Wrap(syncerr.Malformed, err, "page field")
	}

	body, err := newBody(kind)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := body.decode(rest); err != nil {
		return Envelope{}, syncerr.Wrap(syncerr.Malformed, err, "body for kind %d", kind)
	}

	return Envelope{
		Namespace: idspace.NamespaceId(ns),
		Page:      idspace.PageId(pg),
		Kind:      kind,
		Body:      body,
	}, nil
}

func newBody(k Kind) (Body, error) {
	switch k {
	case KindWatchStart:
		return &WatchStart{}, nil
	case KindWatchStop:
		return &WatchStop{}, nil
	case KindCommitRequest:
		return &CommitRequest{}, nil
	case KindObjectRequest:
		return &ObjectRequest{}, nil
	case KindWatchStartAck:
		return &WatchStartAck{}, nil
	case KindCommits:
		return &Commits{}, nil
	case KindCommitResponse:
		return &CommitResponse{}, nil
	case KindObjectResponse:
		return &ObjectResponse{}, nil
	default:
		return nil, syncerr.New(syncerr.Malformed, "unknown message kind %d", k)
	}
}

// --- framing helpers ---

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	buf = append(buf, data...)
	return buf
}

func readLenPrefixed(b []byte) (data []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, syncerr.New(syncerr.Malformed, "length prefix truncated")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if n > maxFrameLen {
		return nil, nil, syncerr.New(syncerr.Malformed, "length %d exceeds max frame size", n)
	}
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, syncerr.New(syncerr.Malformed, "declared length %d exceeds remaining %d bytes", n, len(b))
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, syncerr.New(syncerr.Malformed, "uint64 field truncated")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

// --- body encode/decode implementations ---

func (*WatchStart) encode(buf *[]byte) {}
func (*WatchStart) decode(b []byte) ([]byte, error) { return b, nil }

func (*WatchStop) encode(buf *[]byte) {}
func (*WatchStop) decode(b []byte) ([]byte, error) { return b, nil }

func (r *CommitRequest) encode(buf *[]byte) {
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(r.Ids)))
	*buf = append(*buf, cnt[:]...)
	for _, id := range r.Ids {
		*buf = appendLenPrefixed(*buf, []byte(id))
	}
}

func (r *CommitRequest) decode(b []byte) ([]byte, error) {
	count, rest, err := readCount(b)
	if err != nil {
		return nil, err
	}
	ids := make([]idspace.CommitId, 0, count)
	for i := uint32(0); i < count; i++ {
		var idb []byte
		idb, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		ids = append(ids, idspace.CommitId(idb))
	}
	r.Ids = ids
	return rest, nil
}

func (r *ObjectRequest) encode(buf *[]byte) {
	*buf = appendLenPrefixed(*buf, []byte(r.Id))
}

func (r *ObjectRequest) decode(b []byte) ([]byte, error) {
	idb, rest, err := readLenPrefixed(b)
	if err != nil {
		return nil, err
	}
	r.Id = idspace.ObjectId(idb)
	return rest, nil
}

func (a *WatchStartAck) encode(buf *[]byte) {
	var v byte
	if a.HasPage {
		v = 1
	}
	*buf = append(*buf, v)
}

func (a *WatchStartAck) decode(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, syncerr.New(syncerr.Malformed, "watch_start_ack truncated")
	}
	a.HasPage = b[0] != 0
	return b[1:], nil
}

func (c *Commits) encode(buf *[]byte) {
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(c.Commits)))
	*buf = append(*buf, cnt[:]...)
	for _, cb := range c.Commits {
		*buf = appendLenPrefixed(*buf, []byte(cb.Id))
		*buf = appendUint64(*buf, cb.Generation)
		*buf = appendLenPrefixed(*buf, cb.Payload)
		*buf = appendCommitIdList(*buf, cb.Parents)
	}
}

func (c *Commits) decode(b []byte) ([]byte, error) {
	count, rest, err := readCount(b)
	if err != nil {
		return nil, err
	}
	out := make([]CommitAndBytes, 0, count)
	for i := uint32(0); i < count; i++ {
		var id, payload []byte
		var gen uint64
		var parents []idspace.CommitId
		if id, rest, err = readLenPrefixed(rest); err != nil {
			return nil, err
		}
		if gen, rest, err = readUint64(rest); err != nil {
			return nil, err
		}
		if payload, rest, err = readLenPrefixed(rest); err != nil {
			return nil, err
		}
		if parents, rest, err = readCommitIdList(rest); err != nil {
			return nil, err
		}
		out = append(out, CommitAndBytes{Id: idspace.CommitId(id), Generation: gen, Payload: payload, Parents: parents})
	}
	c.Commits = out
	return rest, nil
}

func appendCommitIdList(buf []byte, ids []idspace.CommitId) []byte {
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(ids)))
	buf = append(buf, cnt[:]...)
	for _, id := range ids {
		buf = appendLenPrefixed(buf, []byte(id))
	}
	return buf
}

func readCommitIdList(b []byte) ([]idspace.CommitId, []byte, error) {
	count, rest, err := readCount(b)
	if err != nil {
		return nil, nil, err
	}
	out := make([]idspace.CommitId, 0, count)
	for i := uint32(0); i < count; i++ {
		var idb []byte
		if idb, rest, err = readLenPrefixed(rest); err != nil {
			return nil, nil, err
		}
		out = append(out, idspace.CommitId(idb))
	}
	return out, rest, nil
}

func (r *CommitResponse) encode(buf *[]byte) {
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(r.Results)))
	*buf = append(*buf, cnt[:]...)
	for _, res := range r.Results {
		*buf = appendLenPrefixed(*buf, []byte(res.Id))
		var present byte
		if res.Present {
			present = 1
		}
		*buf = append(*buf, present)
		if res.Present {
			*buf = appendUint64(*buf, res.Generation)
			*buf = appendLenPrefixed(*buf, res.Payload)
			*buf = appendCommitIdList(*buf, res.Parents)
		}
	}
}

func (r *CommitResponse) decode(b []byte) ([]byte, error) {
	count, rest, err := readCount(b)
	if err != nil {
		return nil, err
	}
	out := make([]CommitResult, 0, count)
	for i := uint32(0); i < count; i++ {
		var id []byte
		if id, rest, err = readLenPrefixed(rest); err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, syncerr.New(syncerr.Malformed, "commit_response entry truncated")
		}
		present := rest[0] != 0
		rest = rest[1:]
		res := CommitResult{Id: idspace.CommitId(id), Present: present}
		if present {
			if res.Generation, rest, err = readUint64(rest); err != nil {
				return nil, err
			}
			if res.Payload, rest, err = readLenPrefixed(rest); err != nil {
				return nil, err
			}
			if res.Parents, rest, err = readCommitIdList(rest); err != nil {
				return nil, err
			}
		}
		out = append(out, res)
	}
	r.Results = out
	return rest, nil
}

func (r *ObjectResponse) encode(buf *[]byte) {
	*buf = appendLenPrefixed(*buf, []byte(r.Id))
	*buf = append(*buf, byte(r.Status))
	if r.Status == ObjectPresent {
		var synced byte
		if r.IsSynced {
			synced = 1
		}
		*buf = append(*buf, synced)
		*buf = appendLenPrefixed(*buf, r.Payload)
	}
}

func (r *ObjectResponse) decode(b []byte) ([]byte, error) {
	idb, rest, err := readLenPrefixed(b)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Malformed, err, "object_response id")
	}
	r.Id = idspace.ObjectId(idb)
	if len(rest) < 1 {
		return nil, syncerr.New(syncerr.Malformed, "object_response truncated")
	}
	r.Status = ObjectStatus(rest[0])
	rest = rest[1:]
	if r.Status == ObjectPresent {
		if len(rest) < 1 {
			return nil, syncerr.New(syncerr.Malformed, "object_response synced flag truncated")
		}
		r.IsSynced = rest[0] != 0
		rest = rest[1:]
		payload, r2, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		r.Payload = payload
		rest = r2
	}
	return rest, nil
}

func readCount(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, syncerr.New(syncerr.Malformed, "count field truncated")
	}
	n := binary.BigEndian.Uint32(b[:4])
	// Every entry occupies at least one byte, so a count larger than the
	// remaining buffer cannot be valid; rejecting it bounds the allocation
	// the caller sizes from it.
	if uint64(n) > uint64(len(b)-4) {
		return 0, nil, syncerr.New(syncerr.Malformed, "count %d exceeds remaining %d bytes", n, len(b)-4)
	}
	return n, b[4:], nil
}
