package p2p

import (
	"encoding/binary"

	"github.com/vsrinivas/ledgersync/idspace"
	"github.com/vsrinivas/ledgersync/syncerr"
)

// handshake is the first envelope exchanged on a freshly opened
// device-to-device channel (spec §4.3, §6 Handshake in the glossary). It
// carries just enough to let each side decide whether to keep talking:
// the protocol version and the claimed user/device identity. Encoding
// deliberately does not reuse the wire package's Envelope framing — a
// handshake predates any namespace/page routing and lives one layer below
// it.
type handshake struct {
	version  uint8
	userId   idspace.UserId
	deviceId idspace.DeviceId
}

func encodeHandshake(h handshake) []byte {
	buf := make([]byte, 0, 16+len(h.userId)+len(h.deviceId))
	buf = append(buf, h.version)
	buf = appendLP(buf, h.userId)
	buf = appendLP(buf, h.deviceId)
	return buf
}

func decodeHandshake(b []byte) (handshake, error) {
	if len(b) < 1 {
		return handshake{}, syncerr.New(syncerr.Malformed, "handshake frame too short")
	}
	version := b[0]
	rest := b[1:]

	userId, rest, err := readLP(rest)
	if err != nil {
		return handshake{}, syncerr.Wrap(syncerr.Malformed, err, "handshake user id")
	}
	deviceId, rest, err := readLP(rest)
	if err != nil {
		return handshake{}, syncerr.Wrap(syncerr.Malformed, err, "handshake device id")
	}
	if len(rest) != 0 {
		return handshake{}, syncerr.New(syncerr.Malformed, "handshake frame has %d trailing bytes", len(rest))
	}
	return handshake{version: version, userId: idspace.UserId(userId), deviceId: idspace.DeviceId(deviceId)}, nil
}

const maxHandshakeFieldLen = 1 << 20

func appendLP(buf, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func readLP(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, syncerr.New(syncerr.Malformed, "length prefix truncated")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if n > maxHandshakeFieldLen {
		return nil, nil, syncerr.New(syncerr.Malformed, "field length %d exceeds bound", n)
	}
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, syncerr.New(syncerr.Malformed, "declared length %d exceeds remaining %d bytes", n, len(b))
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}
