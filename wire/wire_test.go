package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/ledgersync/idspace"
)

func roundTrip(t *testing.T, e Envelope) {
	t.Helper()
	encoded := Encode(e)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, encoded, Encode(decoded))
}

func TestRoundTrip_AllVariants(t *testing.T) {
	cases := []Envelope{
		{Namespace: "ns", Page: "p1", Kind: KindWatchStart, Body: &WatchStart{}},
		{Namespace: "ns", Page: "p1", Kind: KindWatchStop, Body: &WatchStop{}},
		{Namespace: "ns", Page: "p1", Kind: KindCommitRequest, Body: &CommitRequest{
			Ids: []idspace.CommitId{"c1", "c2"},
		}},
		{Namespace: "ns", Page: "p1", Kind: KindObjectRequest, Body: &ObjectRequest{Id: "o1"}},
		{Namespace: "ns", Page: "p1", Kind: KindWatchStartAck, Body: &WatchStartAck{HasPage: true}},
		{Namespace: "ns", Page: "p1", Kind: KindWatchStartAck, Body: &WatchStartAck{HasPage: false}},
		{Namespace: "ns", Page: "p1", Kind: KindCommits, Body: &Commits{
			Commits: []CommitAndBytes{{Id: "c1", Generation: 3, Payload: []byte("hello"), Parents: []idspace.CommitId{"c0"}}},
		}},
		{Namespace: "ns", Page: "p1", Kind: KindCommitResponse, Body: &CommitResponse{
			Results: []CommitResult{
				{Id: "c1", Present: true, Generation: 1, Payload: []byte("x"), Parents: []idspace.CommitId{"c0"}},
				{Id: "c2", Present: false},
			},
		}},
		{Namespace: "ns", Page: "p1", Kind: KindObjectResponse, Body: &ObjectResponse{
			Id: "o1", Status: ObjectPresent, IsSynced: true, Payload: []byte("blob"),
		}},
		{Namespace: "ns", Page: "p1", Kind: KindObjectResponse, Body: &ObjectResponse{Id: "o1", Status: ObjectNotFound}},
		{Namespace: "ns", Page: "p1", Kind: KindObjectResponse, Body: &ObjectResponse{Id: "o1", Status: ObjectMissingReference}},
	}
	for _, c := range cases {
		roundTrip(t, c)
	}
}

func TestDecode_RejectsTruncatedFrames(t *testing.T) {
	good := Encode(Envelope{Namespace: "ns", Page: "p1", Kind: KindObjectRequest, Body: &ObjectRequest{Id: "o1"}})
	for n := 0; n < len(good); n++ {
		_, err := Decode(good[:n])
		require.Error(t, err, "truncating to %d bytes should fail to decode", n)
	}
}

func TestDecode_RejectsBadVersion(t *testing.T) {
	good := Encode(Envelope{Namespace: "ns", Page: "p1", Kind: KindWatchStart, Body: &WatchStart{}})
	bad := append([]byte{}, good...)
	bad[0] = 0xFF
	_, err := Decode(bad)
	require.Error(t, err)
}

func TestDecode_RejectsOversizedLengthPrefix(t *testing.T) {
	good := Encode(Envelope{Namespace: "ns", Page: "p1", Kind: KindObjectRequest, Body: &ObjectRequest{Id: "o1"}})
	// Corrupt the namespace length prefix (bytes 2..6) to claim a huge size.
	bad := append([]byte{}, good...)
	bad[2], bad[3], bad[4], bad[5] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err := Decode(bad)
	require.Error(t, err)
}
