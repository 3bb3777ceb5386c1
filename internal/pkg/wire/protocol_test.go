package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	fj := ForwardJoin{
		NewPeer: WireNode{Name: "n2", Addrs: []string{"10.0.0.2:7000"}},
		TTL:     6,
		Sender:  "n1",
	}

	body, err := Marshal(TagForwardJoin, fj)
	require.NoError(t, err)

	env, err := Unmarshal(body)
	require.NoError(t, err)
	require.Equal(t, TagForwardJoin, env.Tag)

	var decoded ForwardJoin
	require.NoError(t, UnmarshalPayload(env, &decoded))
	require.Equal(t, fj, decoded)
}

func TestUnmarshalBadFrame(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrBadFrame)
}
