package nodespec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeSpecEqual(t *testing.T) {
	a := NodeSpec{Name: "n1", Addrs: []string{"10.0.0.1:7000"}}
	b := NodeSpec{Name: "n1", Addrs: []string{"10.0.0.2:7000"}}
	c := NodeSpec{Name: "n2"}

	require.True(t, a.Equal(b), "specs with the same name must be equal regardless of addrs")
	require.False(t, a.Equal(c))
}

func TestRemoteRefRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		ref    RemoteRef
		format RemoteRefFormat
	}{
		{"pure node, improper list", RemoteRef{Node: "n1"}, ImproperList},
		{"registered name, improper list", RemoteRef{Node: "n1", Name: "store_proc"}, ImproperList},
		{"opaque token, improper list", RemoteRef{Node: "n1", Token: "pid-123"}, ImproperList},
		{"pure node, uri", RemoteRef{Node: "n1"}, URI},
		{"registered name, uri", RemoteRef{Node: "n1", Name: "store_proc"}, URI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.ref.Encode(tt.format)
			require.NoError(t, err)

			decoded, err := DecodeRemoteRef(encoded, tt.format)
			require.NoError(t, err)

			require.Equal(t, tt.ref.Node, decoded.Node)
			if tt.ref.Name != "" {
				require.Equal(t, tt.ref.Name, decoded.Name)
			}
		})
	}
}

func TestDefaultChannelsHasDefault(t *testing.T) {
	channels := DefaultChannels()
	ch, ok := channels[DefaultChannelName]
	require.True(t, ok)
	require.False(t, ch.Monotonic)
	require.Equal(t, 1, ch.Parallelism)
}
