package partitionkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotIsStableAndInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		key := []byte{byte(i)}
		slot := Slot(key, 4)
		require.GreaterOrEqual(t, slot, 0)
		require.Less(t, slot, 4)

		// deterministic for the same key
		require.Equal(t, slot, Slot(key, 4))
	}
}

func TestSlotZeroParallelism(t *testing.T) {
	require.Equal(t, 0, Slot([]byte("k"), 0))
}

func TestHashStringMatchesHash(t *testing.T) {
	require.Equal(t, Hash([]byte("partition-key")), HashString("partition-key"))
}
