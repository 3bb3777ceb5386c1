package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateDefaultsToPass(t *testing.T) {
	tbl := NewInterpositionTable()
	result := tbl.Evaluate(TagForwardMessage, "c2", []byte("hi"))
	require.Equal(t, Pass, result.Action)
	require.Equal(t, []byte("hi"), result.Payload)
}

func TestAddInterpositionFunDrop(t *testing.T) {
	tbl := NewInterpositionTable()
	tbl.AddInterpositionFun("c2", TagForwardMessage, func(tag, peer string, payload []byte) FilterResult {
		return FilterResult{Action: Drop}
	})

	result := tbl.Evaluate(TagForwardMessage, "c2", []byte("hi"))
	require.Equal(t, Drop, result.Action)

	// receive_message for the same peer is unaffected.
	result = tbl.Evaluate(TagReceiveMessage, "c2", []byte("hi"))
	require.Equal(t, Pass, result.Action)
}

func TestRemoveInterpositionFun(t *testing.T) {
	tbl := NewInterpositionTable()
	tbl.AddInterpositionFun("c2", TagForwardMessage, func(tag, peer string, payload []byte) FilterResult {
		return FilterResult{Action: Drop}
	})
	tbl.RemoveInterpositionFun("c2")

	result := tbl.Evaluate(TagForwardMessage, "c2", []byte("hi"))
	require.Equal(t, Pass, result.Action)
}

func TestSubstituteReplacesPayload(t *testing.T) {
	tbl := NewInterpositionTable()
	tbl.AddInterpositionFun("c2", TagForwardMessage, func(tag, peer string, payload []byte) FilterResult {
		return FilterResult{Action: Substitute, Payload: []byte("replaced")}
	})

	result := tbl.Evaluate(TagForwardMessage, "c2", []byte("original"))
	require.Equal(t, Substitute, result.Action)
	require.Equal(t, []byte("replaced"), result.Payload)
}
