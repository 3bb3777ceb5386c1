package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCausalDeliversInDependencyOrder(t *testing.T) {
	c := NewCausalLayer("c2")

	var delivered [][]byte
	c.SetDeliveryFun("default", func(target string, payload []byte) {
		delivered = append(delivered, payload)
	})

	dep1 := c.NextDependency("default") // c2's own first message, dep = {c2:1}
	_ = dep1

	m1Dep := VectorClock{"c1": 1}
	m2Dep := VectorClock{"c1": 2}

	// Deliver m2 first: it depends on c1's sequence 2, but nothing from
	// c1 has been received yet, so it must buffer.
	c.Deliver("default", "c1", m2Dep, "proc", []byte("m2"))
	require.Empty(t, delivered)

	// Deliver m1: satisfies m1's own dependency (sequence 1) and should
	// also unblock m2, which is now satisfied too.
	c.Deliver("default", "c1", m1Dep, "proc", []byte("m1"))

	require.Equal(t, [][]byte{[]byte("m1"), []byte("m2")}, delivered)
}

func TestCausalIndependentLabelsDoNotInterfere(t *testing.T) {
	c := NewCausalLayer("c2")

	var a, b []byte
	c.SetDeliveryFun("label-a", func(target string, payload []byte) { a = payload })
	c.SetDeliveryFun("label-b", func(target string, payload []byte) { b = payload })

	c.Deliver("label-a", "c1", VectorClock{"c1": 1}, "proc", []byte("a1"))
	c.Deliver("label-b", "c1", VectorClock{"c1": 1}, "proc", []byte("b1"))

	require.Equal(t, []byte("a1"), a)
	require.Equal(t, []byte("b1"), b)
}

func TestNextDependencyAdvancesSenderSequence(t *testing.T) {
	c := NewCausalLayer("c1")

	dep1 := c.NextDependency("default")
	dep2 := c.NextDependency("default")

	require.EqualValues(t, 1, dep1["c1"])
	require.EqualValues(t, 2, dep2["c1"])
}
