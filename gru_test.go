package condmm

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestGRUOutput(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	g := NewGRU(c, 3, 5)

	in := randQuery(c, 2, 3)
	state := randQuery(c, 2, 5)
	out := g.Apply(in, state, 2)
	if out.Output().Len() != 10 {
		t.Fatalf("bad output size: %d", out.Output().Len())
	}

	// With a zero update gate bias and random weights, the
	// new state must remain in the tanh-convex hull of the
	// candidate and the old state.
	outData := vecData(out.Output())
	stateData := vecData(state.Output())
	for i, x := range outData {
		lo := math.Min(-1, stateData[i])
		hi := math.Max(1, stateData[i])
		if x < lo-1e-9 || x > hi+1e-9 {
			t.Errorf("entry %d: %v outside [%v, %v]", i, x, lo, hi)
		}
	}
}

func TestGRUGradient(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	g := NewGRU(c, 3, 4)

	in := randQuery(c, 2, 3)
	state := randQuery(c, 2, 4)
	vars := append([]*anydiff.Var{in, state}, g.Parameters()...)
	checkGradient(t, vars, func() anydiff.Res {
		return rowSums(g.Apply(in, state, 2), 1, 8)
	})
}

func TestGRUSerialize(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	g := NewGRU(c, 3, 4)

	data, err := serializer.SerializeAny(g)
	if err != nil {
		t.Fatal(err)
	}
	var g2 *GRU
	if err := serializer.DeserializeAny(data, &g2); err != nil {
		t.Fatal(err)
	}

	in := randQuery(c, 2, 3)
	state := randQuery(c, 2, 4)
	diff := g.Apply(in, state, 2).Output().Copy()
	diff.Sub(g2.Apply(in, state, 2).Output())
	if anyvec.AbsMax(diff).(float64) > 1e-12 {
		t.Error("outputs differ after round trip")
	}
}
