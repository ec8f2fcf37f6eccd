package condmm

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

func testOptions() Options {
	return Options{
		InputSize:  6,
		HiddenSize: 4,
		CtxSizes:   map[string]int{"txt": 5, "img": 3},
		VocabSize:  10,
		DecInit:    "mean_ctx",
	}
}

func testDecoder(t *testing.T, c anyvec.Creator, opts Options) *Decoder {
	dec, err := New(c, opts)
	if err != nil {
		t.Fatal(err)
	}
	return dec
}

// testContexts produces a two-modality context map with
// some padded positions in the textual stream.
func testContexts(c anyvec.Creator, batch int) ContextMap {
	txtPresent := fullPresent(3, batch)
	if batch > 1 {
		// Make the last sequence shorter than the rest.
		txtPresent[2][batch-1] = false
	}
	return ContextMap{
		"txt": randContext(c, txtPresent, batch, 5),
		"img": randContext(c, fullPresent(5, batch), batch, 3),
	}
}

func randContext(c anyvec.Creator, present [][]bool, batch, size int) *Context {
	data := c.MakeVector(len(present) * batch * size)
	anyvec.Rand(data, anyvec.Normal, nil)
	ctx, err := NewContext(anydiff.NewVar(data), present, size)
	if err != nil {
		panic(err)
	}
	return ctx
}

func fullPresent(steps, batch int) [][]bool {
	res := make([][]bool, steps)
	for i := range res {
		res[i] = make([]bool, batch)
		for j := range res[i] {
			res[i][j] = true
		}
	}
	return res
}

func vecData(v anyvec.Vector) []float64 {
	return v.Data().([]float64)
}

// checkGradient verifies the gradient of a one-component
// result against finite differences.
//
// The function f must rebuild the result from scratch on
// every call.
func checkGradient(t *testing.T, vars []*anydiff.Var, f func() anydiff.Res) {
	res := f()
	c := res.Output().Creator()
	if res.Output().Len() != 1 {
		t.Fatalf("expected 1 component, got %d", res.Output().Len())
	}

	grad := anydiff.NewGrad(vars...)
	upstream := c.MakeVector(1)
	upstream.AddScalar(c.MakeNumeric(1))
	res.Propagate(upstream, grad)

	const eps = 1e-5
	eval := func() float64 {
		return vecData(f().Output())[0]
	}
	for varIdx, v := range vars {
		gradData := vecData(grad[v])
		for i := range gradData {
			comp := v.Vector.Slice(i, i+1)
			comp.AddScalar(c.MakeNumeric(eps))
			plus := eval()
			comp.AddScalar(c.MakeNumeric(-2 * eps))
			minus := eval()
			comp.AddScalar(c.MakeNumeric(eps))

			expected := (plus - minus) / (2 * eps)
			if math.Abs(expected-gradData[i]) > 1e-4*(1+math.Abs(expected)) {
				t.Errorf("var %d component %d: expected %v got %v",
					varIdx, i, expected, gradData[i])
				return
			}
		}
	}
}
