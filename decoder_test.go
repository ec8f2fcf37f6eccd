package condmm

import (
	"math"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestNewValidation(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	bad := []func(o *Options){
		func(o *Options) { o.DecInit = "bogus" },
		func(o *Options) { o.FusionType = "bogus" },
		func(o *Options) { o.AttType = "bogus" },
		func(o *Options) { o.AttActiv = "bogus" },
		func(o *Options) { o.AttBottleneck = "bogus" },
		func(o *Options) { o.InitModality = "audio" },
		func(o *Options) { o.CtxSizes = nil },
		func(o *Options) { o.HiddenSize = 0 },
		func(o *Options) { o.DropoutOut = 1 },
		func(o *Options) { o.FusionType = "sum" },
	}
	for i, mutate := range bad {
		opts := testOptions()
		mutate(&opts)
		if _, err := New(c, opts); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	if _, err := New(c, testOptions()); err != nil {
		t.Error(err)
	}
}

func TestStartZero(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	opts := testOptions()
	opts.DecInit = "zero"
	dec := testDecoder(t, c, opts)
	ctxs := testContexts(c, 3)

	h := dec.Start(ctxs)
	if h.Output().Len() != 3*opts.HiddenSize {
		t.Errorf("bad state size: %d", h.Output().Len())
	}
	if anyvec.AbsMax(h.Output()).(float64) != 0 {
		t.Error("state is not zero")
	}
	if len(h.Vars()) != 0 {
		t.Error("zero state should not have variables")
	}
}

func TestStartMeanCtx(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	dec := testDecoder(t, c, testOptions())
	ctxs := testContexts(c, 2)
	ctx := ctxs["txt"]

	actual := dec.Start(ctxs)
	if actual.Output().Len() != 2*dec.Opts.HiddenSize {
		t.Fatalf("bad state size: %d", actual.Output().Len())
	}

	// The padded timestep must not dilute the average.
	data := vecData(ctx.Data.Output())
	mean := make([]float64, ctx.Batch*ctx.Size)
	for i := 0; i < ctx.Batch; i++ {
		var count float64
		for s := 0; s < ctx.Steps; s++ {
			if !ctx.Present[s][i] {
				continue
			}
			count++
			for j := 0; j < ctx.Size; j++ {
				mean[i*ctx.Size+j] += data[(s*ctx.Batch+i)*ctx.Size+j]
			}
		}
		for j := 0; j < ctx.Size; j++ {
			mean[i*ctx.Size+j] /= count
		}
	}
	meanVec := c.MakeVectorData(c.MakeNumericList(mean))
	expected := dec.InitFF.Apply(anydiff.NewConst(meanVec), ctx.Batch)

	diff := actual.Output().Copy()
	diff.Sub(expected.Output())
	if anyvec.AbsMax(diff).(float64) > 1e-6 {
		t.Error("state mismatch")
	}
}

func TestStepDistribution(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for _, attType := range []string{"mlp", "dot"} {
		t.Run(attType, func(t *testing.T) {
			opts := testOptions()
			opts.AttType = attType
			dec := testDecoder(t, c, opts)
			ctxs := testContexts(c, 2)

			emb := dec.Embedding.Embed([]int{4, 7})
			nlp, h := dec.Step(ctxs, emb, dec.Start(ctxs))
			if h.Output().Len() != 2*opts.HiddenSize {
				t.Errorf("bad state size: %d", h.Output().Len())
			}
			if nlp.Output().Len() != 2*opts.VocabSize {
				t.Fatalf("bad output size: %d", nlp.Output().Len())
			}
			data := vecData(nlp.Output())
			for i := 0; i < 2; i++ {
				var sum float64
				for _, x := range data[i*opts.VocabSize : (i+1)*opts.VocabSize] {
					if x < 0 {
						t.Error("negated log-probability below zero")
					}
					sum += math.Exp(-x)
				}
				if math.Abs(sum-1) > 1e-6 {
					t.Errorf("sequence %d: probabilities sum to %v", i, sum)
				}
			}
		})
	}
}

func TestStepDeterminism(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	dec := testDecoder(t, c, testOptions())
	ctxs := testContexts(c, 2)

	emb := dec.Embedding.Embed([]int{4, 7})
	h := dec.Start(ctxs)
	nlp1, h1 := dec.Step(ctxs, emb, h)
	nlp2, h2 := dec.Step(ctxs, emb, h)
	if !reflect.DeepEqual(nlp1.Output().Data(), nlp2.Output().Data()) {
		t.Error("outputs differ")
	}
	if !reflect.DeepEqual(h1.Output().Data(), h2.Output().Data()) {
		t.Error("states differ")
	}
}

func TestTiedEmbeddings(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	opts := testOptions()
	opts.TiedEmb = true
	dec := testDecoder(t, c, opts)

	if dec.OutLayer.Weights != dec.Embedding.Weights {
		t.Fatal("projection matrix is not aliased")
	}
	var count int
	for _, p := range dec.Parameters() {
		if p == dec.Embedding.Weights {
			count++
		}
	}
	if count != 1 {
		t.Errorf("tied matrix listed %d times", count)
	}

	// Mutating one view must mutate the other.
	dec.Embedding.Weights.Vector.AddScalar(c.MakeNumeric(1.5))
	if dec.OutLayer.Weights.Vector != dec.Embedding.Weights.Vector {
		t.Error("vectors diverged")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	opts := testOptions()
	opts.TiedEmb = true
	dec := testDecoder(t, c, opts)
	ctxs := testContexts(c, 2)

	data, err := serializer.SerializeAny(dec)
	if err != nil {
		t.Fatal(err)
	}
	var dec2 *Decoder
	if err := serializer.DeserializeAny(data, &dec2); err != nil {
		t.Fatal(err)
	}
	if dec2.OutLayer.Weights != dec2.Embedding.Weights {
		t.Error("tie lost in round trip")
	}

	emb := dec.Embedding.Embed([]int{4, 7})
	nlp1, _ := dec.Step(ctxs, emb, dec.Start(ctxs))
	nlp2, _ := dec2.Step(ctxs, dec2.Embedding.Embed([]int{4, 7}), dec2.Start(ctxs))
	diff := nlp1.Output().Copy()
	diff.Sub(nlp2.Output())
	if anyvec.AbsMax(diff).(float64) > 1e-12 {
		t.Error("outputs differ after round trip")
	}
}
