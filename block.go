package condmm

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// Block adapts the decoder's step machine to an
// anyrnn.Block over the given contexts, so that external
// drivers (greedy or beam decoding loops, anyrnn-based
// scoring) can consume it.
//
// The block's inputs are packed token embeddings and its
// outputs are negated vocabulary log-probabilities.
//
// The resulting block must only be used with a starting
// batch size equal to the contexts' batch size, and every
// sequence must remain present for the whole decode.
func (d *Decoder) Block(ctxs ContextMap) anyrnn.Block {
	return &decoderBlock{Dec: d, Ctxs: ctxs}
}

type decoderBlock struct {
	Dec  *Decoder
	Ctxs ContextMap

	initRes anydiff.Res
}

func (d *decoderBlock) Start(n int) anyrnn.State {
	ctx := d.Dec.context(d.Ctxs, d.Dec.Opts.InitModality)
	if n != ctx.Batch {
		panic("batch size mismatch")
	}
	d.initRes = d.Dec.Start(d.Ctxs)
	present := make(anyrnn.PresentMap, n)
	for i := range present {
		present[i] = true
	}
	return &anyrnn.VecState{
		Vector:     d.initRes.Output(),
		PresentMap: present,
	}
}

func (d *decoderBlock) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	if len(d.initRes.Vars()) == 0 {
		return
	}
	d.initRes.Propagate(s.(*anyrnn.VecState).Vector, g)
}

func (d *decoderBlock) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	vs := s.(*anyrnn.VecState)
	if vs.PresentMap.NumPresent() != len(vs.PresentMap) {
		panic("all sequences must remain present")
	}
	inPool := anydiff.NewVar(in)
	hPool := anydiff.NewVar(vs.Vector)
	nlp, h2 := d.Dec.Step(d.Ctxs, inPool, hPool)

	vars := anydiff.MergeVarSets(nlp.Vars(), h2.Vars())
	vars.Del(inPool)
	vars.Del(hPool)
	return &decoderBlockRes{
		InPool:  inPool,
		HPool:   hPool,
		Out:     nlp,
		NewH:    h2,
		Present: vs.PresentMap,
		V:       vars,
	}
}

type decoderBlockRes struct {
	InPool  *anydiff.Var
	HPool   *anydiff.Var
	Out     anydiff.Res
	NewH    anydiff.Res
	Present anyrnn.PresentMap
	V       anydiff.VarSet
}

func (d *decoderBlockRes) State() anyrnn.State {
	return &anyrnn.VecState{
		Vector:     d.NewH.Output(),
		PresentMap: d.Present,
	}
}

func (d *decoderBlockRes) Output() anyvec.Vector {
	return d.Out.Output()
}

func (d *decoderBlockRes) Vars() anydiff.VarSet {
	return d.V
}

func (d *decoderBlockRes) Propagate(u anyvec.Vector, s anyrnn.StateGrad,
	g anydiff.Grad) (anyvec.Vector, anyrnn.StateGrad) {
	for _, pool := range []*anydiff.Var{d.InPool, d.HPool} {
		g[pool] = pool.Vector.Creator().MakeVector(pool.Vector.Len())
	}
	if u != nil {
		d.Out.Propagate(u, g)
	}
	if s != nil {
		d.NewH.Propagate(s.(*anyrnn.VecState).Vector, g)
	}
	inGrad := g[d.InPool]
	stateGrad := g[d.HPool]
	delete(g, d.InPool)
	delete(g, d.HPool)
	return inGrad, &anyrnn.VecState{
		Vector:     stateGrad,
		PresentMap: d.Present,
	}
}
