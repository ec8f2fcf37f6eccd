package condmm

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A lossRes is the accumulated teacher-forcing loss of a
// decoding pass.
// It back-propagates through time iteratively, feeding
// each timestep's state gradient to its predecessor, so
// the hidden state chain is only traversed once.
type lossRes struct {
	Init    anydiff.Res
	Pools   []*anydiff.Var
	NLPs    []anydiff.Res
	News    []anydiff.Res
	Gathers []anyvec.Mapper
	OutVec  anyvec.Vector
	V       anydiff.VarSet
}

// Loss scores a ground-truth target sequence under
// teacher forcing and returns the summed loss as a
// one-component result.
//
// The targets are time-major: targets[t][i] is the token
// at position t of batch sequence i, with id 0 standing
// for padding and the terminal marker.
// At every position t the decoder is fed targets[t] and
// charged for the negated log-probability of
// targets[t+1], so the final position is consumed as an
// input only.
// A single-position target therefore yields a loss of
// exactly zero.
//
// The sum is unnormalized; dividing by a token or
// sequence count is the caller's responsibility.
func (d *Decoder) Loss(ctxs ContextMap, targets [][]int) anydiff.Res {
	if len(targets) == 0 {
		panic("targets must have at least one timestep")
	}
	n := len(targets[0])
	if n == 0 {
		panic("targets must have at least one sequence")
	}
	for _, row := range targets {
		if len(row) != n {
			panic("target length mismatch")
		}
	}

	c := d.Embedding.Weights.Vector.Creator()
	if len(targets) == 1 {
		return anydiff.NewConst(c.MakeVector(1))
	}

	res := &lossRes{
		OutVec: c.MakeVector(1),
		V:      anydiff.VarSet{},
	}

	res.Init = d.Start(ctxs)
	res.V = anydiff.MergeVarSets(res.V, res.Init.Vars())

	vocab := d.Opts.VocabSize
	hVec := res.Init.Output()
	for t := 0; t < len(targets)-1; t++ {
		hPool := anydiff.NewVar(hVec)
		nlp, h2 := d.Step(ctxs, d.Embedding.Embed(targets[t]), hPool)

		table := make([]int, n)
		for i, next := range targets[t+1] {
			if next < 0 || next >= vocab {
				panic("token id out of range")
			}
			table[i] = i*vocab + next
		}
		gather := c.MakeMapper(n*vocab, table)

		picked := c.MakeVector(n)
		gather.Map(nlp.Output(), picked)
		res.OutVec.Add(anyvec.SumRows(picked, 1))

		res.Pools = append(res.Pools, hPool)
		res.NLPs = append(res.NLPs, nlp)
		res.News = append(res.News, h2)
		res.Gathers = append(res.Gathers, gather)
		res.V = anydiff.MergeVarSets(res.V, nlp.Vars())
		res.V = anydiff.MergeVarSets(res.V, h2.Vars())

		hVec = h2.Output()
	}
	for _, pool := range res.Pools {
		res.V.Del(pool)
	}

	return res
}

func (l *lossRes) Output() anyvec.Vector {
	return l.OutVec
}

func (l *lossRes) Vars() anydiff.VarSet {
	return l.V
}

func (l *lossRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	var stateUp anyvec.Vector
	for t := len(l.Pools) - 1; t >= 0; t-- {
		pool := l.Pools[t]
		g[pool] = pool.Vector.Creator().MakeVector(pool.Vector.Len())

		nlpLen := l.NLPs[t].Output().Len()
		perSeq := c.MakeVector(l.Gathers[t].OutSize())
		anyvec.AddRepeated(perSeq, u)
		upstream := c.MakeVector(nlpLen)
		l.Gathers[t].MapTranspose(perSeq, upstream)
		l.NLPs[t].Propagate(upstream, g)

		if stateUp != nil {
			l.News[t].Propagate(stateUp, g)
		}

		stateUp = g[pool]
		delete(g, pool)
	}
	if stateUp != nil && len(l.Init.Vars()) > 0 {
		l.Init.Propagate(stateUp, g)
	}
}
