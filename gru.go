package condmm

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var g GRU
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGRU)
}

// A GRU is a gated recurrent cell.
//
// For efficiency, every gate is split up into an input
// transformation and a state transformation whose results
// are added.
type GRU struct {
	UpdateIn    *anynet.FC
	UpdateState *anynet.FC
	ResetIn     *anynet.FC
	ResetState  *anynet.FC
	CandIn      *anynet.FC
	CandState   *anynet.FC
}

// NewGRU creates a randomly initialized GRU.
func NewGRU(c anyvec.Creator, inSize, stateSize int) *GRU {
	return &GRU{
		UpdateIn:    anynet.NewFC(c, inSize, stateSize),
		UpdateState: anynet.NewFC(c, stateSize, stateSize),
		ResetIn:     anynet.NewFC(c, inSize, stateSize),
		ResetState:  anynet.NewFC(c, stateSize, stateSize),
		CandIn:      anynet.NewFC(c, inSize, stateSize),
		CandState:   anynet.NewFC(c, stateSize, stateSize),
	}
}

// DeserializeGRU deserializes a GRU.
func DeserializeGRU(d []byte) (*GRU, error) {
	var res GRU
	err := serializer.DeserializeAny(d, &res.UpdateIn, &res.UpdateState,
		&res.ResetIn, &res.ResetState, &res.CandIn, &res.CandState)
	if err != nil {
		return nil, essentials.AddCtx("deserialize GRU", err)
	}
	return &res, nil
}

// Apply computes the next state for a batch of n
// sequences.
func (g *GRU) Apply(in, state anydiff.Res, n int) anydiff.Res {
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		return anydiff.Pool(state, func(state anydiff.Res) anydiff.Res {
			update := anydiff.Sigmoid(anydiff.Add(
				g.UpdateIn.Apply(in, n),
				g.UpdateState.Apply(state, n),
			))
			reset := anydiff.Sigmoid(anydiff.Add(
				g.ResetIn.Apply(in, n),
				g.ResetState.Apply(state, n),
			))
			cand := anydiff.Tanh(anydiff.Add(
				g.CandIn.Apply(in, n),
				anydiff.Mul(reset, g.CandState.Apply(state, n)),
			))
			// (1-z)*cand + z*state, written without an
			// explicit complement.
			return anydiff.Pool(cand, func(cand anydiff.Res) anydiff.Res {
				return anydiff.Add(cand,
					anydiff.Mul(update, anydiff.Sub(state, cand)))
			})
		})
	})
}

// Parameters returns the parameters of every gate.
func (g *GRU) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, l := range g.layers() {
		res = append(res, l.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a GRU with the serializer package.
func (g *GRU) SerializerType() string {
	return "github.com/unixpickle/condmm.GRU"
}

// Serialize serializes the GRU.
func (g *GRU) Serialize() ([]byte, error) {
	return serializer.SerializeAny(g.UpdateIn, g.UpdateState, g.ResetIn,
		g.ResetState, g.CandIn, g.CandState)
}

func (g *GRU) layers() []*anynet.FC {
	return []*anynet.FC{g.UpdateIn, g.UpdateState, g.ResetIn, g.ResetState,
		g.CandIn, g.CandState}
}
