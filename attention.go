package condmm

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// maskEnergy is added to the attention energy of padded
// positions before normalization.
const maskEnergy = -1e4

func init() {
	var s SoftAttention
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSoftAttention)
	var d DotAttention
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDotAttention)
}

// An Attention produces a fixed-size summary of a
// variable-length context stream.
//
// Apply takes a batch of query vectors and returns the
// normalized position weights (position-major, one weight
// per position per sequence) and the weighted summary
// (one context-sized vector per sequence).
// Weights of padded positions are forced to zero, so the
// summary never depends on padding content.
type Attention interface {
	Apply(query anydiff.Res, ctx *Context) (weights, summary anydiff.Res)
	Parameters() []*anydiff.Var
}

// SoftAttention scores positions with a small
// feed-forward network.
//
// For efficiency, the first layer is split up into a
// context transformation and a query transformation.
// The vectors from these two transformations are added,
// activated, and fed to a scalar energy head.
type SoftAttention struct {
	CtxTrans   *anynet.FC
	QueryTrans *anynet.FC
	Activ      anynet.Layer
	Energy     *anynet.FC
}

// DeserializeSoftAttention deserializes a SoftAttention.
func DeserializeSoftAttention(d []byte) (*SoftAttention, error) {
	var res SoftAttention
	err := serializer.DeserializeAny(d, &res.CtxTrans, &res.QueryTrans,
		&res.Activ, &res.Energy)
	if err != nil {
		return nil, essentials.AddCtx("deserialize SoftAttention", err)
	}
	return &res, nil
}

// Apply applies the attention mechanism.
func (s *SoftAttention) Apply(query anydiff.Res, ctx *Context) (anydiff.Res, anydiff.Res) {
	n := ctx.Batch
	if query.Output().Len() != n*s.QueryTrans.InCount {
		panic("batch size mismatch")
	}
	rows := ctx.Steps * n
	energies := anydiff.Pool(ctx.Data, func(data anydiff.Res) anydiff.Res {
		comb := anydiff.AddRepeated(
			s.CtxTrans.Apply(data, rows),
			s.QueryTrans.Apply(query, n),
		)
		return s.Energy.Apply(s.Activ.Apply(comb, rows), rows)
	})
	weights := maskedSoftmax(energies, ctx)
	return attendedPair(weights, ctx)
}

// Parameters returns the parameters of the transforms.
func (s *SoftAttention) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, l := range []anynet.Layer{s.CtxTrans, s.QueryTrans, s.Activ, s.Energy} {
		if p, ok := l.(anynet.Parameterizer); ok {
			res = append(res, p.Parameters()...)
		}
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a SoftAttention with the serializer package.
func (s *SoftAttention) SerializerType() string {
	return "github.com/unixpickle/condmm.SoftAttention"
}

// Serialize serializes a SoftAttention.
func (s *SoftAttention) Serialize() ([]byte, error) {
	return serializer.SerializeAny(s.CtxTrans, s.QueryTrans, s.Activ, s.Energy)
}

// DotAttention scores positions by a scaled dot product
// between a projected query and the context vectors.
type DotAttention struct {
	QueryTrans *anynet.FC
}

// DeserializeDotAttention deserializes a DotAttention.
func DeserializeDotAttention(d []byte) (*DotAttention, error) {
	var res DotAttention
	if err := serializer.DeserializeAny(d, &res.QueryTrans); err != nil {
		return nil, essentials.AddCtx("deserialize DotAttention", err)
	}
	return &res, nil
}

// Apply applies the attention mechanism.
func (d *DotAttention) Apply(query anydiff.Res, ctx *Context) (anydiff.Res, anydiff.Res) {
	n := ctx.Batch
	if query.Output().Len() != n*d.QueryTrans.InCount {
		panic("batch size mismatch")
	}
	c := query.Output().Creator()
	energies := anydiff.Pool(ctx.Data, func(data anydiff.Res) anydiff.Res {
		proj := d.QueryTrans.Apply(query, n)
		prod := anydiff.Mul(data, tileRes(proj, ctx.Steps))
		sums := rowSums(prod, ctx.Steps*n, ctx.Size)
		return anydiff.Scale(sums, c.MakeNumeric(1/math.Sqrt(float64(ctx.Size))))
	})
	weights := maskedSoftmax(energies, ctx)
	return attendedPair(weights, ctx)
}

// Parameters returns the query projection parameters.
func (d *DotAttention) Parameters() []*anydiff.Var {
	return d.QueryTrans.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a DotAttention with the serializer package.
func (d *DotAttention) SerializerType() string {
	return "github.com/unixpickle/condmm.DotAttention"
}

// Serialize serializes a DotAttention.
func (d *DotAttention) Serialize() ([]byte, error) {
	return serializer.SerializeAny(d.QueryTrans)
}

// newAttention creates the attention instance for one
// modality from the decoder's forwarded options.
func newAttention(c anyvec.Creator, opts *Options, ctxSize int) (Attention, error) {
	switch opts.AttType {
	case "", "mlp":
		activ, err := attActivation(opts.AttActiv)
		if err != nil {
			return nil, err
		}
		bottleneck, err := attBottleneck(opts, ctxSize)
		if err != nil {
			return nil, err
		}
		return &SoftAttention{
			CtxTrans:   anynet.NewFC(c, ctxSize, bottleneck),
			QueryTrans: anynet.NewFC(c, opts.HiddenSize, bottleneck),
			Activ:      activ,
			Energy:     anynet.NewFC(c, bottleneck, 1),
		}, nil
	case "dot":
		return &DotAttention{
			QueryTrans: anynet.NewFC(c, opts.HiddenSize, ctxSize),
		}, nil
	default:
		return nil, fmt.Errorf("unknown attention type: %q", opts.AttType)
	}
}

func attActivation(name string) (anynet.Layer, error) {
	switch name {
	case "", "tanh":
		return anynet.Tanh, nil
	case "sigmoid":
		return anynet.Sigmoid, nil
	case "relu":
		return anynet.ReLU, nil
	}
	return nil, fmt.Errorf("unknown attention activation: %q", name)
}

func attBottleneck(opts *Options, ctxSize int) (int, error) {
	switch opts.AttBottleneck {
	case "", "ctx":
		return ctxSize, nil
	case "hid":
		return opts.HiddenSize, nil
	}
	return 0, fmt.Errorf("unknown attention bottleneck: %q", opts.AttBottleneck)
}

// maskedSoftmax normalizes position-major energies over
// the position dimension, giving padded positions zero
// weight.
//
// The maximum energy per sequence is subtracted before
// exponentiation.
func maskedSoftmax(energies anydiff.Res, ctx *Context) anydiff.Res {
	c := energies.Output().Creator()
	n := ctx.Batch

	offset := make([]float64, ctx.Steps*n)
	for t, row := range ctx.Present {
		for i, p := range row {
			if !p {
				offset[t*n+i] = maskEnergy
			}
		}
	}
	offsetVec := c.MakeVectorData(c.MakeNumericList(offset))
	masked := anydiff.Add(energies, anydiff.NewConst(offsetVec))

	return anydiff.Pool(masked, func(masked anydiff.Res) anydiff.Res {
		maxes := masked.Output().Slice(0, n).Copy()
		for t := 1; t < ctx.Steps; t++ {
			anyvec.ElemMax(maxes, masked.Output().Slice(t*n, (t+1)*n))
		}
		tiles := make([]anyvec.Vector, ctx.Steps)
		for i := range tiles {
			tiles[i] = maxes
		}
		tiled := anydiff.NewConst(c.Concat(tiles...))

		exps := anydiff.Exp(anydiff.Sub(masked, tiled))
		return anydiff.Pool(exps, func(exps anydiff.Res) anydiff.Res {
			var sum anydiff.Res
			for t := 0; t < ctx.Steps; t++ {
				part := anydiff.Slice(exps, t*n, (t+1)*n)
				if sum == nil {
					sum = part
				} else {
					sum = anydiff.Add(sum, part)
				}
			}
			return anydiff.Div(exps, tileRes(sum, ctx.Steps))
		})
	})
}

// attendedPair turns normalized weights into the
// (weights, summary) result pair.
func attendedPair(weights anydiff.Res, ctx *Context) (anydiff.Res, anydiff.Res) {
	n := ctx.Batch
	rowLen := n * ctx.Size
	summary := anydiff.Pool(weights, func(weights anydiff.Res) anydiff.Res {
		return anydiff.Pool(ctx.Data, func(data anydiff.Res) anydiff.Res {
			var sum anydiff.Res
			for t := 0; t < ctx.Steps; t++ {
				wRow := anydiff.Slice(weights, t*n, (t+1)*n)
				ctxRow := anydiff.Slice(data, t*rowLen, (t+1)*rowLen)
				part := anydiff.Mul(ctxRow, spreadRows(wRow, ctx.Size))
				if sum == nil {
					sum = part
				} else {
					sum = anydiff.Add(sum, part)
				}
			}
			return sum
		})
	})
	return weights, summary
}
