package condmm

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var c ConcatFusion
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeConcatFusion)
	var s SumFusion
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSumFusion)
	var m MulFusion
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeMulFusion)
}

// A Fusion combines one summary vector per modality into
// a single vector for the recurrence.
//
// The number of inputs must match the fusion's arity, and
// the input order must stay consistent between calls.
type Fusion interface {
	Fuse(ins []anydiff.Res, n int) anydiff.Res
	Parameters() []*anydiff.Var
}

// NewFusion creates the Fusion selected by name.
//
// The "concat" fusion concatenates its inputs and applies
// a learned linear reduction to outSize.
// The "sum" and "mul" fusions are elementwise and require
// every input width to equal outSize.
func NewFusion(c anyvec.Creator, name string, inSizes []int, outSize int) (Fusion, error) {
	switch name {
	case "", "concat":
		layers := make(anynet.Net, len(inSizes))
		for i, size := range inSizes {
			layers[i] = anynet.NewFC(c, size, outSize)
		}
		return &ConcatFusion{Ins: layers}, nil
	case "sum", "mul":
		for _, size := range inSizes {
			if size != outSize {
				return nil, fmt.Errorf("fusion %q needs width %d, got %d",
					name, outSize, size)
			}
		}
		if name == "sum" {
			return SumFusion{}, nil
		}
		return MulFusion{}, nil
	default:
		return nil, fmt.Errorf("unknown fusion type: %q", name)
	}
}

// ConcatFusion reduces the concatenation of its inputs
// with a single linear map.
//
// For efficiency, the map is split up into one
// transformation per input; the transformed vectors are
// added.
type ConcatFusion struct {
	Ins anynet.Net
}

// DeserializeConcatFusion deserializes a ConcatFusion.
func DeserializeConcatFusion(d []byte) (*ConcatFusion, error) {
	var res ConcatFusion
	if err := serializer.DeserializeAny(d, &res.Ins); err != nil {
		return nil, essentials.AddCtx("deserialize ConcatFusion", err)
	}
	return &res, nil
}

// Fuse applies the fusion.
func (c *ConcatFusion) Fuse(ins []anydiff.Res, n int) anydiff.Res {
	if len(ins) != len(c.Ins) {
		panic("fusion arity mismatch")
	}
	var sum anydiff.Res
	for i, in := range ins {
		part := c.Ins[i].Apply(in, n)
		if sum == nil {
			sum = part
		} else {
			sum = anydiff.Add(sum, part)
		}
	}
	return sum
}

// Parameters returns the reduction parameters.
func (c *ConcatFusion) Parameters() []*anydiff.Var {
	return c.Ins.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a ConcatFusion with the serializer package.
func (c *ConcatFusion) SerializerType() string {
	return "github.com/unixpickle/condmm.ConcatFusion"
}

// Serialize serializes a ConcatFusion.
func (c *ConcatFusion) Serialize() ([]byte, error) {
	return serializer.SerializeAny(c.Ins)
}

// SumFusion adds its inputs elementwise.
type SumFusion struct{}

// DeserializeSumFusion deserializes a SumFusion.
func DeserializeSumFusion(d []byte) (SumFusion, error) {
	return SumFusion{}, nil
}

// Fuse applies the fusion.
func (SumFusion) Fuse(ins []anydiff.Res, n int) anydiff.Res {
	return elementwiseFuse(ins, anydiff.Add)
}

// Parameters returns an empty list.
func (SumFusion) Parameters() []*anydiff.Var {
	return nil
}

// SerializerType returns the unique ID used to serialize
// a SumFusion with the serializer package.
func (SumFusion) SerializerType() string {
	return "github.com/unixpickle/condmm.SumFusion"
}

// Serialize serializes a SumFusion.
func (SumFusion) Serialize() ([]byte, error) {
	return []byte{}, nil
}

// MulFusion multiplies its inputs elementwise.
type MulFusion struct{}

// DeserializeMulFusion deserializes a MulFusion.
func DeserializeMulFusion(d []byte) (MulFusion, error) {
	return MulFusion{}, nil
}

// Fuse applies the fusion.
func (MulFusion) Fuse(ins []anydiff.Res, n int) anydiff.Res {
	return elementwiseFuse(ins, anydiff.Mul)
}

// Parameters returns an empty list.
func (MulFusion) Parameters() []*anydiff.Var {
	return nil
}

// SerializerType returns the unique ID used to serialize
// a MulFusion with the serializer package.
func (MulFusion) SerializerType() string {
	return "github.com/unixpickle/condmm.MulFusion"
}

// Serialize serializes a MulFusion.
func (MulFusion) Serialize() ([]byte, error) {
	return []byte{}, nil
}

func elementwiseFuse(ins []anydiff.Res,
	op func(a, b anydiff.Res) anydiff.Res) anydiff.Res {
	if len(ins) == 0 {
		panic("fusion arity mismatch")
	}
	sum := ins[0]
	for _, in := range ins[1:] {
		if in.Output().Len() != sum.Output().Len() {
			panic("fusion width mismatch")
		}
		sum = op(sum, in)
	}
	return sum
}
