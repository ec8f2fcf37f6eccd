package condmm

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

// A Context is one modality's encoded input stream: a
// packed position-major tensor of shape
// [Steps x Batch x Size], paired with a validity mask.
//
// Present[t][i] indicates whether timestep t of sequence
// i holds real content rather than padding.
// Every sequence must have at least one valid timestep.
type Context struct {
	Data    anydiff.Res
	Present [][]bool

	Steps int
	Batch int
	Size  int
}

// A ContextMap stores one Context per modality name.
type ContextMap map[string]*Context

// NewContext creates a Context and validates its shape.
func NewContext(data anydiff.Res, present [][]bool, size int) (*Context, error) {
	if size <= 0 {
		return nil, fmt.Errorf("new context: non-positive vector size")
	}
	if len(present) == 0 {
		return nil, fmt.Errorf("new context: no timesteps")
	}
	batch := len(present[0])
	if batch == 0 {
		return nil, fmt.Errorf("new context: empty batch")
	}
	for _, row := range present {
		if len(row) != batch {
			return nil, fmt.Errorf("new context: mask length mismatch")
		}
	}
	if data.Output().Len() != len(present)*batch*size {
		return nil, fmt.Errorf("new context: got %d components, expected %d",
			data.Output().Len(), len(present)*batch*size)
	}
	for i := 0; i < batch; i++ {
		var any bool
		for _, row := range present {
			if row[i] {
				any = true
				break
			}
		}
		if !any {
			return nil, fmt.Errorf("new context: sequence %d has no valid timesteps", i)
		}
	}
	return &Context{
		Data:    data,
		Present: present,
		Steps:   len(present),
		Batch:   batch,
		Size:    size,
	}, nil
}

// NewConstContext converts the output of an encoder into
// a rectangular Context.
//
// Absent rows are filled with zeros and marked invalid in
// the resulting mask.
// The result does not propagate gradients back through
// the sequence.
func NewConstContext(seq anyseq.Seq, size int) (*Context, error) {
	outs := seq.Output()
	if len(outs) == 0 {
		return nil, fmt.Errorf("const context: no timesteps")
	}
	batch := len(outs[0].Present)
	full := make([]bool, batch)
	for i := range full {
		full[i] = true
	}

	present := make([][]bool, len(outs))
	packed := make([]anyvec.Vector, len(outs))
	for t, b := range outs {
		if b.Packed.Len() != b.NumPresent()*size {
			return nil, fmt.Errorf("const context: bad vector size at timestep %d", t)
		}
		present[t] = append([]bool{}, b.Present...)
		if b.NumPresent() != batch {
			b = b.Expand(full)
		}
		packed[t] = b.Packed
	}

	data := anydiff.NewConst(seq.Creator().Concat(packed...))
	return NewContext(data, present, size)
}

// MeanValid computes the mean over the valid timesteps of
// every sequence, ignoring padded positions entirely.
//
// Since every sequence carries at least one valid
// timestep, the divisor is clamped to a minimum of one
// only as a safeguard for hand-built contexts.
func (ctx *Context) MeanValid() anydiff.Res {
	c := ctx.Data.Output().Creator()
	rowLen := ctx.Batch * ctx.Size

	counts := make([]float64, ctx.Batch)
	for _, row := range ctx.Present {
		for i, p := range row {
			if p {
				counts[i]++
			}
		}
	}
	divisor := make([]float64, rowLen)
	for i := range divisor {
		divisor[i] = math.Max(counts[i/ctx.Size], 1)
	}
	divisorVec := c.MakeVectorData(c.MakeNumericList(divisor))

	return anydiff.Pool(ctx.Data, func(data anydiff.Res) anydiff.Res {
		var sum anydiff.Res
		for t := 0; t < ctx.Steps; t++ {
			part := anydiff.Slice(data, t*rowLen, (t+1)*rowLen)
			part = anydiff.Mul(part, anydiff.NewConst(ctx.maskRow(c, t)))
			if sum == nil {
				sum = part
			} else {
				sum = anydiff.Add(sum, part)
			}
		}
		return anydiff.Div(sum, anydiff.NewConst(divisorVec))
	})
}

// maskRow expands the mask at timestep t to one value per
// vector component.
func (ctx *Context) maskRow(c anyvec.Creator, t int) anyvec.Vector {
	row := make([]float64, ctx.Batch*ctx.Size)
	for i, p := range ctx.Present[t] {
		if p {
			for j := 0; j < ctx.Size; j++ {
				row[i*ctx.Size+j] = 1
			}
		}
	}
	return c.MakeVectorData(c.MakeNumericList(row))
}
