package condmm

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// tileRes repeats a packed vector `times` times, so that
// a per-sequence vector can be matched up against every
// timestep of a position-major stream.
func tileRes(in anydiff.Res, times int) anydiff.Res {
	c := in.Output().Creator()
	inLen := in.Output().Len()
	table := make([]int, inLen*times)
	for i := range table {
		table[i] = i % inLen
	}
	return anydiff.Map(c.MakeMapper(inLen, table), in)
}

// spreadRows repeats every component of a per-sequence
// vector `cols` times, turning one scalar per sequence
// into one scalar per vector component.
func spreadRows(in anydiff.Res, cols int) anydiff.Res {
	c := in.Output().Creator()
	inLen := in.Output().Len()
	table := make([]int, inLen*cols)
	for i := range table {
		table[i] = i / cols
	}
	return anydiff.Map(c.MakeMapper(inLen, table), in)
}

// rowSums sums each row of a row-major matrix.
func rowSums(in anydiff.Res, rows, cols int) anydiff.Res {
	c := in.Output().Creator()
	inMat := &anydiff.Matrix{Data: in, Rows: rows, Cols: cols}
	onesMat := &anydiff.Matrix{
		Data: anydiff.NewConst(onesVec(c, cols)),
		Rows: cols,
		Cols: 1,
	}
	return anydiff.MatMul(false, false, inMat, onesMat).Data
}

func onesVec(c anyvec.Creator, n int) anyvec.Vector {
	res := c.MakeVector(n)
	res.AddScalar(c.MakeNumeric(1))
	return res
}
