package abc

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Float is the data type every graph in this package is built with.
var Float = G.Float32

type rs struct {
	start, end, step int
}

func (s rs) Start() int { return s.start }
func (s rs) End() int   { return s.end }
func (s rs) Step() int  { return s.step }

// sli creates a ranged slice. It takes an optional step param.
func sli(start, end int, opts ...int) rs {
	step := 1
	if len(opts) > 0 {
		step = opts[0]
	}
	return rs{
		start: start,
		end:   end,
		step:  step,
	}
}

// f32sOf pulls the float32 data out of a value. Scalar shaped tensors come
// back from the tensor package as bare values, hence the second case.
func f32sOf(v G.Value) []float32 {
	switch data := v.Data().(type) {
	case []float32:
		return data
	case float32:
		return []float32{data}
	}
	return nil
}

func cloneF32s(v G.Value) []float32 {
	data := f32sOf(v)
	retVal := make([]float32, len(data))
	copy(retVal, data)
	return retVal
}

// weightedSum folds terms into Σ coeff[i]·terms[i]. coeff is a vector variable;
// each coefficient is sliced out one at a time and broadcast to the term shape,
// so the gradient flows back into the vector.
func weightedSum(terms []*G.Node, coeff *G.Node) (*G.Node, error) {
	var retVal *G.Node
	for i, term := range terms {
		ci, err := G.Slice(coeff, sli(i, i+1))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		dims := term.Shape().Dims()
		if dims > 1 {
			ones := make(tensor.Shape, dims)
			for j := range ones {
				ones[j] = 1
			}
			if ci, err = G.Reshape(ci, ones); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		pattern := make([]byte, dims)
		for j := range pattern {
			pattern[j] = byte(j)
		}
		scaled, err := G.BroadcastHadamardProd(term, ci, nil, pattern)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if retVal == nil {
			retVal = scaled
			continue
		}
		if retVal, err = G.Add(retVal, scaled); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return retVal, nil
}
