package abc

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// binarizeOp thresholds every element of its input: anything at or above
// threshold maps to +1, anything below maps to -1. Exactly threshold is +1,
// which keeps the output strictly two valued.
//
// The symbolic gradient is a straight through estimator: the incoming gradient
// passes wherever the input lies in [lo, hi] and is zeroed elsewhere.
type binarizeOp struct {
	threshold float32
	lo, hi    float32
}

// filterBin is the sign function over a centered filter bank. The pass band
// covers the whole pre-binarization range the shifts can produce.
func filterBin() binarizeOp { return binarizeOp{threshold: 0, lo: -1, hi: 1} }

// activationBin is clip(x, 0, 1) followed by a 0.5 threshold, folded into a
// single op: the clip cannot change which side of 0.5 a value falls on.
func activationBin() binarizeOp { return binarizeOp{threshold: 0.5, lo: 0, hi: 1} }

func (op binarizeOp) Arity() int { return 1 }

func (op binarizeOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op binarizeOp) InferShape(ns ...G.DimSizer) (tensor.Shape, error) {
	if len(ns) != 1 {
		return nil, errors.Errorf("binarize wants 1 input, got %d", len(ns))
	}
	return ns[0].(tensor.Shape).Clone(), nil
}

func (op binarizeOp) Do(vals ...G.Value) (G.Value, error) {
	in, shape, err := oneF32Input("binarize", vals)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(in))
	for i, v := range in {
		if v >= op.threshold {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

func (op binarizeOp) ReturnsPtr() bool     { return false }
func (op binarizeOp) CallsExtern() bool    { return false }
func (op binarizeOp) OverwritesInput() int { return -1 }

func (op binarizeOp) WriteHash(h hash.Hash) {
	fmt.Fprintf(h, "binarize-%v-%v-%v", op.threshold, op.lo, op.hi)
}

func (op binarizeOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op binarizeOp) String() string {
	return fmt.Sprintf("Binarize(%v)", op.threshold)
}

func (op binarizeOp) DiffWRT(inputs int) []bool { return []bool{true} }

func (op binarizeOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("binarize wants 1 input, got %d", len(inputs))
	}
	window, err := G.ApplyOp(binarizeDiffOp{op}, inputs[0])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	dx, err := G.HadamardProd(window, grad)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return G.Nodes{dx}, nil
}

// binarizeDiffOp is the pass band of a binarizeOp: 1 inside [lo, hi],
// 0 outside.
type binarizeDiffOp struct {
	binarizeOp
}

func (op binarizeDiffOp) Do(vals ...G.Value) (G.Value, error) {
	in, shape, err := oneF32Input("binarizeDiff", vals)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(in))
	for i, v := range in {
		if v >= op.lo && v <= op.hi {
			out[i] = 1
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

func (op binarizeDiffOp) WriteHash(h hash.Hash) {
	fmt.Fprintf(h, "binarizediff-%v-%v-%v", op.threshold, op.lo, op.hi)
}

func (op binarizeDiffOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op binarizeDiffOp) String() string {
	return fmt.Sprintf("BinarizeDiff[%v, %v]", op.lo, op.hi)
}

// Binarize maps x elementwise to ±1 with sign semantics (0 breaks to +1).
// Gradients pass straight through on [-1, 1].
func Binarize(x *G.Node) (*G.Node, error) {
	retVal, err := G.ApplyOp(filterBin(), x)
	return retVal, errors.WithStack(err)
}

// BinarizeActivations clips x to [0, 1] and thresholds at 0.5, mapping each
// element to ±1. Gradients pass straight through on the clip support [0, 1].
func BinarizeActivations(x *G.Node) (*G.Node, error) {
	retVal, err := G.ApplyOp(activationBin(), x)
	return retVal, errors.WithStack(err)
}

func oneF32Input(opname string, vals []G.Value) ([]float32, tensor.Shape, error) {
	if len(vals) != 1 {
		return nil, nil, errors.Errorf("%s wants 1 input, got %d", opname, len(vals))
	}
	t, ok := vals[0].(tensor.Tensor)
	if !ok {
		return nil, nil, errors.Errorf("%s wants a tensor input, got %T", opname, vals[0])
	}
	data := f32sOf(t)
	if data == nil {
		return nil, nil, errors.Errorf("%s wants float32 data, got %T", opname, t.Data())
	}
	return data, t.Shape().Clone(), nil
}
