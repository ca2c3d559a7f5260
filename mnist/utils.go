package mnist

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type slicer struct {
	err error
}

func (s *slicer) Slice(t tensor.Tensor, slices ...tensor.Slice) *tensor.Dense {
	if s.err != nil {
		return nil
	}
	var retVal tensor.Tensor
	if retVal, s.err = t.Slice(slices...); s.err != nil {
		s.err = errors.Wrapf(s.err, "Slicer failed")
		return nil
	}
	return retVal.(*tensor.Dense)
}

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
