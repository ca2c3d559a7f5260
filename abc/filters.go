package abc

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Shifts returns m evenly spaced offsets spanning [-1, +1]. These place the
// binarization thresholds of a filter bank at mean + shift·std. The endpoints
// are exact and the spread is symmetric around 0.
func Shifts(m int) ([]float32, error) {
	if m < 2 {
		return nil, errors.Errorf("need at least 2 binary bases to spread shifts, got %d", m)
	}
	retVal := make([]float32, m)
	for i := range retVal {
		retVal[i] = float32(2*i-(m-1)) / float32(m-1)
	}
	return retVal, nil
}

// binShifts admits the degenerate single base case on top of Shifts: one base
// binarizes at the mean, with no spread to speak of.
func binShifts(m int) ([]float32, error) {
	switch {
	case m < 1:
		return nil, errors.Errorf("need at least 1 binary base, got %d", m)
	case m == 1:
		return []float32{0}, nil
	default:
		return Shifts(m)
	}
}

// BinarizeFilters derives the m binary bases of the filter bank w, inside w's
// graph. Base i is binarize(w - mean + shift[i]·std) with the bank's own
// global moments, so every element is ±1 and the bases follow w as it trains.
func BinarizeFilters(w *G.Node, m int) ([]*G.Node, error) {
	shifts, err := binShifts(m)
	if err != nil {
		return nil, err
	}
	mean, std, err := Moments(w)
	if err != nil {
		return nil, err
	}
	centered, err := G.Sub(w, mean)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	members := make([]*G.Node, m)
	for i, sh := range shifts {
		shifted := centered
		if sh != 0 {
			var offset *G.Node
			if offset, err = G.Mul(G.NewConstant(sh), std); err != nil {
				return nil, errors.WithStack(err)
			}
			if shifted, err = G.Add(centered, offset); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		if members[i], err = Binarize(shifted); err != nil {
			return nil, err
		}
	}
	return members, nil
}

// BinarizeFiltersOf computes the binary bases on the host, mirroring
// BinarizeFilters step for step. Rendering and tests use it to look at a bank
// without running a machine.
func BinarizeFiltersOf(t *tensor.Dense, m int) ([]*tensor.Dense, []float32, error) {
	shifts, err := binShifts(m)
	if err != nil {
		return nil, nil, err
	}
	mean, std := MomentsOf(t)
	data := f32sOf(t)
	members := make([]*tensor.Dense, m)
	for i, sh := range shifts {
		offset := sh * std
		out := make([]float32, len(data))
		for j, v := range data {
			if (v-mean)+offset >= 0 {
				out[j] = 1
			} else {
				out[j] = -1
			}
		}
		members[i] = tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(out))
	}
	return members, shifts, nil
}
