package abc

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Moments builds the global mean and standard deviation of x, reduced over
// every element. Both come back as scalar nodes, recomputed on every run, so
// they track the variable they were built from.
//
// The std is the biased (population) estimate. A constant bank yields a 0 std,
// which is valid: all shifted binarizations then collapse onto the same sign
// pattern.
func Moments(x *G.Node) (mean, std *G.Node, err error) {
	if mean, err = G.Mean(x); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	var centered, sq, variance *G.Node
	if centered, err = G.Sub(x, mean); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if sq, err = G.Square(centered); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if variance, err = G.Mean(sq); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if std, err = G.Sqrt(variance); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	return mean, std, nil
}

// MomentsOf is the host side twin of Moments, for rendering and tests.
func MomentsOf(t *tensor.Dense) (mean, std float32) {
	data := f32sOf(t)
	if len(data) == 0 {
		return 0, 0
	}
	n := float32(len(data))
	var sum float32
	for _, v := range data {
		sum += v
	}
	mean = sum / n
	var sq float32
	for _, v := range data {
		d := v - mean
		sq += d * d
	}
	std = math32.Sqrt(sq / n)
	return mean, std
}
