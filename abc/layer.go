// Package abc approximates real valued convolutions with accurate binary
// ones, after Lin et al. (2017). A filter bank is binarized at evenly spread
// shift points into M ±1 bases whose weighted sum is least squares fit to the
// bank; activations are binarized at K learned shift points and every branch
// runs through the shared binary convolution. Binarization gradients use a
// straight through estimator, so the shifts and the bank itself stay
// trainable.
package abc

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ABCConf configures an ABC layer.
type ABCConf struct {
	M      int           // binary bases of the filter bank
	K      int           // activation binarization branches
	Filter *tensor.Dense // the real valued bank, (out, in, kh, kw)
	Bias   *tensor.Dense // optional, one value per output channel
	Stride [2]int
	Pad    PadMode
	Name   string
	Fit    FitConf
}

// ABC is an accurate binary convolution layer. The input is shifted by each
// of K learned offsets, clipped, binarized, convolved with the shared
// approximate convolution and the K branch outputs are combined with learned
// betas:
//
//	out = Σ beta[k]·ApproxConv(binarize(clip(x + shift[k], 0, 1)))
//
// Shifts start at 0 and betas at 1, so an untrained layer with K=1 is exactly
// its approximate convolution over binarized input.
type ABC struct {
	conf  ABCConf
	shift *G.Node
	beta  *G.Node
	conv  *ApproxConv
}

// NewABC registers an ABC layer's variables on g.
func NewABC(g *G.ExprGraph, conf ABCConf) (*ABC, error) {
	name := conf.Name
	if name == "" {
		name = "abc"
	}
	if conf.K < 1 {
		return nil, errors.Errorf("%s: need at least 1 binarization branch, got %d", name, conf.K)
	}
	conv, err := NewApproxConv(g, ApproxConvConf{
		M:      conf.M,
		Filter: conf.Filter,
		Bias:   conf.Bias,
		Stride: conf.Stride,
		Pad:    conf.Pad,
		Name:   name,
		Fit:    conf.Fit,
	})
	if err != nil {
		return nil, err
	}
	l := &ABC{
		conf: conf,
		conv: conv,
	}
	l.shift = G.NewVector(g, Float,
		G.WithShape(conf.K),
		G.WithName(name+"_shift"),
		G.WithInit(G.Zeroes()))
	l.beta = G.NewVector(g, Float,
		G.WithShape(conf.K),
		G.WithName(name+"_beta"),
		G.WithValue(tensor.Ones(tensor.Float32, conf.K)))
	return l, nil
}

// Apply runs the K branches over x and their weighted combination. x must be
// (batch, channels, height, width).
func (l *ABC) Apply(x *G.Node) (*G.Node, error) {
	branches := make([]*G.Node, l.conf.K)
	for k := range branches {
		sk, err := G.Slice(l.shift, sli(k, k+1))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if sk, err = G.Reshape(sk, tensor.Shape{1, 1, 1, 1}); err != nil {
			return nil, errors.WithStack(err)
		}
		shifted, err := G.BroadcastAdd(x, sk, nil, []byte{0, 1, 2, 3})
		if err != nil {
			return nil, errors.WithStack(err)
		}
		bin, err := BinarizeActivations(shifted)
		if err != nil {
			return nil, err
		}
		if branches[k], err = l.conv.Apply(bin); err != nil {
			return nil, err
		}
	}
	return weightedSum(branches, l.beta)
}

// FitAlphas refits the filter combination coefficients. See
// (*ApproxConv).FitAlphas.
func (l *ABC) FitAlphas(steps int) error { return l.conv.FitAlphas(steps) }

// FitStep runs one coefficient fitting step.
func (l *ABC) FitStep() error { return l.conv.FitStep() }

// ResetAlphas cold restarts the coefficient fit.
func (l *ABC) ResetAlphas() error { return l.conv.ResetAlphas() }

// FitLoss reports the filter reconstruction error of the last fitting step.
func (l *ABC) FitLoss() float32 { return l.conv.FitLoss() }

// Alphas returns a copy of the filter combination coefficients.
func (l *ABC) Alphas() []float32 { return l.conv.Alphas() }

// Shifts returns a copy of the current activation shift points.
func (l *ABC) Shifts() []float32 { return cloneF32s(l.shift.Value()) }

// Betas returns a copy of the current branch combination weights.
func (l *ABC) Betas() []float32 { return cloneF32s(l.beta.Value()) }

// Learnables lists the variables a task solver owns: the shifts, the betas
// and, when fine tuning is on, the real valued bank.
func (l *ABC) Learnables(tuneFilters bool) G.Nodes {
	retVal := G.Nodes{l.shift, l.beta}
	if tuneFilters {
		retVal = append(retVal, l.conv.w)
	}
	return retVal
}

// Vars lists the variables a checkpoint must carry.
func (l *ABC) Vars() G.Nodes {
	return append(l.conv.Vars(), l.shift, l.beta)
}

// FilterVar exposes the underlying bank variable.
func (l *ABC) FilterVar() *G.Node { return l.conv.FilterVar() }

// Close releases the layer's fitter.
func (l *ABC) Close() error { return l.conv.Close() }
