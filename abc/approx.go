package abc

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	nnops "gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

// PadMode selects how convolution windows treat the input edges.
type PadMode int

const (
	// Valid admits only fully contained windows.
	Valid PadMode = iota
	// Same pads the input so a stride 1 convolution keeps the spatial size.
	Same
)

func (p PadMode) String() string {
	switch p {
	case Valid:
		return "valid"
	case Same:
		return "same"
	}
	return fmt.Sprintf("PadMode(%d)", int(p))
}

func (p PadMode) padding(kh, kw int) []int {
	if p == Same {
		return []int{(kh - 1) / 2, (kw - 1) / 2}
	}
	return []int{0, 0}
}

// ApproxConvConf configures an approximate convolution.
type ApproxConvConf struct {
	M      int           // number of binary bases
	Filter *tensor.Dense // the real valued bank, (out, in, kh, kw)
	Bias   *tensor.Dense // optional, one value per output channel
	Stride [2]int        // the zero value means 1×1
	Pad    PadMode
	Name   string
	Fit    FitConf
}

func (c *ApproxConvConf) validate() error {
	if c.M < 1 {
		return errors.Errorf("%s: need at least 1 binary base, got %d", c.name(), c.M)
	}
	if c.Filter == nil {
		return errors.Errorf("%s: need a filter bank", c.name())
	}
	if c.Filter.Dims() != 4 {
		return errors.Errorf("%s: filter bank must be (out, in, kh, kw), got shape %v", c.name(), c.Filter.Shape())
	}
	if c.Bias != nil && c.Bias.Shape().TotalSize() != c.Filter.Shape()[0] {
		return errors.Errorf("%s: bias has %d values for %d output channels", c.name(), c.Bias.Shape().TotalSize(), c.Filter.Shape()[0])
	}
	if c.Stride[0] == 0 && c.Stride[1] == 0 {
		c.Stride = [2]int{1, 1}
	}
	if c.Stride[0] < 1 || c.Stride[1] < 1 {
		return errors.Errorf("%s: invalid stride %v", c.name(), c.Stride)
	}
	return nil
}

func (c ApproxConvConf) name() string {
	if c.Name == "" {
		return "approxconv"
	}
	return c.Name
}

// ApproxConv approximates a real valued convolution with M binary ones:
//
//	conv(x, W) ≈ Σ alpha[i]·conv(x, B[i]) + bias
//
// where the B[i] are sign binarizations of W at spread shift points. The
// bank and bias live as variables on the caller's graph; the alphas are fit
// out of band by an AlphaFitter and mirrored onto the graph after each fit.
type ApproxConv struct {
	conf    ApproxConvConf
	w       *G.Node
	bias    *G.Node
	alpha   *G.Node
	members []*G.Node
	fitter  *AlphaFitter
}

// NewApproxConv registers the bank, its binary bases and the alphas on g.
// Shape problems surface here, not at run time.
func NewApproxConv(g *G.ExprGraph, conf ApproxConvConf) (*ApproxConv, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	name := conf.name()
	fitter, err := NewAlphaFitter(conf.M, conf.Filter.Shape(), conf.Fit)
	if err != nil {
		return nil, err
	}
	l := &ApproxConv{
		conf:   conf,
		fitter: fitter,
	}
	l.w = G.NewTensor(g, Float, 4,
		G.WithShape(conf.Filter.Shape().Clone()...),
		G.WithName(name+"_w"),
		G.WithValue(conf.Filter.Clone().(*tensor.Dense)))
	if l.members, err = BinarizeFilters(l.w, conf.M); err != nil {
		return nil, err
	}
	l.alpha = G.NewVector(g, Float,
		G.WithShape(conf.M),
		G.WithName(name+"_alpha"),
		G.WithValue(fitter.dense()))
	if conf.Bias != nil {
		b := conf.Bias.Clone().(*tensor.Dense)
		if err := b.Reshape(1, conf.Filter.Shape()[0], 1, 1); err != nil {
			return nil, errors.WithStack(err)
		}
		l.bias = G.NewTensor(g, Float, 4,
			G.WithShape(1, conf.Filter.Shape()[0], 1, 1),
			G.WithName(name+"_b"),
			G.WithValue(b))
	}
	return l, nil
}

// Apply convolves x with every binary base and combines the results with the
// current alphas, plus bias. x must be (batch, channels, height, width).
func (l *ApproxConv) Apply(x *G.Node) (*G.Node, error) {
	shp := l.conf.Filter.Shape()
	kernel := []int{shp[2], shp[3]}
	pad := l.conf.Pad.padding(shp[2], shp[3])
	stride := []int{l.conf.Stride[0], l.conf.Stride[1]}
	convs := make([]*G.Node, len(l.members))
	for i, member := range l.members {
		c, err := nnops.Conv2d(x, member, kernel, pad, stride, []int{1, 1})
		if err != nil {
			return nil, errors.Wrapf(err, "%s: conv with binary base %d", l.conf.name(), i)
		}
		convs[i] = c
	}
	retVal, err := weightedSum(convs, l.alpha)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		if retVal, err = G.BroadcastAdd(retVal, l.bias, nil, []byte{0, 2, 3}); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return retVal, nil
}

// FitAlphas refits the coefficients against the bank's current values with
// the given number of descent steps, then mirrors them onto the graph. The
// fit warm starts from wherever the previous fit left the coefficients.
func (l *ApproxConv) FitAlphas(steps int) error {
	if err := l.fitter.Fit(l.w.Value().(*tensor.Dense), steps); err != nil {
		return err
	}
	return l.mirrorAlphas()
}

// FitStep runs a single fitting step against the bank's current values and
// mirrors the result onto the graph.
func (l *ApproxConv) FitStep() error {
	if err := l.fitter.Bind(l.w.Value().(*tensor.Dense)); err != nil {
		return err
	}
	if err := l.fitter.Step(); err != nil {
		return err
	}
	return l.mirrorAlphas()
}

func (l *ApproxConv) mirrorAlphas() error {
	return errors.WithStack(G.Let(l.alpha, l.fitter.dense()))
}

// ResetAlphas re-noises the coefficients for a cold restart and mirrors them
// onto the graph.
func (l *ApproxConv) ResetAlphas() error {
	if err := l.fitter.Reset(); err != nil {
		return err
	}
	return l.mirrorAlphas()
}

// FitLoss reports the reconstruction error of the last fitting step.
func (l *ApproxConv) FitLoss() float32 { return l.fitter.Loss() }

// Alphas returns a copy of the current coefficients. It reads the graph side,
// so it stays truthful after a checkpoint load writes the variable directly.
func (l *ApproxConv) Alphas() []float32 { return cloneF32s(l.alpha.Value()) }

// FilterVar exposes the bank variable, so callers can hand it to a solver
// when fine tuning the real valued filters.
func (l *ApproxConv) FilterVar() *G.Node { return l.w }

// Vars lists the variables a checkpoint must carry.
func (l *ApproxConv) Vars() G.Nodes {
	retVal := G.Nodes{l.w, l.alpha}
	if l.bias != nil {
		retVal = append(retVal, l.bias)
	}
	return retVal
}

// Close releases the fitter.
func (l *ApproxConv) Close() error { return l.fitter.Close() }
