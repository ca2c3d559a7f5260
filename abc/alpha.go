package abc

import (
	"github.com/chewxy/math32"
	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// FitConf configures the inner least squares fit of the combination
// coefficients. The zero value is usable: vanilla gradient descent at 0.01
// with a plain 1.0 init and no noise.
type FitConf struct {
	LearnRate float64 // step size of the descent
	InitStd   float64 // stddev of the gaussian noise around the 1.0 init
	Seed      int64
}

// DefaultFitConf is the configuration the training loops use.
func DefaultFitConf() FitConf {
	return FitConf{
		LearnRate: 0.01,
		InitStd:   0.1,
		Seed:      1337,
	}
}

func (c FitConf) withDefaults() FitConf {
	if c.LearnRate <= 0 {
		c.LearnRate = 0.01
	}
	if c.InitStd < 0 {
		c.InitStd = 0
	}
	return c
}

// AlphaFitter owns the problem of fitting m combination coefficients so that
// Σ alpha[i]·B[i] tracks a real valued filter bank, where the B[i] are the
// bank's binary bases. It holds a private expression graph with its own
// machine and solver, entirely apart from any task graph: the fit is a
// side computation and must not disturb task gradients.
//
// The bases are re-derived from the bound bank on every run, so a Step after
// a re-Bind fits the fresh values.
type AlphaFitter struct {
	m    int
	n    int
	conf FitConf

	g       *G.ExprGraph
	target  *G.Node
	alpha   *G.Node
	loss    *G.Node
	lossVal G.Value

	machine G.VM
	solver  G.Solver
	gauss   *rng.GaussianGenerator
	bound   bool
}

// NewAlphaFitter builds the fitting graph for m binary bases over filter
// banks of the given shape. The graph flattens the bank, binarizes it at the
// spread shifts and descends on the mean squared reconstruction error.
func NewAlphaFitter(m int, shape tensor.Shape, conf FitConf) (*AlphaFitter, error) {
	if m < 1 {
		return nil, errors.Errorf("need at least 1 binary base, got %d", m)
	}
	if shape.TotalSize() == 0 {
		return nil, errors.Errorf("cannot fit over an empty filter bank (shape %v)", shape)
	}
	f := &AlphaFitter{
		m:     m,
		n:     shape.TotalSize(),
		conf:  conf.withDefaults(),
		g:     G.NewGraph(),
		gauss: rng.NewGaussianGenerator(conf.Seed),
	}
	f.target = G.NewVector(f.g, Float, G.WithShape(f.n), G.WithName("target"))
	f.alpha = G.NewVector(f.g, Float, G.WithShape(f.m), G.WithName("alpha"), G.WithValue(f.initAlphas()))

	members, err := BinarizeFilters(f.target, f.m)
	if err != nil {
		return nil, err
	}
	approx, err := weightedSum(members, f.alpha)
	if err != nil {
		return nil, err
	}
	var resid, sq *G.Node
	if resid, err = G.Sub(f.target, approx); err != nil {
		return nil, errors.WithStack(err)
	}
	if sq, err = G.Square(resid); err != nil {
		return nil, errors.WithStack(err)
	}
	if f.loss, err = G.Mean(sq); err != nil {
		return nil, errors.WithStack(err)
	}
	G.Read(f.loss, &f.lossVal)
	if _, err = G.Grad(f.loss, f.alpha); err != nil {
		return nil, errors.WithStack(err)
	}
	f.machine = G.NewTapeMachine(f.g, G.BindDualValues(f.alpha))
	f.solver = G.NewVanillaSolver(G.WithLearnRate(f.conf.LearnRate))
	return f, nil
}

func (f *AlphaFitter) initAlphas() *tensor.Dense {
	backing := make([]float32, f.m)
	for i := range backing {
		if f.conf.InitStd <= 0 {
			backing[i] = 1
			continue
		}
		backing[i] = float32(f.gauss.Gaussian(1, f.conf.InitStd))
	}
	return tensor.New(tensor.WithShape(f.m), tensor.WithBacking(backing))
}

// Bind points the fitter at a filter bank. The bank is cloned and flattened
// into the target, so later mutation of w does not leak into a running fit.
func (f *AlphaFitter) Bind(w *tensor.Dense) error {
	if w == nil {
		return errors.New("cannot bind a nil filter bank")
	}
	if w.Shape().TotalSize() != f.n {
		return errors.Errorf("filter bank has %d elements, fitter wants %d", w.Shape().TotalSize(), f.n)
	}
	flat := w.Clone().(*tensor.Dense)
	if err := flat.Reshape(f.n); err != nil {
		return errors.WithStack(err)
	}
	if err := G.Let(f.target, flat); err != nil {
		return errors.WithStack(err)
	}
	f.bound = true
	return nil
}

// Step runs a single descent step on the alphas against the bound bank.
func (f *AlphaFitter) Step() error {
	if !f.bound {
		return errors.New("no filter bank bound: call Bind or Fit first")
	}
	if err := f.machine.RunAll(); err != nil {
		return errors.WithStack(err)
	}
	if err := f.solver.Step(G.NodesToValueGrads(G.Nodes{f.alpha})); err != nil {
		return errors.WithStack(err)
	}
	f.machine.Reset()
	return nil
}

// Fit binds w and runs the given number of descent steps. Non convergence is
// not an error: the caller reads Loss if it cares how far the fit got.
func (f *AlphaFitter) Fit(w *tensor.Dense, steps int) error {
	if err := f.Bind(w); err != nil {
		return err
	}
	for i := 0; i < steps; i++ {
		if err := f.Step(); err != nil {
			return errors.Wrapf(err, "alpha fit step %d", i)
		}
	}
	return nil
}

// Alphas returns a copy of the current coefficients.
func (f *AlphaFitter) Alphas() []float32 {
	return cloneF32s(f.alpha.Value())
}

// Loss reports the mean squared reconstruction error of the last Step.
// Before any Step it is NaN.
func (f *AlphaFitter) Loss() float32 {
	if f.lossVal == nil {
		return math32.NaN()
	}
	data := f32sOf(f.lossVal)
	if len(data) == 0 {
		return math32.NaN()
	}
	return data[0]
}

// Reset re-noises the coefficients for a cold restart. Fits warm start from
// the previous coefficients unless this is called in between.
func (f *AlphaFitter) Reset() error {
	return errors.WithStack(G.Let(f.alpha, f.initAlphas()))
}

// Close releases the fitter's machine.
func (f *AlphaFitter) Close() error {
	return f.machine.Close()
}

func (f *AlphaFitter) dense() *tensor.Dense {
	return tensor.New(tensor.WithShape(f.m), tensor.WithBacking(f.Alphas()))
}
