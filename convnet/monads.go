package convnet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

type maebe struct {
	err error
}

type batchNormOp interface {
	SetTraining()
	SetTesting()
	Reset() error
}

// generic monad... may be useful
func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// tensorVar registers a parameter, seeded from the given values or freshly
// initialized. A seed of the wrong shape fails here, before any machine runs.
func (m *maebe) tensorVar(g *G.ExprGraph, name string, shape tensor.Shape, seed *tensor.Dense, init G.InitWFn) *G.Node {
	if m.err != nil {
		return nil
	}
	if seed == nil {
		return G.NewTensor(g, Float, shape.Dims(), G.WithShape(shape.Clone()...), G.WithName(name), G.WithInit(init))
	}
	if !seed.Shape().Eq(shape) {
		m.err = errors.Errorf("%s: seeded with shape %v, want %v", name, seed.Shape(), shape)
		return nil
	}
	return G.NewTensor(g, Float, shape.Dims(), G.WithShape(shape.Clone()...), G.WithName(name), G.WithValue(seed.Clone().(*tensor.Dense)))
}

func (m *maebe) conv(input, filter *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	size := filter.Shape()[2]
	padding := findPadding(input.Shape()[2], input.Shape()[3], size, size)

	// assume well behaved images
	if retVal, m.err = nnops.Conv2d(input, filter, []int{size, size}, padding, []int{1, 1}, []int{1, 1}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// bias4d adds a (1, C, 1, 1) bias across a (B, C, H, W) activation.
func (m *maebe) bias4d(input, b *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.BroadcastAdd(input, b, nil, []byte{0, 2, 3}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) maxpool(input *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.MaxPool2D(input, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) batchnorm(input *G.Node) (retVal *G.Node, retOp batchNormOp) {
	if m.err != nil {
		return nil, nil
	}
	// note: the scale and biases will still be created
	// and they will still be backpropagated
	if retVal, _, _, retOp, m.err = nnops.BatchNorm(input, nil, nil, 0.997, 1e-5); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// linear is x·w plus a (1, units) bias broadcast across the batch.
func (m *maebe) linear(input, w, b *G.Node) *G.Node {
	xw := m.do(func() (*G.Node, error) { return G.Mul(input, w) })
	return m.do(func() (*G.Node, error) { return G.BroadcastAdd(xw, b, nil, []byte{0}) })
}

func (m *maebe) rectify(input *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.Rectify(input); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) dropout(input *G.Node, prob float64) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Dropout(input, prob); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) reshape(input *G.Node, to tensor.Shape) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Reshape(input, to); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

func (m *maebe) flatten(input *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	batches := input.Shape()[0]
	return m.reshape(input, tensor.Shape{batches, input.Shape().TotalSize() / batches})
}

func (m *maebe) softmax(input *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.SoftMax(input) })
}

// crossEntropy is the softmax cross entropy against one hot targets,
// averaged.
func (m *maebe) crossEntropy(output, target *G.Node) (retVal *G.Node) {
	logp := m.do(func() (*G.Node, error) { return G.Log(output) })
	ce := m.do(func() (*G.Node, error) { return G.HadamardProd(target, logp) })
	mean := m.do(func() (*G.Node, error) { return G.Mean(ce) })
	return m.do(func() (*G.Node, error) { return G.Neg(mean) })
}

func findPadding(inputX, inputY, kernelX, kernelY int) []int {
	return []int{
		(inputX - 1 - inputX + kernelX) / 2,
		(inputY - 1 - inputY + kernelY) / 2,
	}
}
