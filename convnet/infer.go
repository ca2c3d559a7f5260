package convnet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// network is what the inferencer needs from a net: its graph, its input and
// prediction nodes, and a way into testing mode.
type network interface {
	Model() G.Nodes
	SetTesting()
	Close() error

	graph() *G.ExprGraph
	input() *G.Node
	output() G.Value
	resetOps() error
}

// Inferencer holds a forward only twin of a trained network together with a
// reusable VM, so prediction does not rebuild a machine per call.
type Inferencer struct {
	n       network
	m       G.VM
	in      *tensor.Dense
	batch   int
	classes int
}

// InferCNN builds a forward only clone of a trained CNN, sized to the given
// batch.
func InferCNN(n *CNN, batchSize int) (*Inferencer, error) {
	conf := n.Config
	conf.FwdOnly = true
	conf.BatchSize = batchSize
	clone := NewCNN(conf)
	if err := clone.InitFrom(n.ParamValues()); err != nil {
		return nil, err
	}
	return newInferencer(clone, conf), nil
}

// InferABC builds a forward only clone of a trained ABCNet, sized to the
// given batch. Everything that moved since seeding comes along: fitted
// alphas, trained shifts and betas, batchnorm scales, tuned banks.
func InferABC(n *ABCNet, batchSize int) (*Inferencer, error) {
	conf := n.Config
	conf.FwdOnly = true
	conf.BatchSize = batchSize
	clone := NewABCNet(conf, n.Weights)
	if err := clone.Init(); err != nil {
		return nil, err
	}

	model := n.Model()
	cloneModel := clone.Model()
	if len(model) != len(cloneModel) {
		return nil, errors.Errorf("clone has %d variables, original %d", len(cloneModel), len(model))
	}
	for i, node := range model {
		v, err := cloneDense(node.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "cloning %v", node.Name())
		}
		if err := G.Let(cloneModel[i], v); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return newInferencer(clone, conf), nil
}

func newInferencer(n network, conf Config) *Inferencer {
	n.SetTesting()
	return &Inferencer{
		n:       n,
		m:       G.NewTapeMachine(n.graph()),
		in:      tensor.New(tensor.WithShape(conf.BatchSize, conf.Channels, conf.Height, conf.Width), tensor.Of(Float)),
		batch:   conf.BatchSize,
		classes: conf.Classes,
	}
}

// Predict classifies one batch of inputs and returns the argmax class of
// every row. xs must carry exactly the inferencer's batch size.
func (inf *Inferencer) Predict(xs *tensor.Dense) ([]int, error) {
	if xs == nil {
		return nil, errors.New("nil input")
	}
	if xs.Shape()[0] != inf.batch {
		return nil, errors.Errorf("want %d rows, got %d", inf.batch, xs.Shape()[0])
	}
	if err := inf.n.resetOps(); err != nil {
		return nil, err
	}

	// copy into the preallocated input tensor
	inf.in.Zero()
	data := inf.in.Data().([]float32)
	src := f32sOf(xs)
	if len(src) != len(data) {
		return nil, errors.Errorf("input carries %d values, want %d", len(src), len(data))
	}
	copy(data, src)

	inf.m.Reset()
	if err := G.Let(inf.n.input(), inf.in); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := inf.m.RunAll(); err != nil {
		return nil, errors.WithStack(err)
	}

	probs := f32sOf(inf.n.output())
	retVal := make([]int, inf.batch)
	for i := range retVal {
		retVal[i] = argmax(probs[i*inf.classes : (i+1)*inf.classes])
	}
	return retVal, nil
}

// Score classifies one batch and counts the predictions that match the one
// hot labels.
func (inf *Inferencer) Score(xs, ys *tensor.Dense) (correct, total int, err error) {
	preds, err := inf.Predict(xs)
	if err != nil {
		return 0, 0, err
	}
	labels := f32sOf(ys)
	if len(labels) != inf.batch*inf.classes {
		return 0, 0, errors.Errorf("labels carry %d values, want %d", len(labels), inf.batch*inf.classes)
	}
	for i, pred := range preds {
		if pred == argmax(labels[i*inf.classes:(i+1)*inf.classes]) {
			correct++
		}
	}
	return correct, len(preds), nil
}

// Accuracy classifies a whole set batch by batch and scores it against one
// hot labels. Trailing rows that do not fill a batch are dropped.
func (inf *Inferencer) Accuracy(xs, ys *tensor.Dense) (float64, error) {
	if xs.Shape()[0] != ys.Shape()[0] {
		return 0, errors.Errorf("inputs have %d rows, labels have %d", xs.Shape()[0], ys.Shape()[0])
	}
	batches := xs.Shape()[0] / inf.batch
	if batches < 1 {
		return 0, errors.Errorf("%d rows cannot fill a batch of %d", xs.Shape()[0], inf.batch)
	}

	var s slicer
	var correct, total int
	for b := 0; b < batches; b++ {
		start := b * inf.batch
		end := start + inf.batch
		xb := s.Slice(xs, sli(start, end))
		yb := s.Slice(ys, sli(start, end))
		if s.err != nil {
			return 0, s.err
		}
		c, n, err := inf.Score(xb, yb)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", b)
		}
		correct += c
		total += n
		tensor.ReturnTensor(xb)
		tensor.ReturnTensor(yb)
	}
	return float64(correct) / float64(total), nil
}

// Close releases the VM and the cloned network.
func (inf *Inferencer) Close() error {
	if err := inf.n.Close(); err != nil {
		inf.m.Close()
		return err
	}
	return inf.m.Close()
}
