package convnet

import (
	"bytes"
	"encoding/gob"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/gorgonia/abcnet/abc"
)

// ABCNet is the binarized counterpart of the CNN: same topology, but the
// second convolution block is an accurate binary convolution layer. It is
// seeded from a full parameter set, usually a trained CNN's ParamValues.
//
// By default only the fully connected stack, the batchnorm scales and the
// binary layer's shifts and betas train; the convolution banks stay frozen at
// their seeded values unless TuneFilters is set.
type ABCNet struct {
	Config
	Weights map[string]*tensor.Dense

	g      *G.ExprGraph
	xs, ys *G.Node

	conv1w, conv1b *G.Node
	abcl           *abc.ABC
	ops            []batchNormOp

	out  *G.Node
	pred G.Value
	cost G.Value
}

// NewABCNet returns a new, uninitialized *ABCNet over the given seed weights.
func NewABCNet(conf Config, weights map[string]*tensor.Dense) *ABCNet {
	return &ABCNet{
		Config:  conf,
		Weights: weights,
	}
}

// Init builds the graph. Missing or misshapen seed weights fail here, before
// any machine runs.
func (n *ABCNet) Init() error {
	if !n.Config.IsValid() {
		return errors.Errorf("invalid config %#v", n.Config)
	}
	if err := n.checkWeights(); err != nil {
		return err
	}
	n.reset()
	n.g = G.NewGraph()

	shapes := n.ParamShapes()
	var m maebe
	n.conv1w = m.tensorVar(n.g, "conv1_w", shapes["conv1_w"], n.Weights["conv1_w"], nil)
	n.conv1b = m.tensorVar(n.g, "conv1_b", shapes["conv1_b"], n.Weights["conv1_b"], nil)

	abcl, err := abc.NewABC(n.g, abc.ABCConf{
		M:      n.M,
		K:      n.K,
		Filter: n.Weights["conv2_w"],
		Bias:   n.Weights["conv2_b"],
		Pad:    abc.Same,
		Name:   "conv2",
		Fit:    n.Fit,
	})
	if err != nil {
		return err
	}
	n.abcl = abcl

	fc1w := m.tensorVar(n.g, "fc1_w", shapes["fc1_w"], n.Weights["fc1_w"], nil)
	fc1b := m.tensorVar(n.g, "fc1_b", shapes["fc1_b"], n.Weights["fc1_b"], nil)
	outw := m.tensorVar(n.g, "out_w", shapes["out_w"], n.Weights["out_w"], nil)
	outb := m.tensorVar(n.g, "out_b", shapes["out_b"], n.Weights["out_b"], nil)

	// fwd
	n.xs = G.NewTensor(n.g, Float, 4, G.WithShape(n.BatchSize, n.Channels, n.Height, n.Width), G.WithName("xs"))
	block1 := m.maxpool(m.rectify(m.bias4d(m.conv(n.xs, n.conv1w), n.conv1b)))

	binarized := m.do(func() (*G.Node, error) { return n.abcl.Apply(block1) })
	if n.BatchNorm {
		var op batchNormOp
		binarized, op = m.batchnorm(binarized)
		n.ops = append(n.ops, op)
	}
	block2 := m.maxpool(m.rectify(binarized))

	hidden := m.rectify(m.linear(m.flatten(block2), fc1w, fc1b))
	if !n.FwdOnly && n.Dropout > 0 {
		hidden = m.dropout(hidden, n.Dropout)
	}
	logits := m.linear(hidden, outw, outb)
	n.out = m.softmax(logits)
	G.Read(n.out, &n.pred)
	if m.err != nil {
		return m.err
	}

	return n.bwd()
}

func (n *ABCNet) bwd() error {
	if n.FwdOnly {
		return nil
	}
	n.ys = G.NewMatrix(n.g, Float, G.WithShape(n.BatchSize, n.Classes), G.WithName("ys"))

	var m maebe
	cost := m.crossEntropy(n.out, n.ys)
	if m.err != nil {
		return m.err
	}
	G.Read(cost, &n.cost)

	if _, err := G.Grad(cost, n.Learnables()...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (n *ABCNet) checkWeights() error {
	if n.Weights == nil {
		return errors.New("an ABCNet needs seed weights: train a CNN or use RandomWeights")
	}
	shapes := n.ParamShapes()
	for _, name := range paramNames {
		w, ok := n.Weights[name]
		if !ok || w == nil {
			return errors.Errorf("missing seed weight %q", name)
		}
		if !w.Shape().Eq(shapes[name]) {
			return errors.Errorf("%s: got shape %v, want %v", name, w.Shape(), shapes[name])
		}
	}
	return nil
}

// Model lists every variable a checkpoint must carry, including the frozen
// banks, the fitted alphas and the batchnorm scales.
func (n *ABCNet) Model() G.Nodes {
	retVal := make(G.Nodes, 0, n.g.Nodes().Len())
	for _, node := range n.g.AllNodes() {
		if node.IsVar() && node != n.xs && node != n.ys {
			retVal = append(retVal, node)
		}
	}
	return retVal
}

// Learnables lists what the task solver owns. The alphas never appear: they
// are fit out of band against the bank. The banks only join with TuneFilters.
func (n *ABCNet) Learnables() G.Nodes {
	skip := make(map[*G.Node]struct{})
	for _, v := range n.abcl.Vars() {
		skip[v] = struct{}{}
	}
	if !n.TuneFilters {
		skip[n.conv1w] = struct{}{}
		skip[n.conv1b] = struct{}{}
	}
	retVal := n.abcl.Learnables(n.TuneFilters)
	for _, node := range n.g.AllNodes() {
		if !node.IsVar() || node == n.xs || node == n.ys {
			continue
		}
		if _, ok := skip[node]; ok {
			continue
		}
		retVal = append(retVal, node)
	}
	return retVal
}

// ABC exposes the binary layer, for fitting, inspection and rendering.
func (n *ABCNet) ABC() *abc.ABC { return n.abcl }

// Cost reports the cost of the last training run. NaN before any run.
func (n *ABCNet) Cost() float32 {
	if n.cost == nil {
		return math32.NaN()
	}
	return f32sOf(n.cost)[0]
}

// SetTesting flips the batchnorm ops into inference mode.
func (n *ABCNet) SetTesting() {
	for _, op := range n.ops {
		op.SetTesting()
	}
}

// Close releases the binary layer's fitter.
func (n *ABCNet) Close() error {
	if n.abcl == nil {
		return nil
	}
	return n.abcl.Close()
}

func (n *ABCNet) graph() *G.ExprGraph { return n.g }
func (n *ABCNet) input() *G.Node      { return n.xs }
func (n *ABCNet) output() G.Value     { return n.pred }

func (n *ABCNet) resetOps() error {
	for _, op := range n.ops {
		if err := op.Reset(); err != nil {
			return err
		}
	}
	return nil
}

func (n *ABCNet) reset() {
	n.g = nil
	n.xs = nil
	n.ys = nil
	n.out = nil
	n.abcl = nil
	n.ops = nil
}

func (n *ABCNet) GobEncode() (retVal []byte, err error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, node := range n.Model() {
		v := node.Value()
		if err = enc.Encode(&v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (n *ABCNet) GobDecode(p []byte) error {
	if err := n.Init(); err != nil {
		return err
	}
	buf := bytes.NewBuffer(p)
	dec := gob.NewDecoder(buf)
	for _, node := range n.Model() {
		var v G.Value
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if err := G.Let(node, v); err != nil {
			return err
		}
	}
	return nil
}
