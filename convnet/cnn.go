package convnet

import (
	"bytes"
	"encoding/gob"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// CNN is the full precision baseline: two same padded convolution blocks with
// rectification and 2×2 pooling, then two fully connected layers ending in a
// softmax.
type CNN struct {
	Config

	g      *G.ExprGraph
	xs, ys *G.Node

	conv1w, conv1b *G.Node
	conv2w, conv2b *G.Node
	fc1w, fc1b     *G.Node
	outw, outb     *G.Node

	out  *G.Node
	pred G.Value
	cost G.Value
}

// NewCNN returns a new, uninitialized *CNN.
func NewCNN(conf Config) *CNN {
	return &CNN{
		Config: conf,
	}
}

// Init builds the graph with fresh Glorot parameters.
func (n *CNN) Init() error { return n.InitFrom(nil) }

// InitFrom builds the graph, seeding any parameter present in params and
// freshly initializing the rest. Seeds of the wrong shape fail here.
func (n *CNN) InitFrom(params map[string]*tensor.Dense) error {
	if !n.Config.IsValid() {
		return errors.Errorf("invalid config %#v", n.Config)
	}
	n.reset()
	n.g = G.NewGraph()

	shapes := n.ParamShapes()
	pick := func(name string) *tensor.Dense {
		if params == nil {
			return nil
		}
		return params[name]
	}
	var m maebe
	n.conv1w = m.tensorVar(n.g, "conv1_w", shapes["conv1_w"], pick("conv1_w"), G.GlorotU(1.0))
	n.conv1b = m.tensorVar(n.g, "conv1_b", shapes["conv1_b"], pick("conv1_b"), G.Zeroes())
	n.conv2w = m.tensorVar(n.g, "conv2_w", shapes["conv2_w"], pick("conv2_w"), G.GlorotU(1.0))
	n.conv2b = m.tensorVar(n.g, "conv2_b", shapes["conv2_b"], pick("conv2_b"), G.Zeroes())
	n.fc1w = m.tensorVar(n.g, "fc1_w", shapes["fc1_w"], pick("fc1_w"), G.GlorotN(1.0))
	n.fc1b = m.tensorVar(n.g, "fc1_b", shapes["fc1_b"], pick("fc1_b"), G.Zeroes())
	n.outw = m.tensorVar(n.g, "out_w", shapes["out_w"], pick("out_w"), G.GlorotN(1.0))
	n.outb = m.tensorVar(n.g, "out_b", shapes["out_b"], pick("out_b"), G.Zeroes())

	n.fwd(&m)
	if m.err != nil {
		return m.err
	}
	return n.bwd()
}

func (n *CNN) fwd(m *maebe) {
	// data comes in BCHW, the only format gorgonia convolves
	n.xs = G.NewTensor(n.g, Float, 4, G.WithShape(n.BatchSize, n.Channels, n.Height, n.Width), G.WithName("xs"))

	block1 := m.maxpool(m.rectify(m.bias4d(m.conv(n.xs, n.conv1w), n.conv1b)))
	block2 := m.maxpool(m.rectify(m.bias4d(m.conv(block1, n.conv2w), n.conv2b)))

	hidden := m.rectify(m.linear(m.flatten(block2), n.fc1w, n.fc1b))
	if !n.FwdOnly && n.Dropout > 0 {
		hidden = m.dropout(hidden, n.Dropout)
	}
	logits := m.linear(hidden, n.outw, n.outb)
	n.out = m.softmax(logits)
	G.Read(n.out, &n.pred)
}

func (n *CNN) bwd() error {
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

	if _, err := G.Grad(cost, n.Model()...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Model lists the trainable parameters.
func (n *CNN) Model() G.Nodes {
	retVal := make(G.Nodes, 0, 8)
	for _, node := range n.g.AllNodes() {
		if node.IsVar() && node != n.xs && node != n.ys {
			retVal = append(retVal, node)
		}
	}
	return retVal
}

// ParamValues clones the current parameters keyed by name, for transfer into
// an ABCNet or a forward only twin.
func (n *CNN) ParamValues() map[string]*tensor.Dense {
	retVal := make(map[string]*tensor.Dense)
	for _, node := range n.Model() {
		retVal[node.Name()] = node.Value().(*tensor.Dense).Clone().(*tensor.Dense)
	}
	return retVal
}

// Cost reports the cost of the last training run. NaN before any run.
func (n *CNN) Cost() float32 {
	if n.cost == nil {
		return math32.NaN()
	}
	return f32sOf(n.cost)[0]
}

// SetTesting is a no-op: the baseline carries no batchnorm state.
func (n *CNN) SetTesting() {}

// Close is a no-op, for symmetry with ABCNet.
func (n *CNN) Close() error { return nil }

func (n *CNN) graph() *G.ExprGraph { return n.g }
func (n *CNN) input() *G.Node      { return n.xs }
func (n *CNN) output() G.Value     { return n.pred }
func (n *CNN) resetOps() error     { return nil }

func (n *CNN) reset() {
	n.g = nil
	n.xs = nil
	n.ys = nil
	n.out = nil
}

func (n *CNN) GobEncode() (retVal []byte, err error) {
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

func (n *CNN) GobDecode(p []byte) error {
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
