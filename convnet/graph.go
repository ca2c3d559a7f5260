package convnet

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
	"github.com/pkg/errors"
)

type dotLayer struct {
	id    string
	label string
}

func archDot(name string, layers []dotLayer) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName(name); err != nil {
		return "", errors.WithStack(err)
	}
	g.SetDir(true)

	prev := ""
	for _, l := range layers {
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    "box",
			"label":    strconv.Quote(l.label),
		}
		if err := g.AddNode(name, l.id, attrs); err != nil {
			return "", errors.WithStack(err)
		}
		if prev != "" {
			if err := g.AddEdge(prev, l.id, true, nil); err != nil {
				return "", errors.WithStack(err)
			}
		}
		prev = l.id
	}
	return g.String(), nil
}

// ToDot renders the baseline architecture as a graphviz document.
func (n *CNN) ToDot() (string, error) {
	layers := []dotLayer{
		{"xs", fmt.Sprintf("input %d×%d×%d", n.Channels, n.Height, n.Width)},
		{"conv1", fmt.Sprintf("conv %d×%d, %d + relu", n.Kernel, n.Kernel, n.Conv1)},
		{"pool1", "maxpool 2×2"},
		{"conv2", fmt.Sprintf("conv %d×%d, %d + relu", n.Kernel, n.Kernel, n.Conv2)},
		{"pool2", "maxpool 2×2"},
		{"fc1", fmt.Sprintf("fc %d + relu", n.FC)},
	}
	if n.Dropout > 0 {
		layers = append(layers, dotLayer{"dropout", fmt.Sprintf("dropout %.2f", n.Dropout)})
	}
	layers = append(layers,
		dotLayer{"out", fmt.Sprintf("fc %d", n.Classes)},
		dotLayer{"softmax", "softmax"},
	)
	return archDot("cnn", layers)
}

// ToDot renders the binarized architecture as a graphviz document.
func (n *ABCNet) ToDot() (string, error) {
	layers := []dotLayer{
		{"xs", fmt.Sprintf("input %d×%d×%d", n.Channels, n.Height, n.Width)},
		{"conv1", fmt.Sprintf("conv %d×%d, %d + relu", n.Kernel, n.Kernel, n.Conv1)},
		{"pool1", "maxpool 2×2"},
		{"abc", fmt.Sprintf("abc conv %d×%d, %d (M=%d, K=%d)", n.Kernel, n.Kernel, n.Conv2, n.M, n.K)},
	}
	if n.BatchNorm {
		layers = append(layers, dotLayer{"bn", "batchnorm"})
	}
	layers = append(layers,
		dotLayer{"pool2", "relu + maxpool 2×2"},
		dotLayer{"fc1", fmt.Sprintf("fc %d + relu", n.FC)},
	)
	if n.Dropout > 0 {
		layers = append(layers, dotLayer{"dropout", fmt.Sprintf("dropout %.2f", n.Dropout)})
	}
	layers = append(layers,
		dotLayer{"out", fmt.Sprintf("fc %d", n.Classes)},
		dotLayer{"softmax", "softmax"},
	)
	return archDot("abcnet", layers)
}
