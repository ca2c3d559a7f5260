package convnet

import (
	"gorgonia.org/tensor"

	"github.com/gorgonia/abcnet/abc"
)

// Config configures the neural network pair: the full precision baseline and
// its binarized counterpart share the topology.
type Config struct {
	Height, Width int // input plane size
	Channels      int // input feature planes
	Classes       int

	Conv1, Conv2 int     // filter counts of the two conv blocks
	Kernel       int     // square kernel size of both blocks, odd
	FC           int     // fc layer width
	Dropout      float64 // drop probability after the fc layer

	// binarization of the second conv block
	M, K        int  // binary filter bases, activation branches
	TuneFilters bool // keep training the real valued bank
	BatchNorm   bool // batchnorm after the binary block
	Fit         abc.FitConf

	BatchSize int
	FwdOnly   bool // is this a fwd only graph?
}

func DefaultConf() Config {
	return Config{
		Height:   28,
		Width:    28,
		Channels: 1,
		Classes:  10,

		Conv1:   32,
		Conv2:   64,
		Kernel:  5,
		FC:      1024,
		Dropout: 0.5,

		M:         5,
		K:         3,
		BatchNorm: true,
		Fit:       abc.DefaultFitConf(),

		BatchSize: 100,
	}
}

func (conf Config) IsValid() bool {
	return conf.Height >= 4 &&
		conf.Width >= 4 &&
		conf.Channels >= 1 &&
		conf.Classes >= 2 &&
		conf.Conv1 >= 1 &&
		conf.Conv2 >= 1 &&
		conf.Kernel >= 1 &&
		conf.Kernel%2 == 1 &&
		conf.Kernel <= conf.Height &&
		conf.Kernel <= conf.Width &&
		conf.FC > 1 &&
		conf.Dropout >= 0 &&
		conf.Dropout < 1 &&
		conf.M >= 1 &&
		conf.K >= 1 &&
		conf.BatchSize >= 1
}

// ParamShapes derives the parameter shapes of the architecture. Both blocks
// convolve with same padding, so only the pools shrink the planes.
func (conf Config) ParamShapes() map[string]tensor.Shape {
	ph, pw := poolOut(conf.Height), poolOut(conf.Width)
	ph, pw = poolOut(ph), poolOut(pw)
	flat := conf.Conv2 * ph * pw
	return map[string]tensor.Shape{
		"conv1_w": {conf.Conv1, conf.Channels, conf.Kernel, conf.Kernel},
		"conv1_b": {1, conf.Conv1, 1, 1},
		"conv2_w": {conf.Conv2, conf.Conv1, conf.Kernel, conf.Kernel},
		"conv2_b": {1, conf.Conv2, 1, 1},
		"fc1_w":   {flat, conf.FC},
		"fc1_b":   {1, conf.FC},
		"out_w":   {conf.FC, conf.Classes},
		"out_b":   {1, conf.Classes},
	}
}

// paramNames is the canonical ordering of the parameter set.
var paramNames = []string{"conv1_w", "conv1_b", "conv2_w", "conv2_b", "fc1_w", "fc1_b", "out_w", "out_b"}

func poolOut(d int) int { return (d-2)/2 + 1 }
