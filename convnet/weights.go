package convnet

import (
	"strings"

	rng "github.com/leesper/go_rng"
	"gorgonia.org/tensor"
)

// RandomWeights synthesizes a full parameter set for the architecture:
// gaussian weights, zero biases. It stands in for a pretrained CNN when a net
// should skip the pretraining step, and it seeds test fixtures.
func RandomWeights(conf Config, seed int64) map[string]*tensor.Dense {
	gauss := rng.NewGaussianGenerator(seed)
	shapes := conf.ParamShapes()
	retVal := make(map[string]*tensor.Dense, len(paramNames))
	for _, name := range paramNames {
		shape := shapes[name]
		backing := make([]float32, shape.TotalSize())
		if !strings.HasSuffix(name, "_b") {
			for i := range backing {
				backing[i] = float32(gauss.Gaussian(0, 0.1))
			}
		}
		retVal[name] = tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(backing))
	}
	return retVal
}
