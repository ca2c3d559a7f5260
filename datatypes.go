package abcnet

import (
	"gorgonia.org/tensor"

	"github.com/gorgonia/abcnet/convnet"
)

// Config for the Experiment structure. The embedded network config describes
// the topology both networks share; the rest is the training schedule.
type Config struct {
	convnet.Config

	PretrainEpochs int // full precision epochs before the transfer
	TrainEpochs    int // binarized epochs after the transfer
	AlphaSteps     int // descent steps per coefficient refit
	WarmStartAlpha bool
	PretrainRate   float64
	LearnRate      float64
	Seed           int64
	DataDir        string

	// extensions
	BankEncoder BankEncoder
}

// DefaultConfig is a schedule for the stock MNIST topology.
func DefaultConfig() Config {
	return Config{
		Config: convnet.DefaultConf(),

		PretrainEpochs: 3,
		TrainEpochs:    10,
		AlphaSteps:     200,
		WarmStartAlpha: true,
		PretrainRate:   1e-4,
		LearnRate:      1e-4,
		Seed:           1337,
	}
}

// IsValid extends the network config check over the schedule.
func (c Config) IsValid() bool {
	return c.Config.IsValid() &&
		c.PretrainEpochs >= 0 &&
		c.TrainEpochs >= 0 &&
		c.AlphaSteps >= 0 &&
		c.PretrainRate > 0 &&
		c.LearnRate > 0
}

// BankEncoder encodes snapshots of the binary layer's filter bank as
// whatever.
//
// An example BankEncoder is the filterviz Encoder. Another example would be a
// logger.
type BankEncoder interface {
	Encode(bank *tensor.Dense, m int, alphas []float32, caption string) error
	Flush() error
}
