// Package abcnet trains convolutional networks whose convolutions are
// replaced by accurate binary ones, after Lin et al. (2017). The workflow is
// pretrain a full precision baseline, transfer its parameters into the
// binarized network, train that, evaluate. An Experiment drives all of it
// and keeps the numbers.
package abcnet

import (
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/gorgonia/abcnet/convnet"
	"github.com/gorgonia/abcnet/mnist"
)

// Experiment is the top level structure and the entry point of the API. It
// wraps the full precision baseline and its binarized counterpart, and
// records what both do.
type Experiment struct {
	// state
	History

	// config
	conf Config
	rng  *rand.Rand

	cnn *convnet.CNN
	abc *convnet.ABCNet

	// io
	outEnc BankEncoder
}

// New Experiment over the given config.
func New(conf Config) (*Experiment, error) {
	if !conf.IsValid() {
		return nil, errors.Errorf("invalid config %#v", conf)
	}
	return &Experiment{
		History: makeHistory(),
		conf:    conf,
		rng:     rand.New(rand.NewSource(conf.Seed)),
		outEnc:  conf.BankEncoder,
	}, nil
}

// Baseline exposes the full precision network. Nil before Pretrain.
func (e *Experiment) Baseline() *convnet.CNN { return e.cnn }

// Net exposes the binarized network. Nil before Transfer.
func (e *Experiment) Net() *convnet.ABCNet { return e.abc }

// Pretrain trains the full precision baseline for PretrainEpochs over the
// training split, one history record per epoch.
func (e *Experiment) Pretrain(d *mnist.Dataset) error {
	if d == nil || d.TrainXs == nil || d.TrainYs == nil {
		return errors.New("need a training split")
	}
	if e.cnn == nil {
		e.cnn = convnet.NewCNN(e.conf.Config)
		if err := e.cnn.Init(); err != nil {
			return err
		}
	}
	for epoch := 0; epoch < e.conf.PretrainEpochs; epoch++ {
		start := time.Now()
		costs, err := convnet.TrainCNN(e.cnn, d.TrainXs, d.TrainYs, convnet.TrainConf{
			Epochs:    1,
			LearnRate: e.conf.PretrainRate,
			Rand:      e.rng,
		})
		if err != nil {
			return errors.Wrapf(err, "pretrain epoch %d", epoch)
		}
		acc := math.NaN()
		if d.ValidXs != nil && d.ValidYs != nil {
			inf, err := convnet.InferCNN(e.cnn, e.conf.BatchSize)
			if err != nil {
				return errors.Wrapf(err, "validation after pretrain epoch %d", epoch)
			}
			if acc, err = validate(inf, d); err != nil {
				return errors.Wrapf(err, "validation after pretrain epoch %d", epoch)
			}
		}
		r := Record{
			Phase:     "pretrain",
			Epoch:     epoch,
			Cost:      costs[0],
			AlphaLoss: math32.NaN(),
			Accuracy:  acc,
			Duration:  time.Since(start),
		}
		e.record(r)
		log.Printf("pretrain epoch %d: cost %.4f, validation %.4f (%v)", epoch, r.Cost, r.Accuracy, r.Duration.Round(time.Millisecond))
	}
	return nil
}

// Transfer seeds the binarized network from the baseline's parameters, or
// from random weights when no baseline was trained. Any previous binarized
// network is released.
func (e *Experiment) Transfer() error {
	var weights map[string]*tensor.Dense
	if e.cnn != nil {
		weights = e.cnn.ParamValues()
	} else {
		log.Printf("no pretrained baseline, seeding from random weights")
		weights = convnet.RandomWeights(e.conf.Config, e.conf.Seed)
	}
	if e.abc != nil {
		if err := e.abc.Close(); err != nil {
			return err
		}
	}
	e.abc = convnet.NewABCNet(e.conf.Config, weights)
	return e.abc.Init()
}

// TrainABC trains the binarized network for TrainEpochs, refitting the
// combination coefficients along the way. Transfer runs first if it has not
// yet. One history record per epoch, and one frame to the bank encoder when
// one is configured.
func (e *Experiment) TrainABC(d *mnist.Dataset) error {
	if d == nil || d.TrainXs == nil || d.TrainYs == nil {
		return errors.New("need a training split")
	}
	if e.abc == nil {
		if err := e.Transfer(); err != nil {
			return err
		}
	}
	for epoch := 0; epoch < e.conf.TrainEpochs; epoch++ {
		start := time.Now()
		costs, err := convnet.TrainABC(e.abc, d.TrainXs, d.TrainYs, convnet.TrainConf{
			Epochs:     1,
			LearnRate:  e.conf.LearnRate,
			AlphaSteps: e.conf.AlphaSteps,
			WarmStart:  e.conf.WarmStartAlpha,
			Rand:       e.rng,
		})
		if err != nil {
			return errors.Wrapf(err, "abc epoch %d", epoch)
		}
		acc := math.NaN()
		if d.ValidXs != nil && d.ValidYs != nil {
			inf, err := convnet.InferABC(e.abc, e.conf.BatchSize)
			if err != nil {
				return errors.Wrapf(err, "validation after abc epoch %d", epoch)
			}
			if acc, err = validate(inf, d); err != nil {
				return errors.Wrapf(err, "validation after abc epoch %d", epoch)
			}
		}
		r := Record{
			Phase:     "abc",
			Epoch:     epoch,
			Cost:      costs[0],
			AlphaLoss: e.abc.ABC().FitLoss(),
			Accuracy:  acc,
			Duration:  time.Since(start),
		}
		e.record(r)
		log.Printf("abc epoch %d: cost %.4f, fit loss %.6f, validation %.4f (%v)", epoch, r.Cost, r.AlphaLoss, r.Accuracy, r.Duration.Round(time.Millisecond))

		if e.outEnc != nil {
			bank := e.abc.ABC().FilterVar().Value().(*tensor.Dense)
			caption := fmt.Sprintf("epoch %d  cost %.4f", epoch, r.Cost)
			if err := e.outEnc.Encode(bank, e.conf.M, e.abc.ABC().Alphas(), caption); err != nil {
				return errors.Wrapf(err, "encoding the bank after abc epoch %d", epoch)
			}
		}
	}
	return nil
}

func validate(inf *convnet.Inferencer, d *mnist.Dataset) (float64, error) {
	defer inf.Close()
	return inf.Accuracy(d.ValidXs, d.ValidYs)
}

// Evaluate scores the binarized network over everything the iterator serves
// and returns the fraction it got right.
func (e *Experiment) Evaluate(it *mnist.Iterator) (float64, error) {
	if e.abc == nil {
		return 0, errors.New("no binarized network: run TrainABC or Load first")
	}
	inf, err := convnet.InferABC(e.abc, it.BatchSize())
	if err != nil {
		return 0, err
	}
	defer inf.Close()

	it.Reset()
	var correct, total int
	for {
		xb, yb, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		c, n, err := inf.Score(xb, yb)
		if err != nil {
			return 0, err
		}
		correct += c
		total += n
		tensor.ReturnTensor(xb)
		tensor.ReturnTensor(yb)
	}
	if total == 0 {
		return 0, errors.New("the iterator served no rows")
	}
	return float64(correct) / float64(total), nil
}

// Save the binarized network into filename.
func (e *Experiment) Save(filename string) error {
	if e.abc == nil {
		return errors.New("nothing to save: run TrainABC or Load first")
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0544)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := gob.NewEncoder(f)
	return enc.Encode(e.abc)
}

// Load the binarized network from a filename. The graph is rebuilt from the
// config and every variable takes its checkpointed value, so the config must
// describe the same topology that was saved.
func (e *Experiment) Load(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	if e.abc != nil {
		if err := e.abc.Close(); err != nil {
			return err
		}
	}
	e.abc = convnet.NewABCNet(e.conf.Config, convnet.RandomWeights(e.conf.Config, e.conf.Seed))

	dec := gob.NewDecoder(f)
	if err := dec.Decode(e.abc); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Close releases both networks.
func (e *Experiment) Close() error {
	var allErrs manyErr
	if e.cnn != nil {
		if err := e.cnn.Close(); err != nil {
			allErrs = append(allErrs, err)
		}
		e.cnn = nil
	}
	if e.abc != nil {
		if err := e.abc.Close(); err != nil {
			allErrs = append(allErrs, err)
		}
		e.abc = nil
	}
	if len(allErrs) > 0 {
		return allErrs
	}
	return nil
}
