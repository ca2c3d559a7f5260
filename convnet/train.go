package convnet

import (
	"log"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
)

// TrainConf configures a training run.
type TrainConf struct {
	Epochs     int
	LearnRate  float64
	AlphaSteps int        // descent steps of the coefficient fit, ABCNet only
	WarmStart  bool       // keep fitted coefficients between refits
	Rand       *rand.Rand // shuffles rows between epochs when set
}

func (c TrainConf) withDefaults() TrainConf {
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.LearnRate <= 0 {
		c.LearnRate = 1e-4
	}
	return c
}

// TrainCNN runs minibatch Adam over the baseline and returns the average cost
// of every epoch.
func TrainCNN(n *CNN, xs, ys *tensor.Dense, conf TrainConf) ([]float32, error) {
	if n.FwdOnly {
		return nil, errors.New("cannot train a forward only network")
	}
	conf = conf.withDefaults()
	batches, err := batchCount(xs, ys, n.BatchSize)
	if err != nil {
		return nil, err
	}

	machine := G.NewTapeMachine(n.g, G.BindDualValues(n.Model()...))
	defer machine.Close()
	solver := G.NewAdamSolver(G.WithLearnRate(conf.LearnRate), G.WithBatchSize(float64(n.BatchSize)))
	model := G.NodesToValueGrads(n.Model())

	costs := make([]float32, 0, conf.Epochs)
	for e := 0; e < conf.Epochs; e++ {
		var epochCost float32
		for b := 0; b < batches; b++ {
			cost, err := runBatch(machine, solver, model, n.xs, n.ys, xs, ys, b, n.BatchSize, n.Cost)
			if err != nil {
				return costs, errors.Wrapf(err, "epoch %d batch %d", e, b)
			}
			epochCost += cost
		}
		costs = append(costs, epochCost/float32(batches))
		if conf.Rand != nil {
			if err := shuffleBatch(conf.Rand, xs, ys); err != nil {
				return costs, err
			}
		}
	}
	return costs, nil
}

// TrainABC runs minibatch Adam over an ABCNet's learnables, keeping the
// coefficient fit in step with the bank. Frozen banks are fit once up front;
// with TuneFilters the fit reruns before every batch, warm started or not per
// the conf.
func TrainABC(n *ABCNet, xs, ys *tensor.Dense, conf TrainConf) ([]float32, error) {
	if n.FwdOnly {
		return nil, errors.New("cannot train a forward only network")
	}
	conf = conf.withDefaults()
	batches, err := batchCount(xs, ys, n.BatchSize)
	if err != nil {
		return nil, err
	}

	learnables := n.Learnables()
	machine := G.NewTapeMachine(n.g, G.BindDualValues(learnables...))
	defer machine.Close()
	solver := G.NewAdamSolver(G.WithLearnRate(conf.LearnRate), G.WithBatchSize(float64(n.BatchSize)))
	model := G.NodesToValueGrads(learnables)

	if conf.AlphaSteps > 0 && !n.TuneFilters {
		if err := refitAlphas(n, conf); err != nil {
			return nil, err
		}
	}

	costs := make([]float32, 0, conf.Epochs)
	for e := 0; e < conf.Epochs; e++ {
		var epochCost float32
		for b := 0; b < batches; b++ {
			if conf.AlphaSteps > 0 && n.TuneFilters {
				if err := refitAlphas(n, conf); err != nil {
					return costs, errors.Wrapf(err, "epoch %d batch %d", e, b)
				}
			}
			cost, err := runBatch(machine, solver, model, n.xs, n.ys, xs, ys, b, n.BatchSize, n.Cost)
			if err != nil {
				return costs, errors.Wrapf(err, "epoch %d batch %d", e, b)
			}
			epochCost += cost
		}
		costs = append(costs, epochCost/float32(batches))
		if conf.Rand != nil {
			if err := shuffleBatch(conf.Rand, xs, ys); err != nil {
				return costs, err
			}
		}
	}
	return costs, nil
}

func refitAlphas(n *ABCNet, conf TrainConf) error {
	if !conf.WarmStart {
		if err := n.abcl.ResetAlphas(); err != nil {
			return err
		}
	}
	return n.abcl.FitAlphas(conf.AlphaSteps)
}

func runBatch(machine G.VM, solver G.Solver, model []G.ValueGrad, xsNode, ysNode *G.Node, xs, ys *tensor.Dense, batch, batchSize int, cost func() float32) (float32, error) {
	var s slicer
	start := batch * batchSize
	end := start + batchSize

	xb := s.Slice(xs, sli(start, end))
	yb := s.Slice(ys, sli(start, end))
	if s.err != nil {
		return 0, s.err
	}
	if err := G.Let(xsNode, xb); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := G.Let(ysNode, yb); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := machine.RunAll(); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := solver.Step(model); err != nil {
		return 0, errors.WithStack(err)
	}
	machine.Reset()
	retVal := cost()
	tensor.ReturnTensor(xb)
	tensor.ReturnTensor(yb)
	return retVal, nil
}

func batchCount(xs, ys *tensor.Dense, batchSize int) (int, error) {
	if xs == nil || ys == nil {
		return 0, errors.New("need both inputs and labels")
	}
	if xs.Shape()[0] != ys.Shape()[0] {
		return 0, errors.Errorf("inputs have %d rows, labels have %d", xs.Shape()[0], ys.Shape()[0])
	}
	batches := xs.Shape()[0] / batchSize
	if batches < 1 {
		return 0, errors.Errorf("%d rows cannot fill a batch of %d", xs.Shape()[0], batchSize)
	}
	return batches, nil
}

// shuffleBatch shuffles the rows of a data/label pair in lockstep.
func shuffleBatch(r *rand.Rand, xs, ys *tensor.Dense) (err error) {
	oriXs := xs.Shape().Clone()
	oriYs := ys.Shape().Clone()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("%v %v", xs.Shape(), ys.Shape())
			panic(rec)
		}
	}()
	xs.Reshape(as2D(xs.Shape())...)
	ys.Reshape(as2D(ys.Shape())...)

	var matXs, matYs [][]float32
	if matXs, err = native.MatrixF32(xs); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - xs")
	}
	if matYs, err = native.MatrixF32(ys); err != nil {
		return errors.Wrapf(err, "shuffle batch failed - ys")
	}

	cols := xs.Shape()[1]
	if ys.Shape()[1] > cols {
		cols = ys.Shape()[1]
	}
	tmp := make([]float32, cols)
	for i := range matXs {
		j := r.Intn(i + 1)

		rowI := matXs[i]
		rowJ := matXs[j]
		copy(tmp, rowI)
		copy(rowI, rowJ)
		copy(rowJ, tmp)

		yI := matYs[i]
		yJ := matYs[j]
		copy(tmp, yI)
		copy(yI, yJ)
		copy(yJ, tmp)
	}
	xs.Reshape(oriXs...)
	ys.Reshape(oriYs...)

	return nil
}

func as2D(s tensor.Shape) tensor.Shape {
	retVal := tensor.BorrowInts(2)
	retVal[0] = s[0]
	retVal[1] = s[1]
	for i := 2; i < len(s); i++ {
		retVal[1] *= s[i]
	}
	return retVal
}
