package abcnet

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"

	"github.com/gorgonia/abcnet/convnet"
	"github.com/gorgonia/abcnet/mnist"
)

func smallConfig() Config {
	return Config{
		Config: convnet.Config{
			Height:   8,
			Width:    8,
			Channels: 1,
			Classes:  3,

			Conv1:  4,
			Conv2:  6,
			Kernel: 3,
			FC:     10,

			M:         2,
			K:         2,
			BatchNorm: true,
			BatchSize: 4,
		},
		PretrainEpochs: 1,
		TrainEpochs:    1,
		AlphaSteps:     20,
		WarmStartAlpha: true,
		PretrainRate:   1e-3,
		LearnRate:      1e-3,
		Seed:           42,
	}
}

func synthSet(conf convnet.Config, rows int) (xs, ys *tensor.Dense) {
	n := rows * conf.Channels * conf.Height * conf.Width
	xs = tensor.New(tensor.WithShape(rows, conf.Channels, conf.Height, conf.Width),
		tensor.WithBacking(tensor.Random(tensor.Float32, n)))
	backing := make([]float32, rows*conf.Classes)
	for i := 0; i < rows; i++ {
		backing[i*conf.Classes+i%conf.Classes] = 1
	}
	ys = tensor.New(tensor.WithShape(rows, conf.Classes), tensor.WithBacking(backing))
	return xs, ys
}

func synthDataset(conf convnet.Config, train, valid, test int) *mnist.Dataset {
	d := &mnist.Dataset{}
	d.TrainXs, d.TrainYs = synthSet(conf, train)
	if valid > 0 {
		d.ValidXs, d.ValidYs = synthSet(conf, valid)
	}
	d.TestXs, d.TestYs = synthSet(conf, test)
	return d
}

// recordingEncoder counts the frames the training loop pushes at it.
type recordingEncoder struct {
	frames int
}

func (r *recordingEncoder) Encode(bank *tensor.Dense, m int, alphas []float32, caption string) error {
	if bank == nil || len(alphas) != m || caption == "" {
		return errors.New("malformed frame")
	}
	r.frames++
	return nil
}

func (r *recordingEncoder) Flush() error { return nil }

func TestExperimentValidation(t *testing.T) {
	assert := assert.New(t)

	assert.True(DefaultConfig().IsValid())

	if _, err := New(Config{}); err == nil {
		t.Error("expected an error for the zero config")
	}

	conf := smallConfig()
	conf.TrainEpochs = -1
	if _, err := New(conf); err == nil {
		t.Error("expected an error for negative epochs")
	}

	conf = smallConfig()
	conf.PretrainRate = 0
	if _, err := New(conf); err == nil {
		t.Error("expected an error for a zero learning rate")
	}

	conf = smallConfig()
	conf.Kernel = 4
	if _, err := New(conf); err == nil {
		t.Error("expected the network config check to run too")
	}

	e, err := New(smallConfig())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Nil(e.Baseline())
	assert.Nil(e.Net())
	assert.Error(e.Save(filepath.Join(t.TempDir(), "abc.model")), "nothing to save yet")
	assert.Error(e.Load(filepath.Join(t.TempDir(), "no-such-file")))
	assert.NoError(e.Close())
}

func TestExperimentWorkflow(t *testing.T) {
	assert := assert.New(t)

	rec := &recordingEncoder{}
	conf := smallConfig()
	conf.BankEncoder = rec
	e, err := New(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	d := synthDataset(conf.Config, 8, 4, 8)

	if err := e.Pretrain(d); err != nil {
		t.Fatalf("%+v", err)
	}
	assert.NotNil(e.Baseline())
	r, ok := e.Last()
	assert.True(ok)
	assert.Equal("pretrain", r.Phase)
	assert.False(math32.IsNaN(r.Cost))
	assert.True(math32.IsNaN(r.AlphaLoss), "the baseline has no coefficient fit")
	assert.True(r.Accuracy >= 0 && r.Accuracy <= 1, "got %v", r.Accuracy)

	if err := e.Transfer(); err != nil {
		t.Fatalf("%+v", err)
	}
	assert.NotNil(e.Net())

	if err := e.TrainABC(d); err != nil {
		t.Fatalf("%+v", err)
	}
	r, _ = e.Last()
	assert.Equal("abc", r.Phase)
	assert.False(math32.IsNaN(r.Cost))
	assert.False(math32.IsNaN(r.AlphaLoss), "the coefficient fit ran")
	assert.True(r.Accuracy >= 0 && r.Accuracy <= 1, "got %v", r.Accuracy)
	assert.False(e.Diverged())
	assert.Equal(2, len(e.Records))
	assert.Equal(conf.TrainEpochs, rec.frames, "one frame per abc epoch")
	assert.NotEqual([]float32{1, 1}, e.Net().ABC().Alphas(), "the alphas must move off their init")

	it, err := mnist.NewIterator(d.TestXs, d.TestYs, conf.BatchSize)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	acc, err := e.Evaluate(it)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.True(acc >= 0 && acc <= 1, "got %v", acc)

	filename := filepath.Join(t.TempDir(), "abc.model")
	if err := e.Save(filename); err != nil {
		t.Fatalf("%+v", err)
	}

	loaded, err := New(smallConfig())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if err := loaded.Load(filename); err != nil {
		t.Fatalf("%+v", err)
	}
	model, cloneModel := e.Net().Model(), loaded.Net().Model()
	assert.Equal(len(model), len(cloneModel))
	for i := range model {
		assert.Equal(model[i].Value().Data(), cloneModel[i].Value().Data(), "variable %v", model[i].Name())
	}

	acc2, err := loaded.Evaluate(it)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(acc, acc2, "the loaded network must score like the saved one")

	assert.NoError(e.Close())
	assert.NoError(loaded.Close())
}

func TestExperimentColdStart(t *testing.T) {
	assert := assert.New(t)

	conf := smallConfig()
	e, err := New(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	d := synthDataset(conf.Config, 8, 0, 4)

	// no Pretrain: TrainABC transfers from random weights by itself
	if err := e.TrainABC(d); err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Nil(e.Baseline())
	assert.NotNil(e.Net())

	r, ok := e.Last()
	assert.True(ok)
	assert.Equal("abc", r.Phase)
	assert.True(math.IsNaN(r.Accuracy), "no validation split means no accuracy")

	it, err := mnist.NewIterator(d.TestXs, d.TestYs, conf.BatchSize)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	acc, err := e.Evaluate(it)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.True(acc >= 0 && acc <= 1, "got %v", acc)
	assert.NoError(e.Close())
}
