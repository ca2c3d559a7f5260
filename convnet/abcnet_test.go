package convnet

import (
	"bytes"
	"encoding/gob"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func TestABCNetValidation(t *testing.T) {
	conf := smallConf()

	if err := NewABCNet(conf, nil).Init(); err == nil {
		t.Error("expected an error without seed weights")
	}

	missing := RandomWeights(conf, 1)
	delete(missing, "fc1_w")
	if err := NewABCNet(conf, missing).Init(); err == nil {
		t.Error("expected an error for a missing seed weight")
	}

	misshapen := RandomWeights(conf, 1)
	misshapen["conv2_w"] = tensor.New(tensor.WithShape(conf.Conv1, conf.Conv2, conf.Kernel, conf.Kernel), tensor.Of(Float))
	if err := NewABCNet(conf, misshapen).Init(); err == nil {
		t.Error("expected an error for a misshapen seed weight")
	}

	n := NewABCNet(conf, RandomWeights(conf, 1))
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	n.Close()
}

func learnableNames(n *ABCNet) map[string]bool {
	retVal := make(map[string]bool)
	for _, node := range n.Learnables() {
		retVal[node.Name()] = true
	}
	return retVal
}

func TestABCNetLearnables(t *testing.T) {
	assert := assert.New(t)

	conf := smallConf()
	n := NewABCNet(conf, RandomWeights(conf, 2))
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer n.Close()

	names := learnableNames(n)
	assert.True(names["conv2_shift"])
	assert.True(names["conv2_beta"])
	assert.True(names["fc1_w"])
	assert.True(names["out_w"])
	assert.False(names["conv2_alpha"], "alphas are fit, never solved for")
	assert.False(names["conv2_w"], "the bank is frozen without TuneFilters")
	assert.False(names["conv1_w"])
	assert.Equal(6, len(n.Learnables()))
	assert.Equal(11, len(n.Model()))

	tuned := NewABCNet(conf, RandomWeights(conf, 2))
	tuned.TuneFilters = true
	if err := tuned.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer tuned.Close()

	names = learnableNames(tuned)
	assert.True(names["conv2_w"])
	assert.True(names["conv1_w"])
	assert.False(names["conv2_alpha"])
	assert.Equal(9, len(tuned.Learnables()))

	normed := NewABCNet(conf, RandomWeights(conf, 2))
	normed.BatchNorm = true
	if err := normed.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer normed.Close()
	assert.Equal(8, len(normed.Learnables()), "batchnorm scale and bias should train")
	assert.Equal(13, len(normed.Model()))
}

func TestABCNetTrain(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf()
	conf.BatchNorm = true

	n := NewABCNet(conf, RandomWeights(conf, 3))
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer n.Close()
	assert.Equal([]float32{1, 1}, n.ABC().Alphas(), "zero fit conf: plain 1.0 init")

	xs, ys := synthData(conf, 8)
	costs, err := TrainABC(n, xs, ys, TrainConf{Epochs: 2, LearnRate: 1e-3, AlphaSteps: 30, WarmStart: true})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(2, len(costs))
	finite(t, costs, "cost")
	assert.NotEqual([]float32{1, 1}, n.ABC().Alphas(), "the fit should move the alphas")
	finite(t, n.ABC().Alphas(), "alpha")
	finite(t, n.ABC().Shifts(), "shift")
	finite(t, n.ABC().Betas(), "beta")
}

func TestABCNetTrainTuned(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf()
	conf.TuneFilters = true

	n := NewABCNet(conf, RandomWeights(conf, 4))
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer n.Close()

	before := n.ABC().FilterVar().Value().(*tensor.Dense).Clone().(*tensor.Dense)
	xs, ys := synthData(conf, 8)
	costs, err := TrainABC(n, xs, ys, TrainConf{Epochs: 1, LearnRate: 1e-2, AlphaSteps: 10})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	finite(t, costs, "cost")
	after := n.ABC().FilterVar().Value().(*tensor.Dense)
	assert.NotEqual(before.Data(), after.Data(), "TuneFilters should move the bank")
}

func TestABCNetEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf()
	conf.BatchNorm = true
	weights := RandomWeights(conf, 5)

	n := NewABCNet(conf, weights)
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer n.Close()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n); err != nil {
		t.Fatalf("Encoding Failure %v", err)
	}

	n2 := NewABCNet(conf, weights)
	if err := gob.NewDecoder(&buf).Decode(n2); err != nil {
		t.Fatalf("Decoding Failure %v", err)
	}
	defer n2.Close()

	model := n.Model()
	model2 := n2.Model()
	assert.Equal(len(model), len(model2))
	for i, node := range model {
		assert.Equal(node.Value().Data(), model2[i].Value().Data(), "%d - %v", i, node.Name())
	}
}

func TestRandomWeights(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf()
	weights := RandomWeights(conf, 42)
	shapes := conf.ParamShapes()

	assert.Equal(len(paramNames), len(weights))
	for _, name := range paramNames {
		w := weights[name]
		assert.True(w.Shape().Eq(shapes[name]), "%s: %v vs %v", name, w.Shape(), shapes[name])
		if strings.HasSuffix(name, "_b") {
			for _, v := range w.Data().([]float32) {
				if v != 0 {
					t.Fatalf("%s should be zero, got %v", name, v)
				}
			}
		}
	}
	finite(t, weights["conv1_w"].Data().([]float32), "conv1_w")

	again := RandomWeights(conf, 42)
	assert.Equal(weights["conv1_w"].Data(), again["conv1_w"].Data(), "same seed, same weights")
}
