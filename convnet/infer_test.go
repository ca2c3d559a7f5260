package convnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferCNN(t *testing.T) {
	assert := assert.New(t)
	n := NewCNN(smallConf())
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	xs, ys := synthData(n.Config, 8)
	if _, err := TrainCNN(n, xs, ys, TrainConf{LearnRate: 1e-3}); err != nil {
		t.Fatalf("%+v", err)
	}

	inf, err := InferCNN(n, 4)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer inf.Close()

	if _, err := inf.Predict(nil); err == nil {
		t.Error("expected an error on nil input")
	}
	if _, err := inf.Predict(xs); err == nil {
		t.Error("expected an error on 8 rows into a batch of 4")
	}

	var s slicer
	xb := s.Slice(xs, sli(0, 4))
	if s.err != nil {
		t.Fatalf("%+v", s.err)
	}
	preds, err := inf.Predict(xb)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(4, len(preds))
	for _, p := range preds {
		assert.True(p >= 0 && p < n.Classes, "class %d", p)
	}

	again, err := inf.Predict(xb)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(preds, again, "same input, same answer")
}

func TestInferencerAccuracy(t *testing.T) {
	assert := assert.New(t)
	n := NewCNN(smallConf())
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	inf, err := InferCNN(n, 4)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer inf.Close()

	xs, _ := synthData(n.Config, 8)

	// score the net against its own predictions
	var s slicer
	var labels []int
	for b := 0; b < 2; b++ {
		xb := s.Slice(xs, sli(b*4, (b+1)*4))
		if s.err != nil {
			t.Fatalf("%+v", s.err)
		}
		preds, err := inf.Predict(xb)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		labels = append(labels, preds...)
	}
	acc, err := inf.Accuracy(xs, onehot(8, n.Classes, labels))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(1.0, acc)

	// flipping every label zeroes the score
	for i := range labels {
		labels[i] = (labels[i] + 1) % n.Classes
	}
	acc, err = inf.Accuracy(xs, onehot(8, n.Classes, labels))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(0.0, acc)

	if _, err := inf.Accuracy(xs, onehot(4, n.Classes, labels[:4])); err == nil {
		t.Error("expected an error on mismatched row counts")
	}
	smallXs, smallYs := synthData(n.Config, 2)
	if _, err := inf.Accuracy(smallXs, smallYs); err == nil {
		t.Error("expected an error when the rows cannot fill a batch")
	}
}

func TestInferABC(t *testing.T) {
	assert := assert.New(t)
	conf := smallConf()
	conf.BatchNorm = true
	n := NewABCNet(conf, RandomWeights(conf, 7))
	if err := n.Init(); err != nil {
		t.Fatalf("%+v", err)
	}
	defer n.Close()

	if err := n.ABC().FitAlphas(30); err != nil {
		t.Fatalf("%+v", err)
	}
	fitted := n.ABC().Alphas()
	assert.NotEqual([]float32{1, 1}, fitted)

	inf, err := InferABC(n, 2)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer inf.Close()

	clone := inf.n.(*ABCNet)
	assert.Equal(fitted, clone.ABC().Alphas(), "the fitted alphas must come along")

	xs, _ := synthData(conf, 2)
	preds, err := inf.Predict(xs)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(2, len(preds))
	for _, p := range preds {
		assert.True(p >= 0 && p < conf.Classes, "class %d", p)
	}

	again, err := inf.Predict(xs)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(preds, again)
}
