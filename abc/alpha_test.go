package abc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

// A balanced ±0.75 bank is perfectly binarizable with 2 bases: its first base
// is the bank scaled to ±1 and the second is all ones. Descent must recover
// alpha ≈ {0.75, 0} and drive the reconstruction error to zero.
func TestAlphaFitterRecoversExactBank(t *testing.T) {
	assert := assert.New(t)
	w := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{-0.75, -0.75, 0.75, 0.75}))

	f, err := NewAlphaFitter(2, w.Shape(), FitConf{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer f.Close()

	assert.Equal([]float32{1, 1}, f.Alphas(), "no noise: init exactly 1")

	if err := f.Fit(w, 500); err != nil {
		t.Fatalf("%+v", err)
	}
	alphas := f.Alphas()
	assert.InDelta(0.75, alphas[0], 1e-3)
	assert.InDelta(0, alphas[1], 1e-3)
	assert.True(f.Loss() < 1e-6, "loss %v", f.Loss())
}

// A zero variance bank degenerates every base to all ones. The fit must not
// error and the loss must fall monotonically as the alphas shrink toward 0.
func TestAlphaFitterZeroVarianceMonotone(t *testing.T) {
	assert := assert.New(t)
	w := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.Of(tensor.Float32))

	f, err := NewAlphaFitter(5, w.Shape(), FitConf{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer f.Close()
	if err := f.Bind(w); err != nil {
		t.Fatalf("%+v", err)
	}

	losses := make([]float32, 0, 100)
	for i := 0; i < 100; i++ {
		if err := f.Step(); err != nil {
			t.Fatalf("step %d: %+v", i, err)
		}
		losses = append(losses, f.Loss())
	}
	for i := 1; i < len(losses); i++ {
		assert.True(losses[i] <= losses[i-1], "loss rose at step %d: %v -> %v", i, losses[i-1], losses[i])
	}
	assert.True(losses[len(losses)-1] < 1e-6, "final loss %v", losses[len(losses)-1])

	// symmetry: every base is identical, so every alpha stays identical
	alphas := f.Alphas()
	for i := 1; i < len(alphas); i++ {
		assert.InDelta(alphas[0], alphas[i], 1e-7)
	}
}

func TestAlphaFitterValidation(t *testing.T) {
	if _, err := NewAlphaFitter(0, tensor.Shape{1, 1, 2, 2}, FitConf{}); err == nil {
		t.Error("expected an error for 0 bases")
	}
	if _, err := NewAlphaFitter(2, tensor.Shape{0}, FitConf{}); err == nil {
		t.Error("expected an error for an empty bank shape")
	}

	f, err := NewAlphaFitter(2, tensor.Shape{1, 1, 2, 2}, FitConf{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer f.Close()

	if err := f.Step(); err == nil {
		t.Error("expected an error stepping before any bank is bound")
	}
	if err := f.Bind(nil); err == nil {
		t.Error("expected an error binding a nil bank")
	}
	wrong := tensor.New(tensor.WithShape(3, 3), tensor.Of(tensor.Float32))
	if err := f.Bind(wrong); err == nil {
		t.Error("expected an error binding a bank of the wrong size")
	}
}

func TestAlphaFitterReset(t *testing.T) {
	assert := assert.New(t)
	w := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{-0.75, -0.75, 0.75, 0.75}))

	f, err := NewAlphaFitter(2, w.Shape(), FitConf{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer f.Close()

	if err := f.Fit(w, 50); err != nil {
		t.Fatalf("%+v", err)
	}
	moved := f.Alphas()
	assert.NotEqual(float32(1), moved[1])

	// a reset with no init noise lands back on exactly 1
	if err := f.Reset(); err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal([]float32{1, 1}, f.Alphas())
}

func TestAlphaFitterNoisyInit(t *testing.T) {
	assert := assert.New(t)
	f, err := NewAlphaFitter(4, tensor.Shape{1, 1, 2, 2}, FitConf{InitStd: 0.1, Seed: 42})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer f.Close()

	alphas := f.Alphas()
	var allOne = true
	for _, a := range alphas {
		assert.InDelta(1, a, 1.0, "init should hug 1.0, got %v", a)
		if a != 1 {
			allOne = false
		}
	}
	assert.False(allOne, "noisy init should not be exactly 1 everywhere")
}
