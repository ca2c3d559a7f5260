package abc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestShifts(t *testing.T) {
	assert := assert.New(t)
	tests := []struct {
		m    int
		want []float32
	}{
		{2, []float32{-1, 1}},
		{3, []float32{-1, 0, 1}},
		{5, []float32{-1, -0.5, 0, 0.5, 1}},
	}
	for _, tt := range tests {
		got, err := Shifts(tt.m)
		if err != nil {
			t.Fatalf("Shifts(%d): %+v", tt.m, err)
		}
		assert.Equal(tt.want, got, "Shifts(%d)", tt.m)
	}

	for _, m := range []int{1, 0, -3} {
		if _, err := Shifts(m); err == nil {
			t.Errorf("Shifts(%d): expected an error", m)
		}
	}

	// endpoints land exactly on ±1 and the spread is symmetric, even when the
	// step is not representable
	got, err := Shifts(4)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(float32(-1), got[0])
	assert.Equal(float32(1), got[3])
	assert.Equal(-got[0], got[3])
	assert.Equal(-got[1], got[2])
}

func runBinarizeFilters(t *testing.T, backing []float32, m int) [][]float32 {
	t.Helper()
	g := G.NewGraph()
	w := G.NewTensor(g, Float, 4, G.WithShape(1, 1, 2, 2), G.WithName("w"),
		G.WithValue(tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(backing))))
	members, err := BinarizeFilters(w, m)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	outs := make([]G.Value, len(members))
	for i, member := range members {
		G.Read(member, &outs[i])
	}
	machine := G.NewTapeMachine(g)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		t.Fatalf("%+v", err)
	}
	retVal := make([][]float32, len(outs))
	for i, out := range outs {
		retVal[i] = cloneF32s(out)
	}
	return retVal
}

func TestBinarizeFilters(t *testing.T) {
	assert := assert.New(t)

	// mean 0, std exactly 0.75: thresholds fall at -0.75, 0, +0.75
	bank := []float32{-0.75, -0.75, 0.75, 0.75}
	members := runBinarizeFilters(t, bank, 3)
	assert.Equal([]float32{-1, -1, 1, 1}, members[0], "shift -1")
	assert.Equal([]float32{-1, -1, 1, 1}, members[1], "shift 0")
	assert.Equal([]float32{1, 1, 1, 1}, members[2], "shift +1")

	wide := []float32{-1, -0.5, 0.5, 1}
	members = runBinarizeFilters(t, wide, 3)
	assert.Equal([]float32{-1, -1, -1, 1}, members[0])
	assert.Equal([]float32{-1, -1, 1, 1}, members[1])
	assert.Equal([]float32{-1, 1, 1, 1}, members[2])
}

// A constant bank has no variance. Every threshold collapses onto the mean
// and every base degenerates to all +1, which must not error.
func TestBinarizeFiltersZeroVariance(t *testing.T) {
	assert := assert.New(t)
	members := runBinarizeFilters(t, []float32{0, 0, 0, 0}, 3)
	for i, member := range members {
		assert.Equal([]float32{1, 1, 1, 1}, member, "member %d", i)
	}
}

func TestBinarizeFiltersOf(t *testing.T) {
	assert := assert.New(t)
	bank := []float32{-1, -0.5, 0.5, 1}
	w := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(bank))

	hosts, shifts, err := BinarizeFiltersOf(w, 3)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal([]float32{-1, 0, 1}, shifts)

	graphs := runBinarizeFilters(t, bank, 3)
	for i, host := range hosts {
		assert.Equal(tensor.Shape{1, 1, 2, 2}, host.Shape())
		assert.Equal(graphs[i], f32sOf(host), "member %d", i)
	}

	if _, _, err := BinarizeFiltersOf(w, 0); err == nil {
		t.Error("expected an error for 0 bases")
	}
}

func TestMoments(t *testing.T) {
	assert := assert.New(t)
	g := G.NewGraph()
	x := G.NewVector(g, Float, G.WithShape(4), G.WithName("x"),
		G.WithValue(tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{1, 2, 3, 4}))))
	mean, std, err := Moments(x)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	var meanVal, stdVal G.Value
	G.Read(mean, &meanVal)
	G.Read(std, &stdVal)

	m := G.NewTapeMachine(g)
	defer m.Close()
	if err := m.RunAll(); err != nil {
		t.Fatalf("%+v", err)
	}

	assert.InDelta(2.5, f32sOf(meanVal)[0], 1e-6)
	assert.InDelta(1.1180340, f32sOf(stdVal)[0], 1e-6)

	hostMean, hostStd := MomentsOf(tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{1, 2, 3, 4})))
	assert.InDelta(hostMean, f32sOf(meanVal)[0], 1e-7)
	assert.InDelta(hostStd, f32sOf(stdVal)[0], 1e-7)
}

func TestMomentsOf(t *testing.T) {
	assert := assert.New(t)
	tests := []struct {
		backing []float32
		mean    float32
		std     float32
	}{
		{[]float32{5}, 5, 0},
		{[]float32{2, 2, 2, 2}, 2, 0},
		{[]float32{-0.75, -0.75, 0.75, 0.75}, 0, 0.75},
	}
	for _, tt := range tests {
		mean, std := MomentsOf(tensor.New(tensor.WithShape(len(tt.backing)), tensor.WithBacking(tt.backing)))
		assert.InDelta(tt.mean, mean, 1e-6)
		assert.InDelta(tt.std, std, 1e-6)
	}
}
