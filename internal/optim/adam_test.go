package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/head"
)

func TestFirstStepMovesByLearningRate(t *testing.T) {
	p := &head.Param{
		Name:  "w",
		Value: mat.NewDense(1, 3, []float64{1, 1, 1}),
		Grad:  mat.NewDense(1, 3, []float64{0.5, -2, 0}),
	}
	a := NewAdam([]*head.Param{p}, 0.1)
	a.Step()

	// With bias correction the first step is lr * sign(g) (up to eps).
	assert.InDelta(t, 0.9, p.Value.At(0, 0), 1e-6)
	assert.InDelta(t, 1.1, p.Value.At(0, 1), 1e-6)
	assert.Equal(t, 1.0, p.Value.At(0, 2))
	assert.Equal(t, 1, a.Steps())
}

func TestMinimizesQuadratic(t *testing.T) {
	p := &head.Param{Name: "x", Value: mat.NewDense(1, 1, []float64{5}), Grad: mat.NewDense(1, 1, nil)}
	a := NewAdam([]*head.Param{p}, 0.05)
	for i := 0; i < 1000; i++ {
		a.ZeroGrad()
		p.Grad.Set(0, 0, 2*(p.Value.At(0, 0)-3))
		a.Step()
	}
	assert.Less(t, math.Abs(p.Value.At(0, 0)-3), 0.1)
}

func TestZeroGrad(t *testing.T) {
	p := &head.Param{Name: "w", Value: mat.NewDense(1, 2, nil), Grad: mat.NewDense(1, 2, []float64{1, 2})}
	NewAdam([]*head.Param{p}, 0.1).ZeroGrad()
	assert.Equal(t, 0.0, mat.Sum(p.Grad))
}
