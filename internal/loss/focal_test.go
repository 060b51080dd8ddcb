package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFocalGammaZeroIsCrossEntropy(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		2, 1, 0,
		0, 0, 0,
	})
	l, grad, err := Focal{Gamma: 0}.Forward(logits, []int{0, 2})
	require.NoError(t, err)

	p0 := math.Exp(2) / (math.Exp(2) + math.Exp(1) + 1)
	want := (-math.Log(p0) - math.Log(1.0/3)) / 2
	assert.InDelta(t, want, l, 1e-9)

	// CE gradient: (p - onehot) / batch
	assert.InDelta(t, (p0-1)/2, grad.At(0, 0), 1e-9)
	assert.InDelta(t, (1.0/3-1)/2, grad.At(1, 2), 1e-9)
	assert.InDelta(t, (1.0/3)/2, grad.At(1, 0), 1e-9)
}

func TestFocalDownweightsEasyExamples(t *testing.T) {
	easy := mat.NewDense(1, 3, []float64{6, 0, 0})
	ce, _, err := Focal{Gamma: 0}.Forward(easy, []int{0})
	require.NoError(t, err)
	fl, _, err := Focal{Gamma: 2}.Forward(easy, []int{0})
	require.NoError(t, err)
	assert.Less(t, fl, ce/100)
}

func TestFocalGradientMatchesFiniteDifference(t *testing.T) {
	logits := mat.NewDense(3, 4, []float64{
		0.3, -1.2, 2.0, 0.1,
		1.5, 0.2, -0.4, 0.0,
		-0.7, 0.9, 0.05, 1.1,
	})
	targets := []int{2, 1, 3}
	f := Focal{Gamma: 2}
	_, grad, err := f.Forward(logits, targets)
	require.NoError(t, err)

	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			plus := mat.DenseCopyOf(logits)
			plus.Set(i, j, plus.At(i, j)+h)
			minus := mat.DenseCopyOf(logits)
			minus.Set(i, j, minus.At(i, j)-h)
			lp, _, _ := f.Forward(plus, targets)
			lm, _, _ := f.Forward(minus, targets)
			assert.InDelta(t, (lp-lm)/(2*h), grad.At(i, j), 1e-6, "grad[%d][%d]", i, j)
		}
	}
}

func TestFocalRejectsBadTargets(t *testing.T) {
	logits := mat.NewDense(1, 3, nil)
	_, _, err := Focal{Gamma: 2}.Forward(logits, []int{3})
	assert.Error(t, err)
	_, _, err = Focal{Gamma: 2}.Forward(logits, []int{0, 1})
	assert.Error(t, err)
}
