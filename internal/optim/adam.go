package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/head"
)

// Adam implements bias-corrected Adam over a fixed parameter set.
type Adam struct {
	params []*head.Param
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	t      int
	m      []*mat.Dense
	v      []*mat.Dense
}

// NewAdam creates an optimizer with the usual defaults (0.9, 0.999, 1e-8).
// Only the given params are ever updated.
func NewAdam(params []*head.Param, lr float64) *Adam {
	a := &Adam{
		params: params,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make([]*mat.Dense, len(params)),
		v:      make([]*mat.Dense, len(params)),
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		a.m[i] = mat.NewDense(r, c, nil)
		a.v[i] = mat.NewDense(r, c, nil)
	}
	return a
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.t }

// Step applies one update from the currently accumulated gradients.
func (a *Adam) Step() {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, p := range a.params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := a.m[i].RawMatrix().Data
		v := a.v[i].RawMatrix().Data
		for k := range w {
			m[k] = a.beta1*m[k] + (1-a.beta1)*g[k]
			v[k] = a.beta2*v[k] + (1-a.beta2)*g[k]*g[k]
			w[k] -= a.lr * (m[k] / c1) / (math.Sqrt(v[k]/c2) + a.eps)
		}
	}
}

// ZeroGrad clears every managed gradient.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.Grad.Zero()
	}
}
