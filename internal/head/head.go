package head

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// #region types
// Kind selects the head architecture.
type Kind string

const (
	KindLinear Kind = "linear"
	KindMLP    Kind = "mlp"
)

// Param is one trainable tensor and its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Head is the trainable classifier stacked on a frozen backbone's native scores.
type Head interface {
	Kind() Kind
	In() int
	Out() int
	// Forward maps an (N x In) input to (N x Out). train enables dropout and caches
	// activations for Backward.
	Forward(x *mat.Dense, train bool) *mat.Dense
	// Backward accumulates parameter gradients from dL/dOut of the last train Forward.
	Backward(dOut *mat.Dense)
	Params() []*Param
	ZeroGrad()
}

// New builds a head of the given kind.
func New(kind Kind, in, out int, dropout float64, rng *rand.Rand) (Head, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("head size %dx%d", in, out)
	}
	switch kind {
	case KindLinear, "":
		return NewLinear(in, out, rng), nil
	case KindMLP:
		if dropout < 0 || dropout >= 1 {
			return nil, fmt.Errorf("dropout %.3f out of range [0,1)", dropout)
		}
		return NewMLP(in, out, dropout, rng), nil
	default:
		return nil, fmt.Errorf("unknown head kind %q", kind)
	}
}

// #endregion types

// #region linear
type linearLayer struct {
	w, b   *Param
	lastIn *mat.Dense
}

func newLinearLayer(name string, in, out int, rng *rand.Rand) *linearLayer {
	bound := 1 / math.Sqrt(float64(in))
	w := mat.NewDense(out, in, nil)
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			w.Set(i, j, (rng.Float64()*2-1)*bound)
		}
	}
	b := mat.NewDense(1, out, nil)
	for j := 0; j < out; j++ {
		b.Set(0, j, (rng.Float64()*2-1)*bound)
	}
	return &linearLayer{
		w: &Param{Name: name + ".weight", Value: w, Grad: mat.NewDense(out, in, nil)},
		b: &Param{Name: name + ".bias", Value: b, Grad: mat.NewDense(1, out, nil)},
	}
}

// forward computes x W^T + b.
func (l *linearLayer) forward(x *mat.Dense, train bool) *mat.Dense {
	n, _ := x.Dims()
	out, _ := l.w.Value.Dims()
	y := mat.NewDense(n, out, nil)
	y.Mul(x, l.w.Value.T())
	bias := l.b.Value.RawRowView(0)
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	if train {
		l.lastIn = x
	}
	return y
}

// backward accumulates dW += dY^T X, db += colsum(dY) and returns dX = dY W.
func (l *linearLayer) backward(dOut *mat.Dense) *mat.Dense {
	if l.lastIn == nil {
		return nil
	}
	var dW mat.Dense
	dW.Mul(dOut.T(), l.lastIn)
	l.w.Grad.Add(l.w.Grad, &dW)

	n, cols := dOut.Dims()
	gb := l.b.Grad.RawRowView(0)
	for i := 0; i < n; i++ {
		row := dOut.RawRowView(i)
		for j := 0; j < cols; j++ {
			gb[j] += row[j]
		}
	}

	var dX mat.Dense
	dX.Mul(dOut, l.w.Value)
	return &dX
}

// Linear is a single affine layer In -> Out.
type Linear struct {
	fc *linearLayer
}

// NewLinear creates a linear head with uniform(-1/sqrt(in), 1/sqrt(in)) init.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	return &Linear{fc: newLinearLayer("fc", in, out, rng)}
}

func (h *Linear) Kind() Kind { return KindLinear }
func (h *Linear) In() int    { _, c := h.fc.w.Value.Dims(); return c }
func (h *Linear) Out() int   { r, _ := h.fc.w.Value.Dims(); return r }

func (h *Linear) Forward(x *mat.Dense, train bool) *mat.Dense { return h.fc.forward(x, train) }
func (h *Linear) Backward(dOut *mat.Dense)                    { h.fc.backward(dOut) }
func (h *Linear) Params() []*Param                            { return []*Param{h.fc.w, h.fc.b} }
func (h *Linear) ZeroGrad()                                   { zero(h.Params()) }

// #endregion linear

// #region mlp
// MLP is Linear(In->Out) -> ReLU -> Dropout -> Linear(Out->Out).
type MLP struct {
	fc1, fc2 *linearLayer
	dropout  float64
	rng      *rand.Rand

	mask *mat.Dense // combined relu * dropout scale from the last train forward
}

// NewMLP creates the two-layer head variant. rng also drives dropout masks.
func NewMLP(in, out int, dropout float64, rng *rand.Rand) *MLP {
	return &MLP{
		fc1:     newLinearLayer("fc1", in, out, rng),
		fc2:     newLinearLayer("fc2", out, out, rng),
		dropout: dropout,
		rng:     rng,
	}
}

func (h *MLP) Kind() Kind { return KindMLP }
func (h *MLP) In() int    { _, c := h.fc1.w.Value.Dims(); return c }
func (h *MLP) Out() int   { r, _ := h.fc2.w.Value.Dims(); return r }

// Dropout returns the configured drop probability.
func (h *MLP) Dropout() float64 { return h.dropout }

func (h *MLP) Forward(x *mat.Dense, train bool) *mat.Dense {
	a := h.fc1.forward(x, train)
	n, c := a.Dims()
	var mask *mat.Dense
	if train {
		mask = mat.NewDense(n, c, nil)
	}
	keep := 1 / (1 - h.dropout)
	for i := 0; i < n; i++ {
		row := a.RawRowView(i)
		for j := range row {
			m := 0.0
			if row[j] > 0 {
				m = 1
			}
			if train && h.dropout > 0 {
				if h.rng.Float64() < h.dropout {
					m = 0
				} else {
					m *= keep
				}
			}
			row[j] *= m
			if train {
				mask.Set(i, j, m)
			}
		}
	}
	if train {
		h.mask = mask
	}
	return h.fc2.forward(a, train)
}

func (h *MLP) Backward(dOut *mat.Dense) {
	dA := h.fc2.backward(dOut)
	if dA == nil || h.mask == nil {
		return
	}
	dA.MulElem(dA, h.mask)
	h.fc1.backward(dA)
}

func (h *MLP) Params() []*Param {
	return []*Param{h.fc1.w, h.fc1.b, h.fc2.w, h.fc2.b}
}

func (h *MLP) ZeroGrad() { zero(h.Params()) }

// #endregion mlp

func zero(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// GradNorm returns the L2 norm over every parameter gradient.
func GradNorm(h Head) float64 {
	var sum float64
	for _, p := range h.Params() {
		n := mat.Norm(p.Grad, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}
