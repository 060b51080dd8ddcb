package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Focal is the multi-class focal loss: mean over the batch of (1-p_t)^Gamma * -log(p_t),
// where p_t is the softmax probability of the true class. Gamma = 0 is cross-entropy.
type Focal struct {
	Gamma float64
}

const eps = 1e-12

// Forward returns the batch-mean loss and its gradient with respect to logits.
func (f Focal) Forward(logits *mat.Dense, targets []int) (float64, *mat.Dense, error) {
	rows, cols := logits.Dims()
	if rows != len(targets) {
		return 0, nil, fmt.Errorf("focal loss: %d logit rows for %d targets", rows, len(targets))
	}
	if rows == 0 {
		return 0, nil, fmt.Errorf("focal loss: empty batch")
	}
	grad := mat.NewDense(rows, cols, nil)

	probs := make([]float64, cols)
	total := 0.0
	for i := 0; i < rows; i++ {
		y := targets[i]
		if y < 0 || y >= cols {
			return 0, nil, fmt.Errorf("focal loss: target %d out of range [0,%d)", y, cols)
		}
		softmax(logits.RawRowView(i), probs)

		pt := math.Max(probs[y], eps)
		ce := -math.Log(pt)
		q := 1 - pt
		total += math.Pow(q, f.Gamma) * ce

		// d/dz_j = s * (p_j - 1[j==y]), s = (1-pt)^g + g*(1-pt)^(g-1)*pt*ce
		s := math.Pow(q, f.Gamma)
		if f.Gamma > 0 && q > 0 {
			s += f.Gamma * math.Pow(q, f.Gamma-1) * pt * ce
		}
		row := grad.RawRowView(i)
		for j := range row {
			ind := 0.0
			if j == y {
				ind = 1
			}
			row[j] = s * (probs[j] - ind) / float64(rows)
		}
	}
	return total / float64(rows), grad, nil
}

func softmax(z, out []float64) {
	m := math.Inf(-1)
	for _, v := range z {
		m = math.Max(m, v)
	}
	sum := 0.0
	for j, v := range z {
		out[j] = math.Exp(v - m)
		sum += out[j]
	}
	for j := range out {
		out[j] /= sum
	}
}
