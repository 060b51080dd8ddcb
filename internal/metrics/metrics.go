package metrics

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// #region types
// ClassStats holds precision/recall/F1 for one class (or one average row).
type ClassStats struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report is the multi-class evaluation of one accumulated pass.
type Report struct {
	Classes     []ClassStats
	Accuracy    float64
	MacroAvg    ClassStats
	WeightedAvg ClassStats
	Total       int
}

// BinaryReport is the neutral-vs-emotional collapse. Emotional is the positive class.
type BinaryReport struct {
	Neutral   ClassStats
	Emotional ClassStats
	Accuracy  float64
	Total     int
}

// #endregion types

// #region evaluate
// Argmax returns the index of the highest score in each row. Ties resolve to the
// lowest index.
func Argmax(pred mat.Matrix) []int {
	r, c := pred.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if pred.At(i, j) > pred.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// Evaluate scores raw predictions (N x len(classNames)) against true labels.
func Evaluate(pred mat.Matrix, truth []int, classNames []string) Report {
	return evaluateIDs(Argmax(pred), truth, classNames)
}

func evaluateIDs(predIDs, truth []int, classNames []string) Report {
	k := len(classNames)
	tp := make([]int, k)
	predCount := make([]int, k)
	support := make([]int, k)
	correct := 0
	for i, y := range truth {
		p := predIDs[i]
		if p >= 0 && p < k {
			predCount[p]++
		}
		if y >= 0 && y < k {
			support[y]++
		}
		if p == y {
			correct++
			if y >= 0 && y < k {
				tp[y]++
			}
		}
	}

	rep := Report{Classes: make([]ClassStats, k), Total: len(truth)}
	var macro, weighted ClassStats
	for c := 0; c < k; c++ {
		s := ClassStats{
			Name:      classNames[c],
			Precision: ratio(tp[c], predCount[c]),
			Recall:    ratio(tp[c], support[c]),
			Support:   support[c],
		}
		s.F1 = f1(s.Precision, s.Recall)
		rep.Classes[c] = s

		macro.Precision += s.Precision
		macro.Recall += s.Recall
		macro.F1 += s.F1
		w := float64(s.Support)
		weighted.Precision += w * s.Precision
		weighted.Recall += w * s.Recall
		weighted.F1 += w * s.F1
	}
	if k > 0 {
		macro.Precision /= float64(k)
		macro.Recall /= float64(k)
		macro.F1 /= float64(k)
	}
	if rep.Total > 0 {
		n := float64(rep.Total)
		weighted.Precision /= n
		weighted.Recall /= n
		weighted.F1 /= n
	}
	macro.Name, macro.Support = "macro avg", rep.Total
	weighted.Name, weighted.Support = "weighted avg", rep.Total
	rep.MacroAvg, rep.WeightedAvg = macro, weighted
	rep.Accuracy = ratio(correct, rep.Total)
	return rep
}

// Binary collapses classes into neutral (index neutral) vs emotional (everything else).
func Binary(pred mat.Matrix, truth []int, neutral int) BinaryReport {
	predIDs := Argmax(pred)
	collapsedPred := make([]int, len(predIDs))
	collapsedTruth := make([]int, len(truth))
	for i := range truth {
		collapsedPred[i] = collapse(predIDs[i], neutral)
		collapsedTruth[i] = collapse(truth[i], neutral)
	}
	rep := evaluateIDs(collapsedPred, collapsedTruth, []string{"neutral", "emotional"})
	return BinaryReport{
		Neutral:   rep.Classes[0],
		Emotional: rep.Classes[1],
		Accuracy:  rep.Accuracy,
		Total:     rep.Total,
	}
}

func collapse(id, neutral int) int {
	if id == neutral {
		return 0
	}
	return 1
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// #endregion evaluate

// #region format
const digits = 4

// Format renders a report in the familiar fixed-width classification-report layout.
func Format(rep Report) string {
	width := len("weighted avg")
	for _, c := range rep.Classes {
		width = max(width, len(c.Name))
	}
	var b strings.Builder
	header(&b, width)
	for _, c := range rep.Classes {
		row(&b, width, c)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s %9s %9s %9.*f %9d\n", width, "accuracy", "", "", digits, rep.Accuracy, rep.Total)
	row(&b, width, rep.MacroAvg)
	row(&b, width, rep.WeightedAvg)
	return b.String()
}

// FormatBinary renders the neutral/emotional collapse.
func FormatBinary(rep BinaryReport) string {
	width := len("weighted avg")
	var b strings.Builder
	header(&b, width)
	row(&b, width, rep.Neutral)
	row(&b, width, rep.Emotional)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s %9s %9s %9.*f %9d\n", width, "accuracy", "", "", digits, rep.Accuracy, rep.Total)
	fmt.Fprintf(&b, "binary (emotional) precision: %.*f, recall: %.*f, f1: %.*f\n",
		digits, rep.Emotional.Precision, digits, rep.Emotional.Recall, digits, rep.Emotional.F1)
	return b.String()
}

func header(b *strings.Builder, width int) {
	fmt.Fprintf(b, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
}

func row(b *strings.Builder, width int, c ClassStats) {
	fmt.Fprintf(b, "%*s %9.*f %9.*f %9.*f %9d\n", width, c.Name, digits, c.Precision, digits, c.Recall, digits, c.F1, c.Support)
}

// Render produces the full text block written for one pass: the multi-class table
// followed by the binary collapse.
func Render(pred mat.Matrix, truth []int, classNames []string, neutral int) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(Format(Evaluate(pred, truth, classNames)))
	b.WriteString("\n")
	b.WriteString(FormatBinary(Binary(pred, truth, neutral)))
	b.WriteString("\n")
	return b.String()
}

// #endregion format
