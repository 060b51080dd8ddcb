package labels

import (
	"errors"
	"fmt"
	"sort"
)

// #region classes
// NumClasses is the size of the canonical emotion label space.
const NumClasses = 7

// Neutral is the canonical index of the neutral class. Every other index is "emotional".
const Neutral = 6

// ClassNames lists the canonical classes in index order.
var ClassNames = []string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

// ErrUnmapped is returned when a raw label matches no known synonym.
var ErrUnmapped = errors.New("unmapped emotion label")

// #endregion classes

// #region policy
// Policy maps raw emotion labels (including spelling variants) onto canonical classes.
// A Policy is immutable once built; share it by pointer.
type Policy struct {
	table map[string]int
}

// DefaultPolicy returns the synonym table used for DailyDialog-style annotations.
func DefaultPolicy() *Policy {
	return &Policy{table: map[string]int{
		"angry": 0, "anger": 0,
		"disgust": 1,
		"fear":    2,
		"happy":   3, "happines": 3, "happiness": 3, "excited": 3,
		"sad": 4, "sadness": 4, "frustrated": 4,
		"surprise": 5, "surprised": 5,
		"neutral": 6,
	}}
}

// Map resolves a single raw label. Matching is exact; unknown spellings are an error
// rather than being folded into some default class.
func (p *Policy) Map(label string) (int, error) {
	id, ok := p.table[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnmapped, label)
	}
	return id, nil
}

// MapAll resolves labels in order and stops at the first unmapped one.
func (p *Policy) MapAll(raw []string) ([]int, error) {
	out := make([]int, len(raw))
	for i, l := range raw {
		id, err := p.Map(l)
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", i, err)
		}
		out[i] = id
	}
	return out, nil
}

// Synonym is one row of the policy table.
type Synonym struct {
	Label string `json:"label"`
	Class int    `json:"class"`
}

// Synonyms returns a sorted copy of the table (by class, then label).
func (p *Policy) Synonyms() []Synonym {
	out := make([]Synonym, 0, len(p.table))
	for l, c := range p.table {
		out = append(out, Synonym{Label: l, Class: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// #endregion policy
