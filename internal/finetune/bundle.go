// Package finetune trains a small classification head on top of a frozen backbone and
// reports how well the combination labels dialogue emotions.
package finetune

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/backbone"
	"github.com/danielpatrickdp/emobench/internal/dataset"
	"github.com/danielpatrickdp/emobench/internal/head"
	"github.com/danielpatrickdp/emobench/internal/labels"
)

// #region bundle
// Bundle is a frozen backbone with a trainable head mapping its native scores onto the
// seven dataset classes. Only the head has parameters.
type Bundle struct {
	Backbone backbone.Backbone
	Head     head.Head
}

// NewBundle sizes a fresh head from the backbone's native label count. Each call creates an
// independent head.
func NewBundle(b backbone.Backbone, kind head.Kind, dropout float64, rng *rand.Rand) (*Bundle, error) {
	native := len(b.Labels())
	if native == 0 {
		return nil, fmt.Errorf("backbone %s reports no labels", b.Name())
	}
	h, err := head.New(kind, native, labels.NumClasses, dropout, rng)
	if err != nil {
		return nil, err
	}
	return &Bundle{Backbone: b, Head: h}, nil
}

// Logits runs the backbone and the head over one batch.
func (b *Bundle) Logits(ctx context.Context, batch dataset.Batch, train bool) (*mat.Dense, error) {
	feats, err := b.Backbone.Forward(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("backbone forward: %w", err)
	}
	if _, c := feats.Dims(); c != b.Head.In() {
		return nil, fmt.Errorf("backbone returned %d scores, head expects %d", c, b.Head.In())
	}
	return b.Head.Forward(feats, train), nil
}

// Release closes the backbone. The bundle must not be used afterwards.
func (b *Bundle) Release() error {
	return b.Backbone.Close()
}

// #endregion bundle
