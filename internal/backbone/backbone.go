package backbone

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/emobench/internal/dataset"
)

// #region interface
// Backbone is a pretrained classification model used as a frozen feature extractor.
// It exposes no parameters: nothing the training loop does can change it.
type Backbone interface {
	// Name is the model identifier the backbone was opened with.
	Name() string
	// Labels lists the model's native classes in output-column order.
	Labels() []string
	// Tokenize encodes texts, truncating at maxLen and padding to the longest row.
	Tokenize(ctx context.Context, texts []string, maxLen int) (dataset.Encoding, error)
	// Forward returns raw native-class scores, one row per batch example.
	Forward(ctx context.Context, batch dataset.Batch) (*mat.Dense, error)
	Close() error
}

// #endregion interface
