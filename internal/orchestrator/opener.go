package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/danielpatrickdp/emobench/internal/backbone"
	"github.com/danielpatrickdp/emobench/internal/backbone/onnx"
	"github.com/danielpatrickdp/emobench/internal/config"
)

// #region opener
// BackboneOpener loads the frozen backbone of one model.
type BackboneOpener func(ctx context.Context, model config.ModelSpec) (backbone.Backbone, error)

// DefaultOpener selects the backbone implementation named by cfg.Backbone and wraps it in
// an output cache when cfg.CacheSize is positive.
func DefaultOpener(cfg config.Config) BackboneOpener {
	return func(ctx context.Context, model config.ModelSpec) (backbone.Backbone, error) {
		var (
			b   backbone.Backbone
			err error
		)
		switch cfg.Backbone {
		case "grpc":
			b, err = backbone.NewGRPCClient(ctx, cfg.BackboneAddr, model.Name)
		case "onnx":
			b, err = onnx.Open(filepath.Join(cfg.ONNXModelDir, filepath.FromSlash(model.Name)), model.Name)
		case "lexicon":
			b = backbone.NewLexicon(cfg.Seed)
		default:
			err = fmt.Errorf("%w: unknown backbone %q", config.ErrPrecondition, cfg.Backbone)
		}
		if err != nil {
			return nil, fmt.Errorf("open backbone %s: %w", model.Name, err)
		}
		if cfg.CacheSize <= 0 {
			return b, nil
		}
		cached, err := backbone.NewCached(b, cfg.CacheSize)
		if err != nil {
			b.Close()
			return nil, err
		}
		return cached, nil
	}
}

// #endregion opener
