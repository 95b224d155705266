package build

import (
	"context"
	"errors"
	"io"

	"github.com/caravel-build/caravel/cache"
	"github.com/caravel-build/caravel/layer"
	"github.com/caravel-build/caravel/plan"
)

// buildAppLayer produces one application layer, serving it from the cache
// when the selector matches a previous build and repairing corrupt cache
// entries by rebuilding.
func (e *Engine) buildAppLayer(ctx context.Context, spec plan.LayerSpec) (layer.Layer, error) {
	entries, err := spec.LayerEntries()
	if err != nil {
		return layer.Layer{}, err
	}

	selector, err := layer.Selector(entries)
	if err != nil {
		return layer.Layer{}, err
	}
	logger := e.logger.WithField("layer", spec.Name)

	desc, ok, err := e.cache.Retrieve(selector)
	switch {
	case err == nil && ok:
		logger.Debug("layer reused from cache")
		return layer.Layer{Name: spec.Name, Descriptor: desc}, nil
	case err != nil:
		var corrupted cache.CorruptedError
		if !errors.As(err, &corrupted) {
			return layer.Layer{}, err
		}
		if derr := e.cache.DeleteSelector(selector); derr != nil {
			return layer.Layer{}, derr
		}
		logger.Warn("cache repaired: dropped corrupt layer entry, rebuilding")
	}

	// Stream the tar straight into the cache's compressor.
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(layer.WriteTar(pw, entries))
	}()

	desc, err = e.cache.Write(selector, pr)
	pr.CloseWithError(err)
	if err != nil {
		return layer.Layer{}, err
	}

	logger.WithField("digest", desc.Digest).Debug("layer built")
	return layer.Layer{Name: spec.Name, Descriptor: desc}, nil
}
