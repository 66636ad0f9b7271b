package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// JITHinter recovers "model not loaded" failures: it issues a load
// hint, polls the catalog until the model shows as loaded (or the
// timeout elapses), then lets the caller retry its original request
// exactly once.
type JITHinter struct {
	upstream *UpstreamClient
	timeout  time.Duration
}

func NewJITHinter(upstream *UpstreamClient, timeout time.Duration) *JITHinter {
	return &JITHinter{upstream: upstream, timeout: timeout}
}

// ensureLoaded issues the load hint and polls on a constant backoff until
// the model appears in the catalog's loaded set or the timeout elapses.
func (j *JITHinter) ensureLoaded(ctx context.Context, resolvedID string) error {
	loadCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if err := j.upstream.LoadModel(loadCtx, resolvedID); err != nil {
		return err
	}

	_, err := backoff.Retry(loadCtx, func() (struct{}, error) {
		catalog, err := j.upstream.ListCatalog(loadCtx)
		if err != nil {
			return struct{}{}, err
		}
		for _, m := range catalog {
			if m.ID == resolvedID && m.loaded() {
				return struct{}{}, nil
			}
		}
		return struct{}{}, fmt.Errorf("model %s not yet loaded", resolvedID)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(300*time.Millisecond)))

	if err != nil {
		if ctx.Err() != nil {
			return newError(ErrCancelled, "request cancelled while waiting for model load", err)
		}
		return newError(ErrModelNotLoaded, fmt.Sprintf("model %s did not finish loading within %s", resolvedID, j.timeout), err)
	}
	return nil
}

// RecoverAndRetry runs call once; if it fails with ErrModelNotLoaded it
// waits for the model to load and runs call exactly one more time,
// win or lose. Any other error, or a second failure, is returned as-is.
func RecoverAndRetry[T any](ctx context.Context, hinter *JITHinter, resolver *ModelResolver, requestedName, resolvedID string, call func(context.Context) (T, error)) (T, error) {
	result, err := call(ctx)
	if err == nil {
		return result, nil
	}

	pe := asProxyError(err)
	if pe.Kind != ErrModelNotLoaded {
		return result, err
	}

	if loadErr := hinter.ensureLoaded(ctx, resolvedID); loadErr != nil {
		var zero T
		return zero, loadErr
	}

	resolver.Invalidate(requestedName)
	return call(ctx)
}
