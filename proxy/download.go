package proxy

import (
	"context"
	"time"
)

// DownloadController translates an Ollama /api/pull request into an LM
// Studio catalog download and polls it to completion.
type DownloadController struct {
	upstream     *UpstreamClient
	pollInterval time.Duration
}

func NewDownloadController(upstream *UpstreamClient) *DownloadController {
	return &DownloadController{upstream: upstream, pollInterval: 500 * time.Millisecond}
}

// failPull surfaces a pull failure as a terminal error frame before
// returning it, so a streaming client sees a cleanly-closed stream. A
// cancelled client gets nothing; there is nobody left to read it.
func failPull(emit func(PullProgress) error, err error) error {
	pe := asProxyError(err)
	if pe.Kind != ErrCancelled {
		_ = emit(PullProgress{Status: "error", Error: pe.Message})
	}
	return err
}

// Pull drives the download to completion, invoking emit once per progress
// frame. The caller decides whether to forward every frame (streaming) or
// only the last one.
func (d *DownloadController) Pull(ctx context.Context, req PullRequest, emit func(PullProgress) error) error {
	initiated, err := d.upstream.InitiateDownload(ctx, LMDownloadInitiateRequest{
		Model:        req.modelName(),
		Quantization: req.Quantization,
		Source:       req.Source,
	})
	if err != nil {
		return failPull(emit, err)
	}

	// the job id is the only handle for status polling; without one the
	// download is unobservable
	jobID := initiated.JobID
	if jobID == "" {
		return failPull(emit, newError(ErrUpstreamProtocolError,
			"upstream download response carried no job id", nil))
	}

	if err := emit(PullProgress{Status: "pulling manifest"}); err != nil {
		return err
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return newError(ErrCancelled, "pull cancelled", ctx.Err())
		case <-ticker.C:
			status, err := d.upstream.DownloadStatus(ctx, jobID)
			if err != nil {
				return failPull(emit, err)
			}

			if status.terminal() {
				return d.emitTerminal(*status, emit)
			}

			if err := emit(PullProgress{
				Status:    "downloading " + status.Digest,
				Digest:    status.Digest,
				Total:     status.BytesTotal,
				Completed: status.BytesDownloaded,
			}); err != nil {
				return err
			}
		}
	}
}

func (d *DownloadController) emitTerminal(status LMDownloadStatus, emit func(PullProgress) error) error {
	switch status.Status {
	case "completed", "already_downloaded":
		return emit(PullProgress{Status: "success"})
	default:
		// unusual terminal statuses surface to the client instead of
		// being swallowed
		msg := status.Error
		if msg == "" {
			msg = "download " + status.Status
		}
		_ = emit(PullProgress{Status: "error", Error: msg})
		return newError(ErrUpstreamProtocolError, msg, nil)
	}
}
