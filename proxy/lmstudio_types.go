package proxy

// Types for LM Studio's native /api/v0/* dialect. Unlike the OpenAI-
// compatible /v1/* surface (represented with github.com/sashabaranov/
// go-openai structs), the native dialect has no existing Go client, so
// it is hand-rolled here.

// LMModel is one element of GET /api/v0/models.
type LMModel struct {
	ID                string `json:"id"`
	Object            string `json:"object"`
	Type              string `json:"type,omitempty"`
	Publisher         string `json:"publisher,omitempty"`
	Arch              string `json:"arch,omitempty"`
	CompatibilityType string `json:"compatibility_type,omitempty"`
	Quantization      string `json:"quantization,omitempty"`
	State             string `json:"state,omitempty"` // "loaded" | "not-loaded"
	MaxContextLength  int    `json:"max_context_length,omitempty"`
	SizeBytes         int64  `json:"size_bytes,omitempty"`
}

type LMModelsResponse struct {
	Data []LMModel `json:"data"`
}

func (m LMModel) loaded() bool {
	return m.State == "loaded"
}

// LMLoadRequest asks LM Studio to load a model by identifier.
type LMLoadRequest struct {
	Model string `json:"model"`
}

// LMDownloadInitiateRequest kicks off a catalog download, translated
// from an Ollama /api/pull call. Quantization and source travel through
// untouched when the client set them.
type LMDownloadInitiateRequest struct {
	Model        string `json:"model"`
	Quantization string `json:"quantization,omitempty"`
	Source       string `json:"source,omitempty"`
}

type LMDownloadInitiateResponse struct {
	JobID string `json:"job_id,omitempty"`
}

// LMDownloadStatus is returned by polling the download status endpoint.
type LMDownloadStatus struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"` // downloading | paused | completed | failed | already_downloaded
	BytesDownloaded int64  `json:"bytes_downloaded"`
	BytesTotal      int64  `json:"bytes_total"`
	Digest          string `json:"digest,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s LMDownloadStatus) terminal() bool {
	switch s.Status {
	case "completed", "already_downloaded", "failed", "error", "cancelled":
		return true
	default:
		return false
	}
}
