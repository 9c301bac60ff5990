package types

// GenerateRequest is the payload for POST /generate.
type GenerateRequest struct {
	// Model to generate with. Empty uses whatever the granted backend holds.
	// example: sdxl-base
	Model string `json:"model,omitempty" example:"sdxl-base"`
	// Positive prompt text.
	// example: a lighthouse at dusk, oil painting
	Prompt string `json:"prompt" example:"a lighthouse at dusk, oil painting"`
	// Negative prompt text.
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Number of images to produce. Defaults to 1.
	// example: 4
	Images int `json:"images,omitempty" example:"4"`
	// Base seed; image i uses seed+i. 0 lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Sampling steps per image.
	// example: 20
	Steps int `json:"steps,omitempty" example:"20"`
	// Output width in pixels.
	// example: 1024
	Width int `json:"width,omitempty" example:"1024"`
	// Output height in pixels.
	// example: 1024
	Height int `json:"height,omitempty" example:"1024"`
	// Maximum seconds to wait for a free backend. 0 uses the server default.
	// example: 60
	MaxWaitSeconds int `json:"max_wait_seconds,omitempty" example:"60"`
	// If true, stream lifecycle events as NDJSON instead of one batch result.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
}

// Progress is the step/image position of an in-flight generation.
type Progress struct {
	CurrentStep  int `json:"current_step"`
	TotalSteps   int `json:"total_steps"`
	CurrentImage int `json:"current_image"`
	TotalImages  int `json:"total_images"`
}

// GenerateOutput describes one produced image.
type GenerateOutput struct {
	// Output filename as reported by the backend.
	// example: gen_00042_.png
	Filename string `json:"filename" example:"gen_00042_.png"`
	// Seed the image was generated with.
	Seed int64 `json:"seed"`
	// Completion time in epoch milliseconds.
	TimestampMs int64 `json:"timestamp_epoch_ms"`
}

// Lifecycle event kinds emitted on the streaming variant of /generate.
const (
	EventStarted        = "started"
	EventWaitingBackend = "waiting_backend"
	EventLoadingModel   = "loading_model"
	EventGenerating     = "generating"
	EventProgress       = "progress"
	EventPreview        = "preview"
	EventImage          = "image"
	EventComplete       = "complete"
	EventError          = "error"
)

// GenerateEvent is one NDJSON line of a streamed generation.
type GenerateEvent struct {
	// Event kind, one of the Event* constants.
	// example: progress
	Kind string `json:"event" example:"progress"`
	// Backend serving the request, present from "generating" onward.
	BackendID int `json:"backend_id,omitempty"`
	// Progress tuple, present on "progress".
	Progress *Progress `json:"progress,omitempty"`
	// Produced image, present on "image".
	Output *GenerateOutput `json:"output,omitempty"`
	// All produced images, present on "complete".
	Outputs []GenerateOutput `json:"outputs,omitempty"`
	// Base64 preview frame, present on "preview".
	PreviewB64 string `json:"preview_b64,omitempty"`
	// Failure message, present on "error".
	Error string `json:"error,omitempty"`
}

// GenerateResponse is the non-streaming result of POST /generate.
type GenerateResponse struct {
	Outputs []GenerateOutput `json:"outputs"`
}

// BackendQueue is a backend's last reported queue depth.
type BackendQueue struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// BackendInfo describes one pool entry for the admin API.
type BackendInfo struct {
	// Pool entry identity.
	// example: 1
	ID int `json:"id" example:"1"`
	// Human-friendly title.
	// example: workstation-4090
	Title string `json:"title" example:"workstation-4090"`
	// Registered backend type id.
	// example: comfy
	Type string `json:"type" example:"comfy"`
	// Backend base address.
	// example: http://127.0.0.1:8188
	Address string `json:"address" example:"http://127.0.0.1:8188"`
	Enabled bool   `json:"enabled"`
	// Lifecycle status: uninitialized, running, errored or disabled.
	// example: running
	Status string `json:"status" example:"running"`
	// Model currently loaded, if any.
	CurrentModel string `json:"current_model,omitempty"`
	InUse        bool   `json:"in_use"`
	// Total times this entry has been granted.
	UsageCount uint64       `json:"usage_count"`
	Queue      BackendQueue `json:"queue"`
	LastError  string       `json:"last_error,omitempty"`
}

// AddBackendRequest is the payload for POST /backends.
type AddBackendRequest struct {
	// Registered backend type id.
	// example: comfy
	Type string `json:"type" example:"comfy"`
	// Human-friendly title.
	// example: workstation-4090
	Title string `json:"title" example:"workstation-4090"`
	// Backend base address.
	// example: http://127.0.0.1:8188
	Address string `json:"address" example:"http://127.0.0.1:8188"`
	Enabled bool   `json:"enabled"`
}

// SetEnabledRequest is the payload for PATCH /backends/{id}.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SessionCounts aggregates claim phase counters for /status.
type SessionCounts struct {
	Queued         int `json:"queued"`
	ModelLoading   int `json:"model_loading"`
	BackendWaiting int `json:"backend_waiting"`
	Running        int `json:"running"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Pool entries.
	Backends []BackendInfo `json:"backends"`
	// Number of live sessions.
	Sessions int `json:"sessions"`
	// Aggregate claim counters over all live sessions.
	Counts SessionCounts `json:"counts"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: unknown backend type: comfyz
	Error string `json:"error" example:"unknown backend type: comfyz"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
