package backend

// QueueStatus is the backend's reported queue depth.
type QueueStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Progress is one step/progress push event for a job.
type Progress struct {
	Value int    `json:"value"`
	Max   int    `json:"max"`
	JobID string `json:"job_id"`
	Node  string `json:"node"`
}

// OutputImage describes one produced output file.
type OutputImage struct {
	Filename string `json:"filename"`
}

// Outcome is the terminal result of one job.
type Outcome struct {
	JobID  string
	Images []OutputImage
}

// QueueResult is returned when a job has been accepted by the backend.
type QueueResult struct {
	JobID       string            `json:"job_id"`
	QueueNumber int               `json:"queue_number"`
	NodeErrors  map[string]string `json:"node_errors,omitempty"`
}

// JobHooks carries optional per-job push callbacks. Callbacks run on the
// client's read goroutine and must not block.
type JobHooks struct {
	OnProgress func(Progress)
	OnPreview  func(frame []byte)
}
