package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// jobEntry is a single-fire completion registration for one job id.
type jobEntry struct {
	hooks    JobHooks
	outcome  chan jobResult
	resolved bool
}

type jobResult struct {
	oc  Outcome
	err error
}

// resolve delivers the terminal result at most once. A second event for an
// already-resolved job id is ignored. Caller holds c.mu.
func (e *jobEntry) resolve(oc Outcome, err error) {
	if e.resolved {
		return
	}
	e.resolved = true
	e.outcome <- jobResult{oc: oc, err: err}
}

// QueueJob submits payload to the backend and registers a completion for
// the job id it assigns. Hooks receive this job's progress and preview
// pushes until the completion resolves.
func (c *Client) QueueJob(ctx context.Context, payload json.RawMessage, hooks JobHooks) (QueueResult, error) {
	if c.isClosed() {
		return QueueResult{}, disconnectedError{}
	}
	body := struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}{Prompt: payload, ClientID: c.cfg.ClientID}
	var res QueueResult
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", body, &res); err != nil {
		return QueueResult{}, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return QueueResult{}, disconnectedError{}
	}
	c.jobs[res.JobID] = &jobEntry{hooks: hooks, outcome: make(chan jobResult, 1)}
	c.current = res.JobID
	c.mu.Unlock()
	return res, nil
}

// WaitForCompletion blocks until the job resolves, the timeout elapses,
// ctx is cancelled, or the channel goes permanently down, whichever comes
// first. Exactly one of those wins; on timeout or cancellation the
// registration is removed so late events cannot resurrect it.
// timeout <= 0 disables the timeout.
func (c *Client) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (Outcome, error) {
	c.mu.Lock()
	e := c.jobs[jobID]
	c.mu.Unlock()
	if e == nil {
		return Outcome{}, unknownJobError{jobID: jobID}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-e.outcome:
		c.unregister(jobID)
		return res.oc, res.err
	case <-expired:
		c.unregister(jobID)
		return Outcome{}, waitTimeoutError{jobID: jobID}
	case <-ctx.Done():
		c.unregister(jobID)
		return Outcome{}, ctx.Err()
	case <-c.down:
		return Outcome{}, disconnectedError{}
	}
}

// unregister removes a pending completion. A resolution racing with the
// removal is dropped on the floor, which is the point: the waiter is gone.
func (c *Client) unregister(jobID string) {
	c.mu.Lock()
	delete(c.jobs, jobID)
	if c.current == jobID {
		c.current = ""
	}
	c.mu.Unlock()
}

// wireEvent is the discriminated envelope for push messages.
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executedData struct {
	JobID  string `json:"job_id"`
	Output struct {
		Images []OutputImage `json:"images"`
	} `json:"output"`
}

type executionErrorData struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type interruptedData struct {
	JobID string `json:"job_id"`
}

// handleEvent dispatches one text push message by kind. Unknown kinds and
// events for unknown job ids are ignored.
func (c *Client) handleEvent(data []byte) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed push event")
		return
	}
	switch ev.Type {
	case "status":
		var qs QueueStatus
		if err := json.Unmarshal(ev.Data, &qs); err != nil {
			return
		}
		c.mu.Lock()
		fn := c.onStatus
		c.mu.Unlock()
		if fn != nil {
			fn(qs)
		}
	case "progress":
		var p Progress
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		c.mu.Lock()
		e := c.jobs[p.JobID]
		c.mu.Unlock()
		if e != nil && e.hooks.OnProgress != nil {
			e.hooks.OnProgress(p)
		}
	case "executed":
		var d executedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return
		}
		c.resolveJob(d.JobID, Outcome{JobID: d.JobID, Images: d.Output.Images}, nil)
	case "execution_error":
		var d executionErrorData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return
		}
		c.resolveJob(d.JobID, Outcome{JobID: d.JobID}, jobExecutionError{msg: d.Message})
	case "execution_interrupted":
		var d interruptedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return
		}
		c.resolveJob(d.JobID, Outcome{JobID: d.JobID}, interruptedError{})
	}
}

func (c *Client) resolveJob(jobID string, oc Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.jobs[jobID]
	if e == nil {
		return
	}
	e.resolve(oc, err)
}

// routePreview hands a binary preview frame to the job currently in
// flight. Preview frames carry no job id on the wire; backends run one job
// at a time, so the most recently queued job owns them.
func (c *Client) routePreview(frame []byte) {
	c.mu.Lock()
	e := c.jobs[c.current]
	c.mu.Unlock()
	if e != nil && e.hooks.OnPreview != nil {
		e.hooks.OnPreview(frame)
	}
}
