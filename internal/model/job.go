package model

import (
	"fmt"
	"time"
)

// Job status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Tool names accepted by the gateway.
const (
	ToolGenerateImage = "generate_image"
	ToolUpscaleImage  = "upscale_image"
)

// Render type modes. A tool only runs render types of its own mode.
const (
	ModeImageGeneration = "image_generation"
	ModeUpscale         = "upscale"
)

// ModeForTool returns the render type mode served by a tool.
func ModeForTool(tool string) (string, bool) {
	switch tool {
	case ToolGenerateImage:
		return ModeImageGeneration, true
	case ToolUpscaleImage:
		return ModeUpscale, true
	}
	return "", false
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job status.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Request is the finalized generation payload handed to a backend. The gateway
// builds it from tool arguments; the backend adapter treats it as input only.
type Request struct {
	Tool           string   `json:"tool"`
	Workflow       string   `json:"workflow"`
	Prompt         string   `json:"prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Seed           int64    `json:"seed"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Denoise        *float64 `json:"denoise,omitempty"`
	InputImageURL  string   `json:"input_image_url,omitempty"`
}

// Job is one accepted unit of work routed to exactly one backend instance.
// Its ID doubles as the stream handle under which the outcome is delivered.
type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Request   Request   `json:"request"`
	Backend   string    `json:"backend"`
	Attempts  int       `json:"attempts"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is the success payload of a finished job.
type Result struct {
	ImageURL string `json:"image_url"`
	Seed     int64  `json:"seed"`
}

// Summary is the human readable line sent alongside the result.
func (r Result) Summary() string {
	return fmt.Sprintf("Image generated successfully: %s", r.ImageURL)
}

// Outcome is the single terminal outcome of a job: exactly one of Result or
// Err is set.
type Outcome struct {
	StreamID string    `json:"stream_id"`
	Result   *Result   `json:"result,omitempty"`
	Err      *JobError `json:"error,omitempty"`
}

// Succeeded reports whether the outcome carries a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil
}
