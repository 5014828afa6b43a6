package model

import "time"

// JobRecord is the persisted history entry for a job.
type JobRecord struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	RenderType string     `json:"render_type"`
	Backend    string     `json:"backend"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	Seed       *int64     `json:"seed,omitempty"`
	Prompt     string     `json:"prompt,omitempty"`
	ImageURL   string     `json:"image_url,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
