package api

import (
	"fmt"
	"time"

	"github.com/calebmoore/forged/internal/forge"
)

// jobView is the API representation of a job snapshot. Staging paths and
// storage locations never appear in it; outputs map artifact names to their
// download paths on this server.
type jobView struct {
	ID              string            `json:"id"`
	State           forge.State       `json:"state"`
	Params          forge.Params      `json:"params"`
	Progress        forge.Progress    `json:"progress"`
	Error           *forge.ErrorInfo  `json:"error,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

func toJobView(job forge.Job) jobView {
	v := jobView{
		ID:              job.ID,
		State:           job.State,
		Params:          job.Params,
		Progress:        job.Progress,
		Error:           job.Error,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	}
	if len(job.Outputs) > 0 {
		v.Outputs = make(map[string]string, len(job.Outputs))
		for name := range job.Outputs {
			v.Outputs[name] = fmt.Sprintf("/v1/jobs/%s/artifacts/%s", job.ID, name)
		}
	}
	return v
}
