// Package notify publishes terminal job notifications to external consumers.
// Delivery is best effort; a failed publish is logged and never affects the
// job outcome.
package notify

import (
	"context"
	"sort"

	"github.com/calebmoore/forged/internal/forge"
)

// Message is the payload published when a job reaches a terminal state.
// Outputs carries artifact names only; storage locations stay internal.
type Message struct {
	JobID      string           `json:"job_id"`
	State      forge.State      `json:"state"`
	Outputs    []string         `json:"outputs,omitempty"`
	Error      *forge.ErrorInfo `json:"error,omitempty"`
	FinishedAt string           `json:"finished_at"`
}

// Publisher sends one message to a topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// messageFor converts a terminal job snapshot into the wire payload.
func messageFor(job forge.Job) Message {
	msg := Message{
		JobID: job.ID,
		State: job.State,
		Error: job.Error,
	}
	for name := range job.Outputs {
		msg.Outputs = append(msg.Outputs, name)
	}
	sort.Strings(msg.Outputs)
	if job.FinishedAt != nil {
		msg.FinishedAt = job.FinishedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return msg
}
