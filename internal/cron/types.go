package cron

import (
	"github.com/google/uuid"
)

// Job broadcasts one envelope each time its schedule fires.
type Job struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Expr    string         `json:"expr"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Enabled bool           `json:"enabled"`
	State   JobState       `json:"state"`

	payloadFn func() any
}

type JobState struct {
	LastRunAtMs   int64  `json:"lastRunAtMs,omitempty"`
	LastStatus    string `json:"lastStatus,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	LastDelivered int    `json:"lastDelivered"`
	Runs          int    `json:"runs"`
}

func NewJob(name, expr, typ string, payload map[string]any) Job {
	return Job{
		ID:      uuid.NewString(),
		Name:    name,
		Expr:    expr,
		Type:    typ,
		Payload: payload,
		Enabled: true,
	}
}

// payload resolves the envelope payload at fire time.
func (j Job) payload() any {
	if j.payloadFn != nil {
		return j.payloadFn()
	}
	if j.Payload == nil {
		return map[string]any{}
	}
	return j.Payload
}
