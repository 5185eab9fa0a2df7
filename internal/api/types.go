package api

import "github.com/mattjoyce/agent-runner/internal/queue"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string       `json:"status"`
	Queue         queue.Status `json:"queue"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
}
