package web

import (
	"time"

	"github.com/dukex/deskflow/pkg/ingestion"
)

type ChannelParams struct {
	ChannelID string `validate:"required,max=128,printascii"`
}

type AutomationLogParams struct {
	ID string `validate:"required,max=128,printascii"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Checkers  map[string]string `json:"checkers"`
	Timestamp time.Time         `json:"timestamp"`
}

// IngestionResponse lists the pollers known to the ingestion manager.
type IngestionResponse struct {
	Running  int                `json:"running"`
	Channels []ingestion.Status `json:"channels"`
}

func newIngestionResponse(statuses []ingestion.Status) IngestionResponse {
	response := IngestionResponse{Channels: statuses}

	for _, status := range statuses {
		if status.Running {
			response.Running++
		}
	}

	return response
}
