package sync

import (
	"time"

	"github.com/dosekeeper/medsync"
)

// HealthResponse from GET /api/v1/health
type HealthResponse struct {
	Status                string `json:"status"`
	Version               string `json:"version"`
	RequiredClientVersion string `json:"required_client_version,omitempty"`
}

// RowsResponse from GET /api/v1/{table}
type RowsResponse[T any] struct {
	Rows  []T `json:"rows"`
	Total int `json:"total"`
}

// ErrorResponse is the server's error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Wire header names carrying provenance.
const (
	HeaderDeviceID   = "X-Device-ID"
	HeaderMutationID = "X-Mutation-ID"
)

// feedMessage is one websocket frame from /api/v1/feed.
type feedMessage struct {
	Type  string              `json:"type"` // "change" | "ping" | "error"
	Event *medsync.ChangeEvent `json:"event,omitempty"`
	Error string              `json:"error,omitempty"`
	At    time.Time           `json:"at,omitempty"`
}
