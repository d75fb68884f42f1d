// Package remote talks to the authority that local mutations are replicated
// to. The sync coordinator only sees the Endpoint interface; the HTTP client
// and the simulated endpoint are the two implementations.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
)

// Endpoint accepts a POST of body to path. Any failure, transport or
// application level, is returned as an error.
type Endpoint interface {
	Post(ctx context.Context, path string, body any) (*Response, error)
}

const StatusSuccess = "success"

type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error is a failed delivery to one endpoint.
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
}
