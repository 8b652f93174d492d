package access

import (
	"encoding/json"
	"fmt"
)

// Request is an access request taken off the queue.
type Request struct {
	IPAddress    string `json:"ip_address"`
	Service      string `json:"service"`
	LeaseRequest *int   `json:"lease_request,omitempty"`

	// MessageID identifies the queue message in logs.
	MessageID string `json:"-"`
}

// ParseRequest decodes a queue message body.
func ParseRequest(body []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return Request{}, fmt.Errorf("%w: decode request: %v", ErrValidation, err)
	}
	return r, nil
}
