package lease

import (
	"encoding/json"
	"fmt"
)

// Event actions carried in the detail of a scheduled or forwarded event.
const (
	ActionRemoveAccess    = "remove_access"
	ActionShutdownBastion = "shutdown_bastion"
)

// DetailTypeRemoval is the detail-type stamped on removal payloads this
// service schedules for itself.
const DetailTypeRemoval = "BastionAccessRemoval"

// Detail is the action payload of an inbound event. The scheduled removal
// payload has exactly this shape so it can be fed back unchanged.
type Detail struct {
	Action     string `json:"action"`
	IPAddress  string `json:"ip_address,omitempty"`
	Service    string `json:"service,omitempty"`
	RuleNumber *int32 `json:"rule_number,omitempty"`
}

// Event is the envelope of an inbound scheduled or bus event.
type Event struct {
	DetailType string `json:"detail-type"`
	Detail     Detail `json:"detail"`
}

// RemovalEvent builds the payload that later revokes a grant.
func RemovalEvent(address, service string, ruleNumber int32) Event {
	n := ruleNumber
	return Event{
		DetailType: DetailTypeRemoval,
		Detail: Detail{
			Action:     ActionRemoveAccess,
			IPAddress:  address,
			Service:    service,
			RuleNumber: &n,
		},
	}
}

// ParseEvent decodes an inbound event envelope.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
