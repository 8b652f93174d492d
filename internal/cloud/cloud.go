package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Permission is one ingress permission of a security group as returned by
// the provider. A single permission may carry several CIDR ranges.
type Permission struct {
	Protocol string // "tcp", "udp", "-1"
	FromPort int32
	ToPort   int32
	CIDRs    []string
}

// ACLEntry is one numbered entry of a network ACL.
type ACLEntry struct {
	RuleNumber int32
	Protocol   string // IANA protocol number, "6" for tcp
	Action     string // "allow" or "deny"
	Egress     bool
	CIDR       string
	FromPort   int32
	ToPort     int32
}

// InstanceState is the coarse power state of a compute instance.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
)

// Schedule is a one-shot trigger that delivers Input to the target at FireAt
// and deletes itself afterwards.
type Schedule struct {
	Name        string
	Group       string
	FireAt      time.Time
	TargetARN   string
	RoleARN     string
	Input       []byte
	Description string
}

// SecurityGroups is the stateful firewall seam.
type SecurityGroups interface {
	ListIngress(ctx context.Context, groupID string) ([]Permission, error)
	AuthorizeIngress(ctx context.Context, groupID string, p Permission) error
	// RevokeIngress returns *ErrNotFound when no such permission exists.
	RevokeIngress(ctx context.Context, groupID string, p Permission) error
}

// NetworkACLs is the stateless, numbered firewall seam.
type NetworkACLs interface {
	ListEntries(ctx context.Context, aclID string) ([]ACLEntry, error)
	// CreateEntry returns *ErrConflict when the rule number is already taken.
	CreateEntry(ctx context.Context, aclID string, e ACLEntry) error
	// DeleteIngressEntry returns *ErrNotFound when the rule number is unused.
	DeleteIngressEntry(ctx context.Context, aclID string, ruleNumber int32) error
}

// Instances controls the power state of compute instances.
type Instances interface {
	InstanceState(ctx context.Context, instanceID string) (InstanceState, error)
	StartInstance(ctx context.Context, instanceID string) error
	StopInstance(ctx context.Context, instanceID string) error
}

// Agents reports whether the management agent on an instance is online.
type Agents interface {
	AgentOnline(ctx context.Context, instanceID string) (bool, error)
}

// Parameters looks up named configuration values.
type Parameters interface {
	Parameter(ctx context.Context, name string) (string, error)
}

// Scheduler creates one-shot schedules. A schedule with an existing name is
// replaced, never duplicated.
type Scheduler interface {
	UpsertSchedule(ctx context.Context, s Schedule) error
}

// Provider bundles every capability the service consumes.
type Provider interface {
	SecurityGroups
	NetworkACLs
	Instances
	Agents
	Parameters
	Scheduler
}

// --- Typed errors -----------------------------------------------------------

// ErrNotFound is returned when a resource or rule does not exist.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrConflict is returned when a create would duplicate an existing object.
type ErrConflict struct {
	Resource string
	Msg      string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Msg)
}

// IsNotFound reports whether err is (or wraps) an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) an *ErrConflict.
func IsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}
