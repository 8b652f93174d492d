package access

// State is a step of the grant lifecycle.
type State string

const (
	StateReceived       State = "received"
	StateValidated      State = "validated"
	StateSgApplied      State = "sg_applied"
	StateACLApplied     State = "acl_applied"
	StatePowerEnsured   State = "power_ensured"
	StateAgentConfirmed State = "agent_confirmed"
	StateScheduled      State = "scheduled"
	StateDone           State = "done"
	StateAborted        State = "aborted"

	// Removal path stages.
	StateRemoval  State = "remove_access"
	StateShutdown State = "shutdown_bastion"
)
