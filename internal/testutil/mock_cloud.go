package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/developingchet/bastion-access/internal/cloud"
)

// MockCloud implements cloud.Provider in memory for testing.
// All methods are safe for concurrent use.
type MockCloud struct {
	mu sync.Mutex

	permissions map[string][]cloud.Permission // group id -> permissions
	entries     map[string][]cloud.ACLEntry   // acl id -> entries
	states      map[string]cloud.InstanceState
	agents      map[string]bool
	params      map[string]string
	schedules   map[string]cloud.Schedule

	// StartTransitions is the number of InstanceState polls a started
	// instance reports "pending" before "running". Same for stops.
	StartTransitions int
	StopTransitions  int
	pendingPolls     map[string]int

	// AgentOnlineAfter is the number of AgentOnline polls answered false
	// before an agent registered with SetAgent reports online.
	AgentOnlineAfter int
	agentPolls       map[string]int

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Sticky errors are returned on every call until cleared.
	sticky map[string]error

	// Call counts per method
	calls map[string]int
}

var _ cloud.Provider = (*MockCloud)(nil)

// NewMockCloud returns a zero-state MockCloud ready for use.
func NewMockCloud() *MockCloud {
	return &MockCloud{
		permissions:  make(map[string][]cloud.Permission),
		entries:      make(map[string][]cloud.ACLEntry),
		states:       make(map[string]cloud.InstanceState),
		agents:       make(map[string]bool),
		params:       make(map[string]string),
		schedules:    make(map[string]cloud.Schedule),
		pendingPolls: make(map[string]int),
		agentPolls:   make(map[string]int),
		errors:       make(map[string]error),
		sticky:       make(map[string]error),
		calls:        make(map[string]int),
	}
}

// SetPermissions presets the ingress permissions of a security group.
func (m *MockCloud) SetPermissions(groupID string, perms []cloud.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions[groupID] = perms
}

// SetEntries presets the entries of a network ACL.
func (m *MockCloud) SetEntries(aclID string, entries []cloud.ACLEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[aclID] = entries
}

// SetInstance presets an instance power state.
func (m *MockCloud) SetInstance(id string, state cloud.InstanceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
}

// SetAgent registers an instance's management agent.
func (m *MockCloud) SetAgent(id string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = online
}

// SetParameter presets a parameter value.
func (m *MockCloud) SetParameter(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[name] = value
}

// SetError injects an error to be returned on the next call to the named method.
// The error is consumed (returned once) and then cleared.
func (m *MockCloud) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetStickyError makes every call to the named method fail until cleared with nil.
func (m *MockCloud) SetStickyError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockCloud) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Permissions returns a copy of a security group's permissions.
func (m *MockCloud) Permissions(groupID string) []cloud.Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cloud.Permission{}, m.permissions[groupID]...)
}

// Entries returns a copy of a network ACL's entries.
func (m *MockCloud) Entries(aclID string) []cloud.ACLEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cloud.ACLEntry{}, m.entries[aclID]...)
}

// Schedules returns the pending schedules keyed by name.
func (m *MockCloud) Schedules() map[string]cloud.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]cloud.Schedule, len(m.schedules))
	for k, v := range m.schedules {
		out[k] = v
	}
	return out
}

// State returns the current power state of an instance.
func (m *MockCloud) State(id string) cloud.InstanceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

// enter counts the call and returns any injected error. Caller holds m.mu.
func (m *MockCloud) enter(method string) error {
	m.calls[method]++
	if err, ok := m.sticky[method]; ok {
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- SecurityGroups ---------------------------------------------------------

func (m *MockCloud) ListIngress(ctx context.Context, groupID string) ([]cloud.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListIngress"); err != nil {
		return nil, err
	}
	return append([]cloud.Permission{}, m.permissions[groupID]...), nil
}

func (m *MockCloud) AuthorizeIngress(ctx context.Context, groupID string, p cloud.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AuthorizeIngress"); err != nil {
		return err
	}
	for _, existing := range m.permissions[groupID] {
		if samePorts(existing, p) && overlaps(existing.CIDRs, p.CIDRs) {
			return &cloud.ErrConflict{Resource: "security group rule", Msg: "duplicate permission"}
		}
	}
	p.CIDRs = append([]string{}, p.CIDRs...)
	m.permissions[groupID] = append(m.permissions[groupID], p)
	return nil
}

func (m *MockCloud) RevokeIngress(ctx context.Context, groupID string, p cloud.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RevokeIngress"); err != nil {
		return err
	}
	removed := false
	kept := make([]cloud.Permission, 0, len(m.permissions[groupID]))
	for _, existing := range m.permissions[groupID] {
		if samePorts(existing, p) {
			cidrs := make([]string, 0, len(existing.CIDRs))
			for _, c := range existing.CIDRs {
				if contains(p.CIDRs, c) {
					removed = true
					continue
				}
				cidrs = append(cidrs, c)
			}
			existing.CIDRs = cidrs
			if len(existing.CIDRs) == 0 {
				continue
			}
		}
		kept = append(kept, existing)
	}
	m.permissions[groupID] = kept
	if !removed {
		return &cloud.ErrNotFound{Resource: "security group rule", ID: groupID}
	}
	return nil
}

// --- NetworkACLs ------------------------------------------------------------

func (m *MockCloud) ListEntries(ctx context.Context, aclID string) ([]cloud.ACLEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListEntries"); err != nil {
		return nil, err
	}
	return append([]cloud.ACLEntry{}, m.entries[aclID]...), nil
}

func (m *MockCloud) CreateEntry(ctx context.Context, aclID string, e cloud.ACLEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateEntry"); err != nil {
		return err
	}
	for _, existing := range m.entries[aclID] {
		if existing.RuleNumber == e.RuleNumber && existing.Egress == e.Egress {
			return &cloud.ErrConflict{Resource: "network acl entry", Msg: fmt.Sprintf("rule number %d in use", e.RuleNumber)}
		}
	}
	entries := append(append([]cloud.ACLEntry{}, m.entries[aclID]...), e)
	sort.Slice(entries, func(i, j int) bool { return entries[i].RuleNumber < entries[j].RuleNumber })
	m.entries[aclID] = entries
	return nil
}

func (m *MockCloud) DeleteIngressEntry(ctx context.Context, aclID string, ruleNumber int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteIngressEntry"); err != nil {
		return err
	}
	for i, existing := range m.entries[aclID] {
		if existing.RuleNumber == ruleNumber && !existing.Egress {
			entries := append([]cloud.ACLEntry{}, m.entries[aclID][:i]...)
			m.entries[aclID] = append(entries, m.entries[aclID][i+1:]...)
			return nil
		}
	}
	return &cloud.ErrNotFound{Resource: "network acl entry", ID: fmt.Sprintf("%s/%d", aclID, ruleNumber)}
}

// --- Instances --------------------------------------------------------------

func (m *MockCloud) InstanceState(ctx context.Context, id string) (cloud.InstanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InstanceState"); err != nil {
		return "", err
	}
	state, ok := m.states[id]
	if !ok {
		return "", &cloud.ErrNotFound{Resource: "instance", ID: id}
	}
	switch state {
	case cloud.StatePending, cloud.StateStopping:
		if m.pendingPolls[id] > 0 {
			m.pendingPolls[id]--
			return state, nil
		}
		if state == cloud.StatePending {
			state = cloud.StateRunning
		} else {
			state = cloud.StateStopped
		}
		m.states[id] = state
	}
	return state, nil
}

func (m *MockCloud) StartInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("StartInstance"); err != nil {
		return err
	}
	if _, ok := m.states[id]; !ok {
		return &cloud.ErrNotFound{Resource: "instance", ID: id}
	}
	m.states[id] = cloud.StatePending
	m.pendingPolls[id] = m.StartTransitions
	return nil
}

func (m *MockCloud) StopInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("StopInstance"); err != nil {
		return err
	}
	if _, ok := m.states[id]; !ok {
		return &cloud.ErrNotFound{Resource: "instance", ID: id}
	}
	m.states[id] = cloud.StateStopping
	m.pendingPolls[id] = m.StopTransitions
	return nil
}

// --- Agents / Parameters ----------------------------------------------------

func (m *MockCloud) AgentOnline(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AgentOnline"); err != nil {
		return false, err
	}
	m.agentPolls[id]++
	if m.agentPolls[id] <= m.AgentOnlineAfter {
		return false, nil
	}
	return m.agents[id], nil
}

func (m *MockCloud) Parameter(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Parameter"); err != nil {
		return "", err
	}
	v, ok := m.params[name]
	if !ok {
		return "", &cloud.ErrNotFound{Resource: "parameter", ID: name}
	}
	return v, nil
}

// --- Scheduler --------------------------------------------------------------

func (m *MockCloud) UpsertSchedule(ctx context.Context, s cloud.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertSchedule"); err != nil {
		return err
	}
	m.schedules[s.Name] = s
	return nil
}

func samePorts(a, b cloud.Permission) bool {
	return a.Protocol == b.Protocol && a.FromPort == b.FromPort && a.ToPort == b.ToPort
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
