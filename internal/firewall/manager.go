package firewall

import (
	"context"
	"fmt"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/rs/zerolog"
)

// ManagerConfig identifies the two firewall layers.
type ManagerConfig struct {
	SecurityGroupID string
	NetworkACLID    string // empty disables the ACL layer
}

// ACLResult describes the ACL entry backing a grant.
type ACLResult struct {
	RuleNumber int32
	Created    bool
	// Permanent is set when the matching entry sits outside the reserved
	// pool; such grants are never scheduled for removal.
	Permanent bool
}

// Manager applies and removes access rules on the security group and the
// network ACL. Every mutation is preceded by a fresh read so repeated calls
// converge on one rule per (port, CIDR).
type Manager struct {
	cfg ManagerConfig
	sg  cloud.SecurityGroups
	acl cloud.NetworkACLs
	log zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig, sg cloud.SecurityGroups, acl cloud.NetworkACLs, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, sg: sg, acl: acl, log: log}
}

// ACLEnabled reports whether a network ACL is configured.
func (m *Manager) ACLEnabled() bool {
	return m.cfg.NetworkACLID != ""
}

// EnsurePermission authorizes r on the security group unless an equivalent
// permission is already present. Returns true when a call was made.
func (m *Manager) EnsurePermission(ctx context.Context, r Rule) (bool, error) {
	existing, err := m.sg.ListIngress(ctx, m.cfg.SecurityGroupID)
	if err != nil {
		return false, fmt.Errorf("list security group %s: %w", m.cfg.SecurityGroupID, err)
	}
	if PermissionExists(r, existing) {
		m.log.Info().Str("sg", m.cfg.SecurityGroupID).Str("cidr", r.CIDR).Int32("port", r.Port).
			Msg("security group rule already present")
		return false, nil
	}
	if err := m.sg.AuthorizeIngress(ctx, m.cfg.SecurityGroupID, r.Permission()); err != nil {
		if cloud.IsConflict(err) {
			// Lost a race with a concurrent grant for the same host.
			m.log.Info().Str("sg", m.cfg.SecurityGroupID).Str("cidr", r.CIDR).Msg("security group rule added concurrently")
			return false, nil
		}
		return false, fmt.Errorf("authorize %s on %s: %w", r.CIDR, m.cfg.SecurityGroupID, err)
	}
	m.log.Info().Str("sg", m.cfg.SecurityGroupID).Str("cidr", r.CIDR).Int32("port", r.Port).
		Msg("security group rule added")
	return true, nil
}

// EnsureACLEntry creates the inbound allow entry for r, or reuses a matching
// one. The allocator is consulted only when no matching entry exists.
func (m *Manager) EnsureACLEntry(ctx context.Context, r Rule) (ACLResult, error) {
	if !m.ACLEnabled() {
		return ACLResult{}, nil
	}

	entries, err := m.acl.ListEntries(ctx, m.cfg.NetworkACLID)
	if err != nil {
		return ACLResult{}, fmt.Errorf("list network acl %s: %w", m.cfg.NetworkACLID, err)
	}

	if existing, ok := FindACLEntry(r, entries); ok {
		res := ACLResult{RuleNumber: existing.RuleNumber, Permanent: !InPool(existing.RuleNumber)}
		if res.Permanent {
			metrics.PermanentGrants.Inc()
			m.log.Warn().Str("acl", m.cfg.NetworkACLID).Str("cidr", r.CIDR).Int32("rule_number", existing.RuleNumber).
				Msgf("existing rule number is outside the reserved range %d-%d; access is permanent or needs manual cleanup", PoolStart, PoolEnd-1)
		} else {
			m.log.Info().Str("acl", m.cfg.NetworkACLID).Str("cidr", r.CIDR).Int32("rule_number", existing.RuleNumber).
				Msg("network acl entry already present")
		}
		return res, nil
	}

	used := UsedIngressNumbers(entries)
	metrics.ACLPoolFree.Set(float64(FreeInPool(used)))
	n, err := Allocate(used)
	if err != nil {
		return ACLResult{}, err
	}

	if err := m.acl.CreateEntry(ctx, m.cfg.NetworkACLID, r.ACLEntry(n)); err != nil {
		return ACLResult{}, fmt.Errorf("create network acl entry %d on %s: %w", n, m.cfg.NetworkACLID, err)
	}
	m.log.Info().Str("acl", m.cfg.NetworkACLID).Str("cidr", r.CIDR).Int32("rule_number", n).
		Msg("network acl entry added")
	return ACLResult{RuleNumber: n, Created: true}, nil
}

// RevokePermission removes r from the security group. A missing rule already
// satisfies the goal and is not an error.
func (m *Manager) RevokePermission(ctx context.Context, r Rule) error {
	err := m.sg.RevokeIngress(ctx, m.cfg.SecurityGroupID, r.Permission())
	if cloud.IsNotFound(err) {
		m.log.Info().Str("sg", m.cfg.SecurityGroupID).Str("cidr", r.CIDR).Msg("security group rule already absent")
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke %s on %s: %w", r.CIDR, m.cfg.SecurityGroupID, err)
	}
	m.log.Info().Str("sg", m.cfg.SecurityGroupID).Str("cidr", r.CIDR).Msg("security group rule removed")
	return nil
}

// DeleteACLEntry removes the inbound entry with ruleNumber. A missing entry
// is not an error. Rule number 0 means the grant never had an ACL entry, so
// it is a no-op, as is any call with no ACL configured.
func (m *Manager) DeleteACLEntry(ctx context.Context, ruleNumber int32) error {
	if !m.ACLEnabled() {
		return nil
	}
	if ruleNumber == 0 {
		m.log.Info().Str("acl", m.cfg.NetworkACLID).Msg("grant carried no network acl entry; nothing to delete")
		return nil
	}
	err := m.acl.DeleteIngressEntry(ctx, m.cfg.NetworkACLID, ruleNumber)
	if cloud.IsNotFound(err) {
		m.log.Info().Str("acl", m.cfg.NetworkACLID).Int32("rule_number", ruleNumber).Msg("network acl entry already absent")
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete network acl entry %d on %s: %w", ruleNumber, m.cfg.NetworkACLID, err)
	}
	m.log.Info().Str("acl", m.cfg.NetworkACLID).Int32("rule_number", ruleNumber).Msg("network acl entry removed")
	return nil
}
