package firewall

import "github.com/developingchet/bastion-access/internal/cloud"

// PermissionExists reports whether an existing permission already admits r.
// Protocol and both ports must be equal; the CIDR only has to appear among
// the permission's ranges, so a permission listing several hosts matches if
// any one of them is r's host.
func PermissionExists(r Rule, existing []cloud.Permission) bool {
	for _, p := range existing {
		if p.Protocol != r.Protocol || p.FromPort != r.Port || p.ToPort != r.Port {
			continue
		}
		for _, c := range p.CIDRs {
			if c != "" && c == r.CIDR {
				return true
			}
		}
	}
	return false
}

// FindACLEntry returns the first inbound allow entry realising r. The rule
// number is the entry's identity and plays no part in matching.
func FindACLEntry(r Rule, entries []cloud.ACLEntry) (cloud.ACLEntry, bool) {
	proto := protocolNumber(r.Protocol)
	for _, e := range entries {
		if e.Egress || e.Action != actionAllow {
			continue
		}
		if e.Protocol != proto && e.Protocol != r.Protocol {
			continue
		}
		if e.FromPort != r.Port || e.ToPort != r.Port {
			continue
		}
		if e.CIDR != "" && e.CIDR == r.CIDR {
			return e, true
		}
	}
	return cloud.ACLEntry{}, false
}

// ACLEntryExists reports whether FindACLEntry finds a match.
func ACLEntryExists(r Rule, entries []cloud.ACLEntry) bool {
	_, ok := FindACLEntry(r, entries)
	return ok
}
