package firewall

import (
	"errors"
	"fmt"

	"github.com/developingchet/bastion-access/internal/cloud"
)

// Reserved ACL rule-number pool [PoolStart, PoolEnd). Entries this service
// creates always live inside it; matching entries found outside it were
// created by someone else and are treated as permanent.
const (
	PoolStart int32 = 9400
	PoolEnd   int32 = 9500
)

// ErrPoolExhausted is returned when every rule number in the pool is taken.
var ErrPoolExhausted = errors.New("reserved ACL rule-number pool exhausted")

// InPool reports whether n lies inside the reserved pool.
func InPool(n int32) bool {
	return n >= PoolStart && n < PoolEnd
}

// Allocate returns the lowest pool number not present in used. The used set
// must be freshly read from the ACL; it is never cached because concurrent
// grants share the pool.
func Allocate(used map[int32]struct{}) (int32, error) {
	for n := PoolStart; n < PoolEnd; n++ {
		if _, taken := used[n]; !taken {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w [%d, %d)", ErrPoolExhausted, PoolStart, PoolEnd)
}

// UsedIngressNumbers collects the rule numbers of inbound entries. Inbound
// and outbound entries are numbered independently.
func UsedIngressNumbers(entries []cloud.ACLEntry) map[int32]struct{} {
	used := make(map[int32]struct{}, len(entries))
	for _, e := range entries {
		if !e.Egress {
			used[e.RuleNumber] = struct{}{}
		}
	}
	return used
}

// FreeInPool counts pool numbers absent from used.
func FreeInPool(used map[int32]struct{}) int {
	free := 0
	for n := PoolStart; n < PoolEnd; n++ {
		if _, taken := used[n]; !taken {
			free++
		}
	}
	return free
}
