package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/developingchet/bastion-access/internal/cloud"
)

func TestMockCloud_AuthorizeRevoke(t *testing.T) {
	m := NewMockCloud()
	ctx := context.Background()
	p := cloud.Permission{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDRs: []string{"1.2.3.4/32"}}

	if err := m.AuthorizeIngress(ctx, "sg", p); err != nil {
		t.Fatalf("AuthorizeIngress: %v", err)
	}
	if err := m.AuthorizeIngress(ctx, "sg", p); !cloud.IsConflict(err) {
		t.Errorf("second AuthorizeIngress: got %v, want conflict", err)
	}
	if err := m.RevokeIngress(ctx, "sg", p); err != nil {
		t.Fatalf("RevokeIngress: %v", err)
	}
	if err := m.RevokeIngress(ctx, "sg", p); !cloud.IsNotFound(err) {
		t.Errorf("second RevokeIngress: got %v, want not found", err)
	}
	if got := m.Calls("AuthorizeIngress"); got != 2 {
		t.Errorf("AuthorizeIngress calls: got %d, want 2", got)
	}
}

func TestMockCloud_RevokeKeepsOtherCIDRs(t *testing.T) {
	m := NewMockCloud()
	m.SetPermissions("sg", []cloud.Permission{{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDRs: []string{"1.1.1.1/32", "2.2.2.2/32"}}})

	if err := m.RevokeIngress(context.Background(), "sg", cloud.Permission{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDRs: []string{"1.1.1.1/32"}}); err != nil {
		t.Fatalf("RevokeIngress: %v", err)
	}
	perms := m.Permissions("sg")
	if len(perms) != 1 || len(perms[0].CIDRs) != 1 || perms[0].CIDRs[0] != "2.2.2.2/32" {
		t.Errorf("unexpected permissions after revoke: %+v", perms)
	}
}

func TestMockCloud_ACLRuleNumberConflict(t *testing.T) {
	m := NewMockCloud()
	ctx := context.Background()
	e := cloud.ACLEntry{RuleNumber: 9400, Protocol: "6", Action: "allow", CIDR: "1.2.3.4/32", FromPort: 22, ToPort: 22}

	if err := m.CreateEntry(ctx, "acl", e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := m.CreateEntry(ctx, "acl", e); !cloud.IsConflict(err) {
		t.Errorf("duplicate rule number: got %v, want conflict", err)
	}
	if err := m.DeleteIngressEntry(ctx, "acl", 9400); err != nil {
		t.Fatalf("DeleteIngressEntry: %v", err)
	}
	if err := m.DeleteIngressEntry(ctx, "acl", 9400); !cloud.IsNotFound(err) {
		t.Errorf("second delete: got %v, want not found", err)
	}
}

func TestMockCloud_PowerTransitions(t *testing.T) {
	m := NewMockCloud()
	m.StartTransitions = 2
	m.SetInstance("i-1", cloud.StateStopped)
	ctx := context.Background()

	if err := m.StartInstance(ctx, "i-1"); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	for i := 0; i < 2; i++ {
		if s, _ := m.InstanceState(ctx, "i-1"); s != cloud.StatePending {
			t.Fatalf("poll %d: got %s, want pending", i, s)
		}
	}
	if s, _ := m.InstanceState(ctx, "i-1"); s != cloud.StateRunning {
		t.Errorf("final poll: got %s, want running", s)
	}
}

func TestMockCloud_ErrorInjection(t *testing.T) {
	m := NewMockCloud()
	boom := errors.New("boom")
	m.SetError("ListEntries", boom)

	if _, err := m.ListEntries(context.Background(), "acl"); !errors.Is(err, boom) {
		t.Errorf("first call: got %v, want boom", err)
	}
	if _, err := m.ListEntries(context.Background(), "acl"); err != nil {
		t.Errorf("second call should succeed, got %v", err)
	}

	m.SetStickyError("Parameter", boom)
	for i := 0; i < 2; i++ {
		if _, err := m.Parameter(context.Background(), "p"); !errors.Is(err, boom) {
			t.Errorf("sticky call %d: got %v", i, err)
		}
	}
}
