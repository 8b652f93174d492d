package storage

import (
	"context"
	"testing"
	"time"

	"github.com/developingchet/bastion-access/internal/cloud"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sshPermission(cidr string) cloud.Permission {
	return cloud.Permission{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDRs: []string{cidr}}
}

func TestIngressAuthorizeRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AuthorizeIngress(ctx, "sg", sshPermission("1.2.3.4/32")); err != nil {
		t.Fatalf("AuthorizeIngress: %v", err)
	}
	if err := s.AuthorizeIngress(ctx, "sg", sshPermission("1.2.3.4/32")); !cloud.IsConflict(err) {
		t.Errorf("duplicate authorize: got %v, want conflict", err)
	}
	if err := s.AuthorizeIngress(ctx, "sg", sshPermission("5.6.7.8/32")); err != nil {
		t.Fatalf("AuthorizeIngress second host: %v", err)
	}

	perms, err := s.ListIngress(ctx, "sg")
	if err != nil || len(perms) != 2 {
		t.Fatalf("ListIngress = %v, %v; want 2 permissions", perms, err)
	}

	if err := s.RevokeIngress(ctx, "sg", sshPermission("1.2.3.4/32")); err != nil {
		t.Fatalf("RevokeIngress: %v", err)
	}
	if err := s.RevokeIngress(ctx, "sg", sshPermission("1.2.3.4/32")); !cloud.IsNotFound(err) {
		t.Errorf("second revoke: got %v, want not found", err)
	}
	perms, _ = s.ListIngress(ctx, "sg")
	if len(perms) != 1 || perms[0].CIDRs[0] != "5.6.7.8/32" {
		t.Errorf("unexpected permissions after revoke: %+v", perms)
	}
}

func TestACLEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, n := range []int32{9401, 9400} {
		e := cloud.ACLEntry{RuleNumber: n, Protocol: "6", Action: "allow", CIDR: "1.2.3.4/32", FromPort: 22, ToPort: 22}
		if err := s.CreateEntry(ctx, "acl", e); err != nil {
			t.Fatalf("CreateEntry %d: %v", n, err)
		}
	}
	if err := s.CreateEntry(ctx, "acl", cloud.ACLEntry{RuleNumber: 9400}); !cloud.IsConflict(err) {
		t.Errorf("duplicate rule number: got %v, want conflict", err)
	}
	if err := s.CreateEntry(ctx, "acl", cloud.ACLEntry{RuleNumber: 9400, Egress: true}); err != nil {
		t.Errorf("egress entry with same number should be allowed: %v", err)
	}

	entries, err := s.ListEntries(ctx, "acl")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].RuleNumber != 9400 {
		t.Errorf("entries not sorted or wrong count: %+v", entries)
	}

	if err := s.DeleteIngressEntry(ctx, "acl", 9400); err != nil {
		t.Fatalf("DeleteIngressEntry: %v", err)
	}
	if err := s.DeleteIngressEntry(ctx, "acl", 9400); !cloud.IsNotFound(err) {
		t.Errorf("second delete: got %v, want not found", err)
	}
	entries, _ = s.ListEntries(ctx, "acl")
	if len(entries) != 2 {
		t.Errorf("entries after delete: got %d, want 2 (egress entry kept)", len(entries))
	}
}

func TestInstanceTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InstanceState(ctx, "i-1"); !cloud.IsNotFound(err) {
		t.Errorf("unknown instance: got %v, want not found", err)
	}
	if err := s.StartInstance(ctx, "i-1"); !cloud.IsNotFound(err) {
		t.Errorf("start unknown: got %v, want not found", err)
	}

	if err := s.PutInstance("i-1", cloud.StateStopped); err != nil {
		t.Fatal(err)
	}
	if err := s.StartInstance(ctx, "i-1"); err != nil {
		t.Fatal(err)
	}
	want := []cloud.InstanceState{cloud.StatePending, cloud.StateRunning, cloud.StateRunning}
	for i, w := range want {
		got, err := s.InstanceState(ctx, "i-1")
		if err != nil || got != w {
			t.Errorf("poll %d: got %s, %v; want %s", i, got, err, w)
		}
	}

	online, err := s.AgentOnline(ctx, "i-1")
	if err != nil || !online {
		t.Errorf("AgentOnline while running = %v, %v", online, err)
	}

	if err := s.StopInstance(ctx, "i-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.InstanceState(ctx, "i-1"); got != cloud.StateStopping {
		t.Errorf("after stop: got %s, want stopping", got)
	}
	if got, _ := s.InstanceState(ctx, "i-1"); got != cloud.StateStopped {
		t.Errorf("second poll after stop: got %s, want stopped", got)
	}
	if online, _ := s.AgentOnline(ctx, "i-1"); online {
		t.Error("agent should be offline when stopped")
	}
}

func TestParameters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Parameter(ctx, "/bastion/id"); !cloud.IsNotFound(err) {
		t.Errorf("missing parameter: got %v, want not found", err)
	}
	if err := s.PutParameter("/bastion/id", "i-local"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Parameter(ctx, "/bastion/id")
	if err != nil || v != "i-local" {
		t.Errorf("Parameter = %q, %v", v, err)
	}
}

func TestSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := cloud.Schedule{Name: "past", FireAt: now.Add(-time.Minute), Input: []byte(`{"a":1}`)}
	older := cloud.Schedule{Name: "older", FireAt: now.Add(-time.Hour)}
	future := cloud.Schedule{Name: "future", FireAt: now.Add(time.Hour)}
	for _, sc := range []cloud.Schedule{past, older, future} {
		if err := s.UpsertSchedule(ctx, sc); err != nil {
			t.Fatalf("UpsertSchedule %s: %v", sc.Name, err)
		}
	}

	first, _ := s.ListSchedules()
	if err := s.UpsertSchedule(ctx, past); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListSchedules()
	if err != nil || len(all) != 3 {
		t.Fatalf("ListSchedules = %d, %v; want 3", len(all), err)
	}
	if all["past"].ID == first["past"].ID || all["past"].ID == "" {
		t.Error("replacing a schedule should assign a new id")
	}

	due, err := s.DueSchedules(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].Schedule.Name != "older" || due[1].Schedule.Name != "past" {
		t.Fatalf("DueSchedules: got %+v", due)
	}
	if string(due[1].Schedule.Input) != `{"a":1}` {
		t.Errorf("input not preserved: %q", due[1].Schedule.Input)
	}

	// A stale id leaves the replacement in place.
	deleted, err := s.DeleteSchedule("past", first["past"].ID)
	if err != nil || deleted {
		t.Fatalf("DeleteSchedule with stale id = %v, %v; want false, nil", deleted, err)
	}
	if _, ok := mustList(t, s)["past"]; !ok {
		t.Fatal("replaced schedule deleted by stale id")
	}

	deleted, err = s.DeleteSchedule("past", all["past"].ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteSchedule = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = s.DeleteSchedule("past", all["past"].ID)
	if err != nil || deleted {
		t.Errorf("second DeleteSchedule = %v, %v; want false, nil", deleted, err)
	}
	due, _ = s.DueSchedules(now)
	if len(due) != 1 {
		t.Errorf("after delete: got %d due, want 1", len(due))
	}
}

func mustList(t *testing.T, s Store) map[string]ScheduleRecord {
	t.Helper()
	all, err := s.ListSchedules()
	if err != nil {
		t.Fatal(err)
	}
	return all
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t)
	size, err := s.SizeBytes()
	if err != nil || size <= 0 {
		t.Errorf("SizeBytes = %d, %v", size, err)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutParameter("k", "v"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if v, err := s.Parameter(context.Background(), "k"); err != nil || v != "v" {
		t.Errorf("after reopen: %q, %v", v, err)
	}
}
