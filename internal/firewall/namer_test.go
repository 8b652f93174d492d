package firewall

import (
	"strings"
	"testing"
)

const defaultScheduleTemplate = "remove-access-{{.Address}}-{{.Service}}"

func TestScheduleName_Default(t *testing.T) {
	n, err := NewNamer(defaultScheduleTemplate, "desc")
	if err != nil {
		t.Fatalf("NewNamer: %v", err)
	}
	got, err := n.ScheduleName("203.0.113.7", ServiceSSH)
	if err != nil {
		t.Fatal(err)
	}
	if got != "remove-access-203-0-113-7-ssh" {
		t.Errorf("ScheduleName: got %q", got)
	}
}

func TestScheduleName_Deterministic(t *testing.T) {
	n, err := NewNamer(defaultScheduleTemplate, "desc")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := n.ScheduleName("10.1.2.3", ServiceRDP)
	b, _ := n.ScheduleName("10.1.2.3", ServiceRDP)
	c, _ := n.ScheduleName("10.1.2.3", ServiceSSH)
	if a != b {
		t.Errorf("same pair rendered differently: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("different services rendered the same name %q", a)
	}
}

func TestScheduleName_TooLong(t *testing.T) {
	n, err := NewNamer(strings.Repeat("x", 60)+"-{{.Address}}", "desc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.ScheduleName("203.0.113.7", ServiceSSH); err == nil {
		t.Error("expected error for a name longer than 64 characters")
	}
}

func TestScheduleName_InvalidCharacters(t *testing.T) {
	n, err := NewNamer("remove {{.IP}}", "desc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.ScheduleName("203.0.113.7", ServiceSSH); err == nil {
		t.Error("expected error for a name containing a space")
	}
}

func TestNewNamer_BadTemplate(t *testing.T) {
	if _, err := NewNamer("{{.Address", "desc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestScheduleName_UnknownField(t *testing.T) {
	n, err := NewNamer("remove-{{.Site}}", "desc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.ScheduleName("203.0.113.7", ServiceSSH); err == nil {
		t.Error("expected execution error for an unknown field")
	}
}

func TestDescription(t *testing.T) {
	n, _ := NewNamer(defaultScheduleTemplate, "Schedule to remove Bastion access after timeout")
	if n.Description() != "Schedule to remove Bastion access after timeout" {
		t.Errorf("Description: got %q", n.Description())
	}
}
