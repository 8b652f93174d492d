package firewall

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// NameData holds variables available in the schedule name template.
type NameData struct {
	Address string // source address with dots replaced by dashes, e.g. "203-0-113-7"
	IP      string // source address as given, e.g. "203.0.113.7"
	Service string // "ssh" or "rdp"
}

// scheduleNamePattern is the character set and length EventBridge Scheduler accepts.
var scheduleNamePattern = regexp.MustCompile(`^[0-9a-zA-Z\-_.]{1,64}$`)

// Namer renders deterministic schedule names so a repeated request for the
// same (address, service) pair maps onto the same schedule.
type Namer struct {
	scheduleTmpl *template.Template
	description  string
}

// NewNamer parses and validates the schedule name template.
func NewNamer(scheduleTmpl, description string) (*Namer, error) {
	st, err := template.New("schedule").Option("missingkey=error").Parse(scheduleTmpl)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULE_NAME_TEMPLATE: %w", err)
	}
	return &Namer{scheduleTmpl: st, description: description}, nil
}

// ScheduleName renders the removal schedule name for ip and svc.
func (n *Namer) ScheduleName(ip string, svc Service) (string, error) {
	name, err := render(n.scheduleTmpl, NameData{
		Address: strings.NewReplacer(".", "-", ":", "-").Replace(ip),
		IP:      ip,
		Service: string(svc),
	})
	if err != nil {
		return "", err
	}
	if !scheduleNamePattern.MatchString(name) {
		return "", fmt.Errorf("schedule name %q must match %s", name, scheduleNamePattern)
	}
	return name, nil
}

// Description returns the static schedule description string.
func (n *Namer) Description() string {
	return n.description
}

func render(tmpl *template.Template, data NameData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
