package firewall

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/developingchet/bastion-access/internal/cloud"
)

// Service is a remote-access protocol exposed on the bastion.
type Service string

const (
	ServiceSSH Service = "ssh"
	ServiceRDP Service = "rdp"
)

const (
	// ProtocolTCP is the security-group spelling of tcp.
	ProtocolTCP = "tcp"
	// protocolNumberTCP is the network-ACL spelling of tcp.
	protocolNumberTCP = "6"
	actionAllow       = "allow"
)

var (
	// ErrUnknownService is returned for services other than ssh and rdp.
	ErrUnknownService = errors.New("unknown service")
	// ErrInvalidAddress is returned for source addresses that are not IPv4 hosts.
	ErrInvalidAddress = errors.New("invalid source address")
)

// ParseService normalises a service name. Matching is case-insensitive.
func ParseService(s string) (Service, error) {
	switch Service(strings.ToLower(strings.TrimSpace(s))) {
	case ServiceSSH:
		return ServiceSSH, nil
	case ServiceRDP:
		return ServiceRDP, nil
	}
	return "", fmt.Errorf("%w %q: expected ssh or rdp", ErrUnknownService, s)
}

// Port returns the tcp port the service listens on.
func (s Service) Port() int32 {
	if s == ServiceRDP {
		return 3389
	}
	return 22
}

// ParseAddress parses a source IPv4 address and returns its canonical form.
// IPv4-mapped IPv6 addresses are normalised to IPv4.
func ParseAddress(value string) (string, error) {
	value = strings.TrimSpace(value)
	ip := net.ParseIP(value)
	if ip == nil {
		return "", fmt.Errorf("%w %q", ErrInvalidAddress, value)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%w %q: only IPv4 is supported", ErrInvalidAddress, value)
	}
	return ip4.String(), nil
}

// Rule is the intent to admit one host to one service port. It is realised
// as a security-group permission and, optionally, a network-ACL entry.
type Rule struct {
	Protocol string
	Port     int32
	CIDR     string
}

// NewRule derives the rule for a source address and service.
func NewRule(address string, svc Service) (Rule, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Protocol: ProtocolTCP, Port: svc.Port(), CIDR: addr + "/32"}, nil
}

// Permission returns the security-group realisation of r.
func (r Rule) Permission() cloud.Permission {
	return cloud.Permission{
		Protocol: r.Protocol,
		FromPort: r.Port,
		ToPort:   r.Port,
		CIDRs:    []string{r.CIDR},
	}
}

// ACLEntry returns the inbound allow entry realising r at ruleNumber.
func (r Rule) ACLEntry(ruleNumber int32) cloud.ACLEntry {
	return cloud.ACLEntry{
		RuleNumber: ruleNumber,
		Protocol:   protocolNumber(r.Protocol),
		Action:     actionAllow,
		Egress:     false,
		CIDR:       r.CIDR,
		FromPort:   r.Port,
		ToPort:     r.Port,
	}
}

func protocolNumber(p string) string {
	if p == ProtocolTCP {
		return protocolNumberTCP
	}
	return p
}
