// Package access implements the grant and removal paths of the bastion
// access lease lifecycle.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/firewall"
	"github.com/developingchet/bastion-access/internal/lease"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/developingchet/bastion-access/internal/power"
	"github.com/hako/durafmt"
	"github.com/rs/zerolog"
)

// Config is the immutable processor configuration.
type Config struct {
	MaxLeaseHours    int
	BastionParameter string // parameter holding the bastion instance id
}

// GrantResult reports how far a grant progressed.
type GrantResult struct {
	State       State
	Lease       lease.Lease
	Schedule    string
	AgentOnline bool
}

// GrantProcessor drives a request from Received to Done. Mutations are
// applied in a fixed order (security group, ACL, power) and never rolled
// back: an abort leaves earlier steps in place.
type GrantProcessor struct {
	cfg    Config
	params cloud.Parameters
	fw     *firewall.Manager
	power  *power.Controller
	leases *lease.Scheduler
	log    zerolog.Logger
	now    func() time.Time
}

// NewGrantProcessor constructs a GrantProcessor.
func NewGrantProcessor(cfg Config, params cloud.Parameters, fw *firewall.Manager, pc *power.Controller, leases *lease.Scheduler, log zerolog.Logger) *GrantProcessor {
	return &GrantProcessor{
		cfg:    cfg,
		params: params,
		fw:     fw,
		power:  pc,
		leases: leases,
		log:    log,
		now:    time.Now,
	}
}

// Grant processes one access request. On abort the returned result carries
// StateAborted and the error is a *StageError.
func (p *GrantProcessor) Grant(ctx context.Context, req Request) (GrantResult, error) {
	log := p.log.With().Str("ip", req.IPAddress).Str("service", req.Service).Logger()
	if req.MessageID != "" {
		log = log.With().Str("message_id", req.MessageID).Logger()
	}

	res, err := p.grant(ctx, req, log)
	if err != nil {
		var se *StageError
		stage := StateAborted
		if errors.As(err, &se) {
			stage = se.Stage
		}
		metrics.StageFailures.WithLabelValues(string(stage), KindLabel(err)).Inc()
		metrics.RequestsProcessed.WithLabelValues("grant", "aborted").Inc()
		ev := log.Error()
		if errors.Is(err, ErrScheduling) {
			ev = ev.Bool("manual_followup", true)
		}
		ev.Err(err).Str("stage", string(stage)).Msg("access request aborted")
		res.State = StateAborted
		return res, err
	}
	metrics.RequestsProcessed.WithLabelValues("grant", "ok").Inc()
	res.State = StateDone
	return res, nil
}

func (p *GrantProcessor) grant(ctx context.Context, req Request, log zerolog.Logger) (GrantResult, error) {
	var res GrantResult

	// Received -> Validated
	if req.IPAddress == "" || req.Service == "" {
		return res, abort(StateValidated, ErrValidation, errors.New("ip_address and service are required"))
	}
	svc, err := firewall.ParseService(req.Service)
	if err != nil {
		return res, abort(StateValidated, ErrValidation, err)
	}
	address, err := firewall.ParseAddress(req.IPAddress)
	if err != nil {
		return res, abort(StateValidated, ErrValidation, err)
	}
	rule, err := firewall.NewRule(address, svc)
	if err != nil {
		return res, abort(StateValidated, ErrValidation, err)
	}
	if req.LeaseRequest != nil && *req.LeaseRequest <= 0 {
		log.Warn().Int("lease_request", *req.LeaseRequest).Msg("non-positive lease request; using maximum")
	}
	hours, clamped := lease.Clamp(req.LeaseRequest, p.cfg.MaxLeaseHours)
	if clamped {
		log.Info().Int("lease_request", *req.LeaseRequest).Int("max", p.cfg.MaxLeaseHours).Msg("lease request clamped")
	}

	instanceID, err := p.params.Parameter(ctx, p.cfg.BastionParameter)
	if err != nil {
		return res, abort(StateValidated, ErrUpstreamLookup, err)
	}
	log = log.With().Str("instance", instanceID).Logger()
	log.Info().Str("lease", durafmt.Parse(time.Duration(hours)*time.Hour).String()).Msg("processing access request")

	// Validated -> SgApplied
	if _, err := p.fw.EnsurePermission(ctx, rule); err != nil {
		return res, abort(StateSgApplied, ErrFirewallMutation, err)
	}

	// SgApplied -> AclApplied
	acl, err := p.fw.EnsureACLEntry(ctx, rule)
	if err != nil {
		if errors.Is(err, firewall.ErrPoolExhausted) {
			return res, abort(StateACLApplied, ErrResourceExhausted, err)
		}
		return res, abort(StateACLApplied, ErrFirewallMutation, err)
	}
	res.Lease = lease.Lease{
		Address:    address,
		Service:    svc,
		RuleNumber: acl.RuleNumber,
		Hours:      hours,
		Permanent:  acl.Permanent,
	}
	log.Info().Int32("rule_number", acl.RuleNumber).Msg("access granted")

	// AclApplied -> PowerEnsured
	if err := p.power.EnsureRunning(ctx, instanceID); err != nil {
		if errors.Is(err, power.ErrTimeout) {
			return res, abort(StatePowerEnsured, ErrPowerTransitionTimeout, err)
		}
		return res, abort(StatePowerEnsured, ErrPowerTransition, err)
	}

	// PowerEnsured -> AgentConfirmed, best effort
	online, err := p.power.WaitForAgent(ctx, instanceID)
	if err != nil {
		log.Warn().Err(err).Msg("agent status check failed; continuing")
	}
	res.AgentOnline = online

	// AgentConfirmed -> Scheduled
	if res.Lease.Permanent {
		log.Info().Int32("rule_number", acl.RuleNumber).Msg("permanent access; removal not scheduled")
		return res, nil
	}
	res.Lease.ExpiresAt = p.now().UTC().Add(time.Duration(hours) * time.Hour)
	name, err := p.leases.Schedule(ctx, res.Lease)
	if err != nil {
		return res, abort(StateScheduled, ErrScheduling, err)
	}
	res.Schedule = name
	return res, nil
}
