package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/firewall"
	"github.com/developingchet/bastion-access/internal/lease"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/developingchet/bastion-access/internal/power"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RemovalProcessor handles remove_access and shutdown_bastion events.
// Missing rules are success on this path; nothing here is retried.
type RemovalProcessor struct {
	cfg    Config
	params cloud.Parameters
	fw     *firewall.Manager
	power  *power.Controller
	log    zerolog.Logger
}

// NewRemovalProcessor constructs a RemovalProcessor.
func NewRemovalProcessor(cfg Config, params cloud.Parameters, fw *firewall.Manager, pc *power.Controller, log zerolog.Logger) *RemovalProcessor {
	return &RemovalProcessor{cfg: cfg, params: params, fw: fw, power: pc, log: log}
}

// Handle dispatches ev on its action.
func (p *RemovalProcessor) Handle(ctx context.Context, ev lease.Event) error {
	var (
		path = ev.Detail.Action
		err  error
	)
	switch ev.Detail.Action {
	case lease.ActionRemoveAccess:
		err = p.RemoveAccess(ctx, ev.Detail)
	case lease.ActionShutdownBastion:
		err = p.ShutdownBastion(ctx)
	default:
		path = "unknown"
		err = abort(StateReceived, ErrInvalidEvent, fmt.Errorf("unknown action %q", ev.Detail.Action))
		p.log.Warn().Str("detail_type", ev.DetailType).Str("action", ev.Detail.Action).Msg("ignoring event with unknown action")
	}

	if err != nil {
		var se *StageError
		stage := string(StateAborted)
		if errors.As(err, &se) {
			stage = string(se.Stage)
		}
		metrics.StageFailures.WithLabelValues(stage, KindLabel(err)).Inc()
		metrics.RequestsProcessed.WithLabelValues(path, "aborted").Inc()
		return err
	}
	metrics.RequestsProcessed.WithLabelValues(path, "ok").Inc()
	return nil
}

// RemoveAccess revokes the security-group rule and deletes the ACL entry.
// The two layers are handled independently: a failure in one does not stop
// the other.
func (p *RemovalProcessor) RemoveAccess(ctx context.Context, d lease.Detail) error {
	log := p.log.With().Str("ip", d.IPAddress).Str("service", d.Service).Logger()
	if d.IPAddress == "" || d.Service == "" || d.RuleNumber == nil {
		log.Error().Msg("invalid remove access event")
		return abort(StateRemoval, ErrInvalidEvent, errors.New("ip_address, service and rule_number are required"))
	}
	svc, err := firewall.ParseService(d.Service)
	if err != nil {
		log.Error().Err(err).Msg("invalid remove access event")
		return abort(StateRemoval, ErrInvalidEvent, err)
	}
	rule, err := firewall.NewRule(d.IPAddress, svc)
	if err != nil {
		log.Error().Err(err).Msg("invalid remove access event")
		return abort(StateRemoval, ErrInvalidEvent, err)
	}
	ruleNumber := *d.RuleNumber
	log.Info().Int32("rule_number", ruleNumber).Msg("processing access removal")

	var (
		g             errgroup.Group
		sgErr, aclErr error
	)
	g.Go(func() error {
		if sgErr = p.fw.RevokePermission(ctx, rule); sgErr != nil {
			log.Error().Err(sgErr).Msg("error removing access from security group")
		}
		return nil
	})
	g.Go(func() error {
		if aclErr = p.fw.DeleteACLEntry(ctx, ruleNumber); aclErr != nil {
			log.Error().Err(aclErr).Int32("rule_number", ruleNumber).Msg("error removing access from network acl")
		}
		return nil
	})
	_ = g.Wait()

	if err := errors.Join(sgErr, aclErr); err != nil {
		return abort(StateRemoval, ErrFirewallMutation, err)
	}
	log.Info().Int32("rule_number", ruleNumber).Msg("access removed")
	return nil
}

// ShutdownBastion looks up the bastion and stops it.
func (p *RemovalProcessor) ShutdownBastion(ctx context.Context) error {
	p.log.Info().Msg("processing bastion shutdown")
	id, err := p.params.Parameter(ctx, p.cfg.BastionParameter)
	if err != nil {
		p.log.Error().Err(err).Str("parameter", p.cfg.BastionParameter).Msg("error retrieving bastion instance id")
		return abort(StateShutdown, ErrUpstreamLookup, err)
	}
	if err := p.power.EnsureStopped(ctx, id); err != nil {
		p.log.Error().Err(err).Str("instance", id).Msg("error stopping bastion")
		if errors.Is(err, power.ErrTimeout) {
			return abort(StateShutdown, ErrPowerTransitionTimeout, err)
		}
		return abort(StateShutdown, ErrPowerTransition, err)
	}
	return nil
}
