// Package lease turns a completed grant into a one-shot removal schedule.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/firewall"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrNoTarget is returned when neither a configured target nor the invoking
// function's ARN is available.
var ErrNoTarget = errors.New("no schedule target")

// Lease is a bounded grant. Its only durable form is the pending schedule
// plus the two live firewall rules.
type Lease struct {
	Address    string
	Service    firewall.Service
	RuleNumber int32
	Hours      int
	ExpiresAt  time.Time
	Permanent  bool
}

// Clamp returns the effective lease length. A missing or non-positive request
// means the maximum; larger requests are cut down to it.
func Clamp(requested *int, max int) (hours int, clamped bool) {
	if requested == nil || *requested <= 0 {
		return max, false
	}
	if *requested > max {
		return max, true
	}
	return *requested, false
}

// Config holds the fixed schedule target settings.
type Config struct {
	RoleARN   string
	TargetARN string // empty falls back to the invoking function
	Group     string
}

// Scheduler creates the removal schedule for a lease.
type Scheduler struct {
	cfg   Config
	namer *firewall.Namer
	sched cloud.Scheduler
	log   zerolog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg Config, namer *firewall.Namer, sched cloud.Scheduler, log zerolog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, namer: namer, sched: sched, log: log}
}

// Schedule upserts the removal schedule for l and returns its name. The name
// depends only on (address, service), so a repeated grant replaces the
// pending removal instead of adding a second one.
func (s *Scheduler) Schedule(ctx context.Context, l Lease) (string, error) {
	if l.Permanent {
		return "", errors.New("permanent leases are never scheduled")
	}
	name, err := s.namer.ScheduleName(l.Address, l.Service)
	if err != nil {
		return "", err
	}
	target, err := s.target(ctx)
	if err != nil {
		return "", err
	}
	input, err := json.Marshal(RemovalEvent(l.Address, string(l.Service), l.RuleNumber))
	if err != nil {
		return "", fmt.Errorf("encode removal payload: %w", err)
	}

	err = s.sched.UpsertSchedule(ctx, cloud.Schedule{
		Name:        name,
		Group:       s.cfg.Group,
		FireAt:      l.ExpiresAt.UTC(),
		TargetARN:   target,
		RoleARN:     s.cfg.RoleARN,
		Input:       input,
		Description: s.namer.Description(),
	})
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	metrics.LeasesScheduled.Inc()
	s.log.Info().Str("schedule", name).Time("fire_at", l.ExpiresAt.UTC()).Int32("rule_number", l.RuleNumber).
		Msg("removal scheduled")
	return name, nil
}

func (s *Scheduler) target(ctx context.Context) (string, error) {
	if s.cfg.TargetARN != "" {
		return s.cfg.TargetARN, nil
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.InvokedFunctionArn != "" {
		return lc.InvokedFunctionArn, nil
	}
	return "", fmt.Errorf("%w: set SCHEDULER_TARGET_ARN", ErrNoTarget)
}
