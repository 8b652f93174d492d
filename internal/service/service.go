// Package service wires the processors to their inbound transports: the
// queue batch, the event bus, and the local scheduler.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/developingchet/bastion-access/internal/access"
	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/config"
	"github.com/developingchet/bastion-access/internal/firewall"
	"github.com/developingchet/bastion-access/internal/lease"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/developingchet/bastion-access/internal/poll"
	"github.com/developingchet/bastion-access/internal/pool"
	"github.com/developingchet/bastion-access/internal/power"
	"github.com/rs/zerolog"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// pushJob is the Pushgateway job name.
const pushJob = "bastion-access"

// Response is the acknowledgment returned to the transport. It is the same
// for every invocation so a bad record never triggers redelivery of a batch.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

var processingComplete = Response{StatusCode: 200, Body: "Processing complete"}

// Service dispatches inbound payloads to the grant and removal processors.
type Service struct {
	cfg     *config.Config
	grant   *access.GrantProcessor
	removal *access.RemovalProcessor
	log     zerolog.Logger
}

// New constructs a fully wired Service on top of provider.
func New(cfg *config.Config, provider cloud.Provider, log zerolog.Logger) (*Service, error) {
	namer, err := firewall.NewNamer(cfg.ScheduleNameTemplate, cfg.ScheduleDescription)
	if err != nil {
		return nil, err
	}

	fw := firewall.NewManager(firewall.ManagerConfig{
		SecurityGroupID: cfg.SecurityGroupID,
		NetworkACLID:    cfg.NetworkACLID,
	}, provider, provider, log)

	pc := power.NewController(power.Config{
		Transition: poll.Policy{Interval: cfg.PowerPollInterval, Timeout: cfg.PowerTimeout},
		Agent:      poll.Policy{Interval: cfg.AgentPollInterval, MaxAttempts: uint64(cfg.AgentPollAttempts)},
	}, provider, provider, log)

	leases := lease.NewScheduler(lease.Config{
		RoleARN:   cfg.SchedulerRoleARN,
		TargetARN: cfg.SchedulerTargetARN,
		Group:     cfg.SchedulerGroupName,
	}, namer, provider, log)

	acfg := access.Config{MaxLeaseHours: cfg.MaxLeaseHours, BastionParameter: cfg.BastionParameter}

	if cfg.NetworkACLID == "" {
		log.Info().Msg("ACCESS_ACL_ID not set; network ACL layer disabled")
	}

	return &Service{
		cfg:     cfg,
		grant:   access.NewGrantProcessor(acfg, provider, fw, pc, leases, log),
		removal: access.NewRemovalProcessor(acfg, provider, fw, pc, log),
		log:     log,
	}, nil
}

// envelope is enough of an inbound payload to pick a path.
type envelope struct {
	Records    json.RawMessage `json:"Records"`
	DetailType *string         `json:"detail-type"`
}

// Handle processes one invocation payload. Failures are logged and never
// returned: the response is always the success acknowledgment.
func (s *Service) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	s.log.Debug().RawJSON("event", raw).Msg("received event")
	defer s.pushMetrics()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn().Err(err).Msg("received unknown event format")
		return processingComplete, nil
	}

	switch {
	case env.Records != nil:
		var batch events.SQSEvent
		if err := json.Unmarshal(raw, &batch); err != nil {
			s.log.Error().Err(err).Msg("error decoding queue batch")
			return processingComplete, nil
		}
		s.handleBatch(ctx, batch)
	case env.DetailType != nil:
		ev, err := lease.ParseEvent(raw)
		if err != nil {
			s.log.Error().Err(err).Msg("error processing bus event")
			return processingComplete, nil
		}
		if err := s.removal.Handle(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("action", ev.Detail.Action).Msg("error processing bus event")
		}
	default:
		s.log.Warn().Msg("received unknown event format")
	}
	return processingComplete, nil
}

// handleBatch runs every record through the grant path. Records are
// independent: one failure never stops the rest of the batch.
func (s *Service) handleBatch(ctx context.Context, batch events.SQSEvent) {
	jobs := make([]pool.Job, 0, len(batch.Records))
	for _, r := range batch.Records {
		jobs = append(jobs, pool.Job{ID: r.MessageId, Body: []byte(r.Body)})
	}

	start := time.Now()
	failed, err := pool.RunBatch(ctx, pool.Config{Workers: s.cfg.PoolWorkers}, jobs, s.grantJob, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("error starting worker pool")
		return
	}
	if err := ctx.Err(); err != nil {
		s.log.Warn().Err(err).Int("records", len(jobs)).Int("failed", failed).Msg("queue batch interrupted")
		return
	}
	s.log.Info().Int("records", len(jobs)).Int("failed", failed).Dur("took", time.Since(start)).
		Msg("queue batch processed")
}

func (s *Service) grantJob(ctx context.Context, job pool.Job) error {
	req, err := access.ParseRequest(job.Body)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", job.ID).Msg("error processing record")
		return err
	}
	req.MessageID = job.ID
	_, err = s.grant.Grant(ctx, req)
	return err
}

// Removal exposes the removal path to the local scheduler.
func (s *Service) Removal() *access.RemovalProcessor {
	return s.removal
}

func (s *Service) pushMetrics() {
	if err := metrics.Push(s.cfg.MetricsPushgatewayURL, pushJob); err != nil {
		s.log.Warn().Err(err).Msg("metrics push failed")
	}
}

// String identifies the service in startup logs.
func (s *Service) String() string {
	acl := s.cfg.NetworkACLID
	if acl == "" {
		acl = "none"
	}
	return fmt.Sprintf("bastion-access/%s sg=%s acl=%s backend=%s", BinaryVersion, s.cfg.SecurityGroupID, acl, s.cfg.Backend)
}
