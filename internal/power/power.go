package power

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/developingchet/bastion-access/internal/poll"
	"github.com/hako/durafmt"
	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when a start or stop did not complete in time.
	ErrTimeout = errors.New("power transition timed out")
	// ErrUnavailable is returned for instances that are terminating or gone.
	ErrUnavailable = errors.New("instance cannot change power state")
)

// Config bounds the two wait phases.
type Config struct {
	Transition poll.Policy // power state transitions
	Agent      poll.Policy // management agent registration
}

// Controller drives the bastion's power state.
type Controller struct {
	cfg    Config
	inst   cloud.Instances
	agents cloud.Agents
	log    zerolog.Logger
	now    func() time.Time
}

// NewController constructs a Controller.
func NewController(cfg Config, inst cloud.Instances, agents cloud.Agents, log zerolog.Logger) *Controller {
	return &Controller{cfg: cfg, inst: inst, agents: agents, log: log, now: time.Now}
}

// EnsureRunning starts the instance unless it is already running and waits
// until it reports running. An instance that is mid-stop is allowed to finish
// stopping before it is started again.
func (c *Controller) EnsureRunning(ctx context.Context, id string) error {
	log := c.log.With().Str("instance", id).Logger()

	state, err := c.inst.InstanceState(ctx, id)
	if err != nil {
		return fmt.Errorf("describe %s: %w", id, err)
	}

	switch state {
	case cloud.StateRunning:
		log.Info().Msg("bastion already running")
		return nil
	case cloud.StateShuttingDown, cloud.StateTerminated:
		return fmt.Errorf("%w: %s is %s", ErrUnavailable, id, state)
	case cloud.StateStopping:
		log.Info().Msg("bastion is stopping; waiting before start")
		if err := c.wait(ctx, id, "stop", cloud.StateStopped); err != nil {
			return err
		}
		state = cloud.StateStopped
	}

	start := c.now()
	if state != cloud.StatePending {
		log.Info().Msg("starting bastion")
		if err := c.inst.StartInstance(ctx, id); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
	}
	if err := c.wait(ctx, id, "start", cloud.StateRunning); err != nil {
		return err
	}
	elapsed := c.now().Sub(start)
	metrics.PowerTransitionDuration.WithLabelValues("start").Observe(elapsed.Seconds())
	log.Info().Str("took", durafmt.Parse(elapsed.Round(time.Second)).String()).Msg("bastion running")
	return nil
}

// EnsureStopped stops the instance unless it is already stopped and waits
// until it reports stopped.
func (c *Controller) EnsureStopped(ctx context.Context, id string) error {
	log := c.log.With().Str("instance", id).Logger()

	state, err := c.inst.InstanceState(ctx, id)
	if err != nil {
		return fmt.Errorf("describe %s: %w", id, err)
	}

	switch state {
	case cloud.StateStopped, cloud.StateTerminated:
		log.Info().Str("state", string(state)).Msg("bastion already stopped")
		return nil
	case cloud.StateShuttingDown:
		return fmt.Errorf("%w: %s is %s", ErrUnavailable, id, state)
	case cloud.StatePending:
		// A stop issued to a pending instance is rejected by the provider.
		if err := c.wait(ctx, id, "start", cloud.StateRunning); err != nil {
			return err
		}
		state = cloud.StateRunning
	}

	start := c.now()
	if state != cloud.StateStopping {
		log.Info().Msg("stopping bastion")
		if err := c.inst.StopInstance(ctx, id); err != nil {
			return fmt.Errorf("stop %s: %w", id, err)
		}
	}
	if err := c.wait(ctx, id, "stop", cloud.StateStopped); err != nil {
		return err
	}
	elapsed := c.now().Sub(start)
	metrics.PowerTransitionDuration.WithLabelValues("stop").Observe(elapsed.Seconds())
	log.Info().Str("took", durafmt.Parse(elapsed.Round(time.Second)).String()).Msg("bastion stopped")
	return nil
}

// WaitForAgent polls until the management agent reports online. Running out
// of attempts is not an error: it returns false and the caller carries on.
func (c *Controller) WaitForAgent(ctx context.Context, id string) (bool, error) {
	c.log.Info().Str("instance", id).Msg("waiting for management agent")
	n, err := poll.Until(ctx, "agent", c.cfg.Agent, func(ctx context.Context) (bool, error) {
		return c.agents.AgentOnline(ctx, id)
	})
	if errors.Is(err, poll.ErrExhausted) {
		c.log.Warn().Str("instance", id).Int("attempts", n).Msg("management agent not online after waiting")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("agent status %s: %w", id, err)
	}
	c.log.Info().Str("instance", id).Int("attempts", n).Msg("management agent online")
	return true, nil
}

func (c *Controller) wait(ctx context.Context, id, phase string, want cloud.InstanceState) error {
	_, err := poll.Until(ctx, phase, c.cfg.Transition, func(ctx context.Context) (bool, error) {
		state, err := c.inst.InstanceState(ctx, id)
		if err != nil {
			return false, err
		}
		if state == cloud.StateShuttingDown || state == cloud.StateTerminated {
			return false, fmt.Errorf("%w: %s is %s", ErrUnavailable, id, state)
		}
		return state == want, nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		return fmt.Errorf("%w: %s not %s: %v", ErrTimeout, id, want, err)
	}
	if err != nil {
		return fmt.Errorf("wait for %s %s: %w", id, want, err)
	}
	return nil
}
