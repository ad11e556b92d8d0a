// Package config defines the scheduler's configuration surface and its
// JSON parsing. Durations are accepted in time.ParseDuration syntax,
// ex: "5m", "1500ms".
package config

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Config is the top-level configuration for the scheduling daemon.
type Config struct {
	// Number of worker goroutines servicing async scheduler work.
	WorkerCount int

	// Minimum time to hold a resource offer before declining, plus the
	// random jitter window added per offer.
	MinOfferHoldTime      Duration
	OfferHoldJitterWindow Duration

	// Delay before the first scheduling attempt for a newly pending task.
	FirstScheduleDelay Duration

	// Backoff floor/ceiling for groups that fail to schedule.
	InitialSchedulePenalty Duration
	MaxSchedulePenalty     Duration

	// Global cap on scheduling attempts per second across all groups.
	MaxScheduleAttemptsPerSec float64

	// A task repeatedly running shorter than this is flapping.
	FlappingThreshold Duration

	// Backoff floor/ceiling dedicated to flapping tasks.
	InitialFlappingDelay Duration
	MaxFlappingDelay     Duration

	// Upper bound of the random delay added when rescheduling pending
	// tasks during startup recovery.
	MaxStartupRescheduleDelay Duration

	// How long a preemption reservation holds an offer slot.
	ReservationDuration Duration

	// Time after which a task stuck in a transient state is marked Lost.
	TransientTaskStateTimeout Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:               8,
		MinOfferHoldTime:          Duration(5 * time.Minute),
		OfferHoldJitterWindow:     Duration(1 * time.Minute),
		FirstScheduleDelay:        Duration(1 * time.Millisecond),
		InitialSchedulePenalty:    Duration(1 * time.Second),
		MaxSchedulePenalty:        Duration(1 * time.Minute),
		MaxScheduleAttemptsPerSec: 40,
		FlappingThreshold:         Duration(5 * time.Minute),
		InitialFlappingDelay:      Duration(30 * time.Second),
		MaxFlappingDelay:          Duration(5 * time.Minute),
		MaxStartupRescheduleDelay: Duration(30 * time.Second),
		ReservationDuration:       Duration(3 * time.Minute),
		TransientTaskStateTimeout: Duration(5 * time.Minute),
	}
}

// Parse decodes a JSON config, overlaying the defaults. An empty input
// yields the defaults.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing scheduler config")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.WorkerCount < 1 {
		return errors.New("WorkerCount must be positive")
	}
	if c.FirstScheduleDelay <= 0 {
		return errors.New("FirstScheduleDelay must be positive")
	}
	if c.InitialSchedulePenalty <= 0 || c.MaxSchedulePenalty < c.InitialSchedulePenalty {
		return errors.New("schedule penalty floor/ceiling misconfigured")
	}
	if c.InitialFlappingDelay <= 0 || c.MaxFlappingDelay < c.InitialFlappingDelay {
		return errors.New("flapping delay floor/ceiling misconfigured")
	}
	if c.MaxScheduleAttemptsPerSec <= 0 {
		return errors.New("MaxScheduleAttemptsPerSec must be positive")
	}
	return nil
}

// Duration marshals as a time.ParseDuration string in JSON.
type Duration time.Duration

func (d Duration) Unwrap() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}
