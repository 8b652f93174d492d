package storage

import (
	"time"

	"github.com/developingchet/bastion-access/internal/cloud"
)

// ScheduleRecord is a pending one-shot schedule held by the local backend.
type ScheduleRecord struct {
	ID        string // stable id, regenerated when the schedule is replaced
	Schedule  cloud.Schedule
	CreatedAt time.Time
}

// InstanceRecord is the simulated power state of an instance.
type InstanceRecord struct {
	State     cloud.InstanceState
	UpdatedAt time.Time
}

// Store is the local backend: a cloud.Provider persisted on disk, plus the
// hooks the janitor needs to fire due schedules.
type Store interface {
	cloud.Provider

	// Seeding for local runs.
	PutParameter(name, value string) error
	PutInstance(id string, state cloud.InstanceState) error

	// Schedule firing.
	DueSchedules(now time.Time) ([]ScheduleRecord, error)
	// DeleteSchedule removes the named schedule only while its record ID is
	// still id. It reports false when the schedule was replaced or is gone.
	DeleteSchedule(name, id string) (bool, error)
	ListSchedules() (map[string]ScheduleRecord, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
