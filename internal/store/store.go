package store

import (
	"errors"
	"time"

	"shelly-go-home/internal/device"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Settings holds runtime options changed through the API that must survive
// a restart.
type Settings struct {
	CommandDelay time.Duration `json:"command_delay"`
}

// Store defines the persistence interface.
type Store interface {
	SaveDevice(rec *device.Record) error
	DeleteDevice(id string) error
	ListDevices() ([]*device.Record, error)

	SaveSettings(s *Settings) error
	GetSettings() (*Settings, error)

	Close() error
}
