// Package discovery probes the local coordinator dongle and lists the serial
// ports a dongle could be attached to. It reports what it finds and never
// registers devices itself.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrUnavailable is returned when no serial port can be enumerated.
var ErrUnavailable = errors.New("discovery: no serial ports available")

// Report statuses.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

const DefaultBaudRate = 115200

// Report is the result of probing the configured dongle.
type Report struct {
	Status       string `json:"status"`
	DonglePath   string `json:"dongle_path"`
	DeviceExists bool   `json:"device_exists"`
	BaudRate     int    `json:"baud_rate"`
	Message      string `json:"message,omitempty"`
}

// Descriptor describes one serial port.
type Descriptor struct {
	Path         string `json:"path"`
	Product      string `json:"product,omitempty"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	LinkTarget   string `json:"link_target,omitempty"`
	Configured   bool   `json:"configured"`
}

// Config holds discovery options.
type Config struct {
	DonglePath string
	BaudRate   int
}

// Prober checks a serial dongle.
type Prober struct {
	mu     sync.RWMutex
	path   string
	baud   int
	logger *slog.Logger

	listPorts func() ([]*enumerator.PortDetails, error)
	openPort  func(path string, mode *serial.Mode) (io.Closer, error)
}

// New creates a prober for cfg.DonglePath.
func New(cfg Config, logger *slog.Logger) *Prober {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return &Prober{
		path:      cfg.DonglePath,
		baud:      cfg.BaudRate,
		logger:    logger.With("component", "discovery"),
		listPorts: enumerator.GetDetailedPortsList,
		openPort: func(path string, mode *serial.Mode) (io.Closer, error) {
			return serial.Open(path, mode)
		},
	}
}

// DonglePath returns the configured dongle path.
func (p *Prober) DonglePath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.path
}

// SetDonglePath changes the dongle used by Test.
func (p *Prober) SetDonglePath(path string) {
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()
	p.logger.Info("dongle path set", "path", path)
}

// Test opens the dongle once to confirm it answers on the serial line.
func (p *Prober) Test(ctx context.Context) Report {
	p.mu.RLock()
	path, baud := p.path, p.baud
	p.mu.RUnlock()

	r := Report{Status: StatusDisconnected, DonglePath: path, BaudRate: baud}
	if path == "" {
		r.Message = "no dongle path configured"
		return r
	}
	if _, err := os.Stat(path); err != nil {
		r.Message = fmt.Sprintf("dongle not found at %s", path)
		return r
	}
	r.DeviceExists = true

	if err := ctx.Err(); err != nil {
		r.Status, r.Message = StatusError, err.Error()
		return r
	}
	port, err := p.openPort(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		p.logger.Warn("dongle probe failed", "path", path, "err", err)
		r.Status, r.Message = StatusError, err.Error()
		return r
	}
	if err := port.Close(); err != nil {
		p.logger.Debug("close dongle", "path", path, "err", err)
	}
	r.Status = StatusConnected
	return r
}

// Scan lists the serial ports present on the host, sorted by path.
func (p *Prober) Scan(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := p.listPorts()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ports) == 0 {
		return nil, ErrUnavailable
	}

	configured := resolve(p.DonglePath())
	out := make([]Descriptor, 0, len(ports))
	for _, port := range ports {
		d := Descriptor{
			Path:         port.Name,
			Product:      port.Product,
			USB:          port.IsUSB,
			VID:          port.VID,
			PID:          port.PID,
			SerialNumber: port.SerialNumber,
		}
		target := resolve(port.Name)
		if target != port.Name {
			d.LinkTarget = target
		}
		d.Configured = configured != "" && target == configured
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	p.logger.Debug("serial scan", "ports", len(out))
	return out, nil
}

// resolve follows symlinks such as /dev/serial/by-id entries.
func resolve(path string) string {
	if path == "" {
		return ""
	}
	if target, err := filepath.EvalSymlinks(path); err == nil {
		return target
	}
	return path
}
