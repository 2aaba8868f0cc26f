// Package canio runs the CAN I/O supervisor: the single owner of the
// adapter transport. It drains the outbound bus onto the wire, parses
// incoming frames, hands them to the worker registry and brings the
// device back after a disconnect.
package canio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eddyem/canserver/internal/adapter"
	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/queue"
	"github.com/eddyem/canserver/internal/registry"
)

// ErrDisconnect is fatal: the device did not come back within the
// reopen window.
var ErrDisconnect = errors.New("adapter did not reappear")

// reopenWindow bounds one reopen cycle; past it the process dies
// rather than stalling silently. Variable to keep tests fast.
var reopenWindow = 5 * time.Second

// rediscoverEvery paces device discovery during reopen.
const rediscoverEvery = time.Millisecond

// Config selects the device and its initial bus state.
type Config struct {
	Device string // explicit device path, wins over VID/PID
	VID    string // USB vendor id (hex string) for discovery
	PID    string // USB product id (hex string) for discovery
	Baud   int    // UART baud of the adapter serial line
	Speed  int    // initial CAN bitrate in kbaud (0: leave as is)
}

// Supervisor owns the transport and the outbound queue drain.
type Supervisor struct {
	cfg      Config
	reg      *registry.Registry
	outbound *queue.Queue[can.Frame]
	logger   *slog.Logger

	mu    sync.Mutex
	tr    *adapter.Transport
	speed int // last requested CAN bitrate, reapplied on reopen

	// test seams
	openFn     func(path string, baud int) (*adapter.Transport, error)
	discoverFn func(path, vid, pid string) (string, error)
	sleepFn    func(time.Duration)
}

// New creates a supervisor; Run must be called to open the device.
func New(cfg Config, reg *registry.Registry, outbound *queue.Queue[can.Frame], l *slog.Logger) *Supervisor {
	if l == nil {
		l = logging.L()
	}
	if cfg.Baud == 0 {
		cfg.Baud = adapter.UARTBaud
	}
	return &Supervisor{
		cfg:        cfg,
		reg:        reg,
		outbound:   outbound,
		logger:     l,
		speed:      cfg.Speed,
		openFn:     adapter.Open,
		discoverFn: adapter.Discover,
		sleepFn:    time.Sleep,
	}
}

// SetSpeed validates and applies a new CAN bitrate and remembers it
// for reapplication after a reconnect. Zero means "do not change".
func (s *Supervisor) SetSpeed(kbaud int) error {
	if kbaud == 0 {
		return nil
	}
	if kbaud < 10 || kbaud > 3000 {
		return fmt.Errorf("%w: %d", adapter.ErrSpeedRange, kbaud)
	}
	s.mu.Lock()
	s.speed = kbaud
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return nil // applied on open
	}
	return tr.SetSpeed(kbaud)
}

func (s *Supervisor) transport() *adapter.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// reopen closes the current transport and polls discovery until the
// device reappears, then reapplies the saved bitrate. Failing the
// window returns ErrDisconnect.
func (s *Supervisor) reopen(ctx context.Context) error {
	s.mu.Lock()
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	speed := s.speed
	s.mu.Unlock()
	deadline := time.Now().Add(reopenWindow)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path, err := s.discoverFn(s.cfg.Device, s.cfg.VID, s.cfg.PID)
		if err != nil {
			s.sleepFn(rediscoverEvery)
			continue
		}
		tr, err := s.openFn(path, s.cfg.Baud)
		if err != nil {
			s.sleepFn(rediscoverEvery)
			continue
		}
		if err := tr.SetSpeed(speed); err != nil {
			s.logger.Warn("speed_reapply_failed", "kbaud", speed, "error", err)
		}
		s.mu.Lock()
		s.tr = tr
		s.mu.Unlock()
		metrics.IncReconnects()
		s.logger.Info("adapter_open", "device", path, "baud", s.cfg.Baud, "kbaud", speed)
		return nil
	}
	metrics.IncError(metrics.ErrReopen)
	return fmt.Errorf("%w within %s", ErrDisconnect, reopenWindow)
}

// Run opens the device and services the buses until ctx is cancelled.
// It returns nil on cancellation while servicing, the context error on
// cancellation during a reopen, and ErrDisconnect (fatal) when the
// device stays gone.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.reopen(ctx); err != nil {
		return err
	}
	defer func() {
		if tr := s.transport(); tr != nil {
			tr.Close()
		}
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		tr := s.transport()
		if f, ok := s.outbound.Pop(); ok {
			if err := tr.WriteFrame(&f); err != nil {
				s.logger.Warn("canbus_write_failed", "id", fmt.Sprintf("0x%03X", f.ID), "error", err)
				if tr.Disconnected() {
					if err := s.reopen(ctx); err != nil {
						return err
					}
					// The frame is lost, as it would be on the wire.
					continue
				}
			}
		}
		if f, ok := tr.ReadFrame(); ok {
			s.logger.Debug("canbus_frame", "id", fmt.Sprintf("0x%03X", f.ID), "len", f.Len)
			s.reg.Dispatch(f)
		} else if tr.Disconnected() {
			if err := s.reopen(ctx); err != nil {
				return err
			}
		}
		s.sleepFn(time.Millisecond)
	}
}
