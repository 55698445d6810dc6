// Package bridge delivers speak commands to each participant's device: a
// wearable leg that receives framed WAV audio and a browser leg that
// receives text and audio over a websocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrBrowserNotAttached = errors.New("browser leg not attached")
)

type deviceState struct {
	presence protocol.DevicePresence
	lastSeen time.Time
}

// Presence tracks wearable telemetry. Devices that stop reporting for longer
// than the timeout are flipped to disconnected by a background sweep.
type Presence struct {
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	devices map[string]*deviceState

	cancel context.CancelFunc
	done   chan struct{}
	sub    *nats.Subscription

	connectedGauge metric.Int64ObservableGauge
}

func NewPresence(parent context.Context, timeout time.Duration, log *slog.Logger) *Presence {
	ctx, cancel := context.WithCancel(parent)
	p := &Presence{
		timeout: timeout,
		log:     log.With(slog.String("component", "device-presence")),
		now:     time.Now,
		devices: make(map[string]*deviceState),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	go p.monitor(ctx)
	return p
}

// Subscribe also accepts reports published on the device.presence subject.
func (p *Presence) Subscribe(busClient *bus.Client) error {
	sub, err := busClient.Conn().Subscribe(protocol.SubjectDevicePresence, p.handleReport)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	p.sub = sub
	return nil
}

func (p *Presence) Close() {
	p.cancel()
	<-p.done
	if p.sub != nil {
		_ = p.sub.Drain()
	}
}

func (p *Presence) handleReport(msg *nats.Msg) {
	var report protocol.DevicePresence
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		p.log.Warn("invalid presence report", slogError(err))
		return
	}
	if err := p.Report(report); err != nil {
		p.log.Warn("presence report rejected", slogError(err))
	}
}

// Report records a telemetry report from a device.
func (p *Presence) Report(report protocol.DevicePresence) error {
	if report.DeviceID == "" {
		return errors.New("device_id required")
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = p.now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.devices[report.DeviceID]
	if !ok {
		state = &deviceState{}
		p.devices[report.DeviceID] = state
	}
	if report.Location == "" {
		report.Location = state.presence.Location
	}
	if state.presence.Connected != report.Connected {
		p.log.Info("device presence changed",
			slog.String("device_id", report.DeviceID),
			slog.Bool("connected", report.Connected))
	}
	state.presence = report
	state.lastSeen = p.now()
	return nil
}

// Get returns the last known presence of a device.
func (p *Presence) Get(deviceID string) (protocol.DevicePresence, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.devices[deviceID]
	if !ok {
		return protocol.DevicePresence{}, ErrUnknownDevice
	}
	return state.presence, nil
}

// MarkUnreachable flips a device to disconnected after failed deliveries.
func (p *Presence) MarkUnreachable(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.devices[deviceID]
	if !ok {
		state = &deviceState{presence: protocol.DevicePresence{DeviceID: deviceID}}
		p.devices[deviceID] = state
	}
	if state.presence.Connected {
		p.log.Warn("device marked unreachable", slog.String("device_id", deviceID))
	}
	state.presence.Connected = false
	state.presence.Timestamp = p.now().UTC()
}

func (p *Presence) monitor(ctx context.Context) {
	defer close(p.done)
	if p.timeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := p.timeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Presence) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, state := range p.devices {
		if state.presence.Connected && now.Sub(state.lastSeen) > p.timeout {
			state.presence.Connected = false
			p.log.Info("device presence expired", slog.String("device_id", id))
		}
	}
}

func (p *Presence) connectedCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n int64
	for _, state := range p.devices {
		if state.presence.Connected {
			n++
		}
	}
	return n
}

func (p *Presence) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-interpreter/bridge")
	gauge, err := meter.Int64ObservableGauge("interpreter.devices.connected",
		metric.WithDescription("Wearable devices currently reporting connected"))
	if err != nil {
		return err
	}
	p.connectedGauge = gauge
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, p.connectedCount())
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
