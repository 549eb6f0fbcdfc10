package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// State is the announcer lifecycle state.
type State string

// Announcer states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Status modes.
const (
	ModeEnabled  = "enabled"
	ModeDisabled = "disabled"
)

// ServiceStatus is one row of Status.Services.
type ServiceStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Port      uint16 `json:"port"`
	Published bool   `json:"published"`
}

// Status is a point-in-time snapshot of the announcer.
//
// IsRunning means a responder is held, independent of how many records
// made it out. In disabled mode it is always true with zero records.
type Status struct {
	IsRunning         bool            `json:"isRunning"`
	PublishedServices int             `json:"publishedServices"`
	Mode              string          `json:"mode"`
	State             State           `json:"state"`
	Services          []ServiceStatus `json:"services"`
	LastError         string          `json:"lastError,omitempty"`
}

// StopReport describes what Stop did. Stop never fails; failures are
// listed here and logged.
type StopReport struct {
	Unpublished int             `json:"unpublished"`
	Errors      []ShutdownError `json:"-"`
}

// Clean reports whether every unpublish and the responder close succeeded.
func (r StopReport) Clean() bool { return len(r.Errors) == 0 }

// Outcome returns "clean" or "partial". Records are cleared either way.
func (r StopReport) Outcome() string {
	if r.Clean() {
		return "clean"
	}
	return "partial"
}

// Announcer publishes this node's service records.
//
// Thread Safety:
//   - Start and Stop are serialised; a Start that arrives while another
//     Start or a running announcement is in place gets ErrAlreadyRunning.
//   - Status may be called at any time, including during Start.
type Announcer struct {
	backend  Backend
	resolver *InterfaceResolver
	cfg      AnnouncerConfig
	logger   *logging.Logger

	lifecycle sync.Mutex // serialises Start and Stop

	mu             sync.Mutex // guards the fields below
	state          State
	responder      Responder
	descriptors    []ServiceDescriptor
	records        []PublishedRecord
	lastErr        error
	onStatusChange func(Status)
}

// NewAnnouncer creates an announcer in the stopped state.
func NewAnnouncer(backend Backend, resolver *InterfaceResolver, cfg AnnouncerConfig, logger *logging.Logger) *Announcer {
	if logger == nil {
		logger = logging.Discard()
	}
	if resolver == nil {
		resolver = NewInterfaceResolver(nil, nil, logger)
	}
	return &Announcer{
		backend:  backend,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "discovery.announcer"),
		state:    StateStopped,
	}
}

// SetOnStatusChange registers fn to receive a Status after every Start and
// Stop. fn runs on the caller's goroutine, outside the announcer lock.
func (a *Announcer) SetOnStatusChange(fn func(Status)) {
	a.mu.Lock()
	a.onStatusChange = fn
	a.mu.Unlock()
}

// Start publishes the API, MQTT and WebSocket records in order.
//
// In disabled mode it logs and returns nil without touching the network.
// Otherwise the first failing publish aborts Start with a *StartupError;
// records published before it stay live until Stop. A Start after a failed
// one first releases the leftover responder.
func (a *Announcer) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if !a.cfg.Enabled {
		a.logger.Info("discovery disabled, skipping mDNS announcements")
		a.notify()
		return nil
	}

	a.mu.Lock()
	if a.state == StateStarting || a.state == StateRunning {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	leftover, leftoverRecords := a.responder, a.records
	a.state = StateStarting
	a.responder = nil
	a.records = nil
	a.descriptors = nil
	a.lastErr = nil
	a.mu.Unlock()

	if leftover != nil {
		report := a.release(leftover, leftoverRecords)
		a.logger.Info("released responder from failed start", "outcome", report.Outcome())
	}

	responder, err := a.backend.Acquire()
	if err != nil {
		return a.fail(&StartupError{Err: err})
	}

	ip := a.resolver.Resolve()
	descriptors := BuildDescriptors(a.cfg)

	a.mu.Lock()
	a.responder = responder
	a.descriptors = descriptors
	a.mu.Unlock()

	for i := range descriptors {
		desc := descriptors[i]
		h, err := a.publish(ctx, responder, desc, ip)
		if err != nil {
			return a.fail(&StartupError{Descriptor: &desc, Err: err})
		}

		a.mu.Lock()
		a.records = append(a.records, PublishedRecord{
			Descriptor:  desc,
			Handle:      h,
			IP:          ip,
			PublishedAt: time.Now(),
		})
		a.mu.Unlock()

		a.logger.Info("service published",
			"name", desc.Name, "type", desc.Type, "port", desc.Port, "ip", ip)
	}

	a.mu.Lock()
	a.state = StateRunning
	a.mu.Unlock()

	a.logger.Info("discovery started", "backend", a.backend.Name(), "ip", ip, "services", len(descriptors))
	a.notify()
	return nil
}

// publish runs one publish bounded by PublishTimeout. A publish that
// completes after the bound is retracted in the background.
func (a *Announcer) publish(ctx context.Context, r Responder, desc ServiceDescriptor, ip string) (Handle, error) {
	if a.cfg.PublishTimeout <= 0 {
		return r.Publish(ctx, desc, ip)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, a.cfg.PublishTimeout)
	defer cancel()

	type result struct {
		h   Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := r.Publish(ctx, desc, ip)
		done <- result{h, err}
	}()

	expired := func() error {
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrPublishTimeout, a.cfg.PublishTimeout)
		}
		return ctx.Err()
	}

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return "", expired()
		}
		return res.h, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = r.Unpublish(res.h)
			}
		}()
		return "", expired()
	}
}

func (a *Announcer) fail(err *StartupError) error {
	a.mu.Lock()
	a.state = StateFailed
	a.lastErr = err
	published := len(a.records)
	a.mu.Unlock()

	a.logger.Error("discovery start failed",
		"error", err.Err, "failed_service", err.ServiceName(), "published", published)
	a.notify()
	return err
}

// Stop retracts every record and releases the responder. The record set is
// emptied even when individual retractions fail.
func (a *Announcer) Stop() StopReport {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	responder, records := a.responder, a.records
	if responder != nil {
		a.state = StateStopping
	}
	a.mu.Unlock()

	var report StopReport
	if responder != nil {
		report = a.release(responder, records)
	}

	a.mu.Lock()
	a.responder = nil
	a.records = nil
	a.descriptors = nil
	a.lastErr = nil
	a.state = StateStopped
	a.mu.Unlock()

	if responder != nil {
		a.logger.Info("discovery stopped", "outcome", report.Outcome(),
			"unpublished", report.Unpublished, "errors", len(report.Errors))
	}
	a.notify()
	return report
}

// release retracts records in publish order, each independently, then closes r.
func (a *Announcer) release(r Responder, records []PublishedRecord) StopReport {
	var report StopReport
	for _, rec := range records {
		if err := r.Unpublish(rec.Handle); err != nil {
			report.Errors = append(report.Errors, ShutdownError{Service: rec.Descriptor.Name, Err: err})
			a.logger.Warn("unpublishing service failed", "name", rec.Descriptor.Name, "error", err)
			continue
		}
		report.Unpublished++
	}
	if err := r.Close(); err != nil {
		report.Errors = append(report.Errors, ShutdownError{Err: err})
		a.logger.Warn("closing responder failed", "error", err)
	}
	return report
}

// Status returns a snapshot of the announcer. It never blocks on Start or Stop.
func (a *Announcer) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

func (a *Announcer) statusLocked() Status {
	if !a.cfg.Enabled {
		return Status{
			IsRunning:         true,
			PublishedServices: 0,
			Mode:              ModeDisabled,
			State:             StateStopped,
			Services:          []ServiceStatus{},
		}
	}

	services := make([]ServiceStatus, 0, len(a.descriptors))
	for i, d := range a.descriptors {
		services = append(services, ServiceStatus{
			Name:      d.Name,
			Type:      d.Type,
			Port:      d.Port,
			Published: i < len(a.records),
		})
	}

	st := Status{
		IsRunning:         a.responder != nil,
		PublishedServices: len(a.records),
		Mode:              ModeEnabled,
		State:             a.state,
		Services:          services,
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

func (a *Announcer) notify() {
	a.mu.Lock()
	fn := a.onStatusChange
	st := a.statusLocked()
	a.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
