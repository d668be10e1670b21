// Package monitor renews bound certificates before they expire.
//
// A Monitor scans the node's volume bindings on every tick. A certificate
// whose remaining share of its validity window drops strictly below the
// renewal threshold is renewed at the authority and its files are replaced
// in place. Failures are isolated per binding and retried on the next tick.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/node/binding"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// Defaults.
const (
	DefaultInterval      = 5 * time.Minute
	DefaultThreshold     = 0.20
	DefaultWarningWindow = 48 * time.Hour
)

// Renewal results.
const (
	ResultRenewed  = "renewed"
	ResultOrphaned = "orphaned"
	ResultBusy     = "busy"
	ResultFailed   = "failed"
)

// Renewer renews certificates at the authority.
type Renewer interface {
	Renew(ctx context.Context, id string) (*authgrpc.CertificateResponse, error)
}

// FileWriter replaces the certificate files of an existing target path.
// It must fail rather than recreate a target path that is gone.
type FileWriter interface {
	Replace(dir string, certPEM, keyPEM []byte) error
}

// Result summarizes one scan.
type Result struct {
	Scanned  int
	Renewed  int
	Orphaned int
	Busy     int
	Failed   int
}

// Monitor is the renewal loop of one node.
type Monitor struct {
	table    *binding.Table
	renewer  Renewer
	writer   FileWriter
	clock    Clock
	ticks    TickSource
	interval time.Duration

	threshold     float64
	warningWindow time.Duration

	logger  observability.Logger
	metrics *monitorMetrics
}

// Option is a functional option for the Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock sets the clock.
func WithClock(clock Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithTickSource sets the tick source. Run stops it on return.
func WithTickSource(ticks TickSource) Option {
	return func(m *Monitor) {
		m.ticks = ticks
	}
}

// WithInterval sets the scan interval of the default tick source.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThreshold sets the remaining validity fraction below which a
// certificate is renewed.
func WithThreshold(f float64) Option {
	return func(m *Monitor) {
		if f > 0 && f < 1 {
			m.threshold = f
		}
	}
}

// WithWarningWindow sets the remaining lifetime at or below which an expiry
// warning is logged for certificates that are not yet due.
func WithWarningWindow(d time.Duration) Option {
	return func(m *Monitor) {
		m.warningWindow = d
	}
}

// New creates a monitor over table.
func New(table *binding.Table, renewer Renewer, writer FileWriter, opts ...Option) *Monitor {
	m := &Monitor{
		table:         table,
		renewer:       renewer,
		writer:        writer,
		clock:         RealClock(),
		interval:      DefaultInterval,
		threshold:     DefaultThreshold,
		warningWindow: DefaultWarningWindow,
		logger:        observability.NopLogger(),
		metrics:       getMonitorMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run scans once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticks := m.ticks
	if ticks == nil {
		ticks = NewIntervalTicks(m.interval)
	}
	defer ticks.Stop()

	m.logger.Info("renewal monitor started",
		observability.Duration("interval", m.interval),
		observability.Float64("threshold", m.threshold),
	)

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("renewal monitor stopped")
			return nil
		case <-ticks.Ticks():
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	res, err := m.RunOnce(ctx)
	if err != nil {
		m.logger.Warn("renewal scan finished with failures",
			observability.Int("scanned", res.Scanned),
			observability.Int("renewed", res.Renewed),
			observability.Int("failed", res.Failed),
			observability.Error(err),
		)
		return
	}
	m.logger.Debug("renewal scan finished",
		observability.Int("scanned", res.Scanned),
		observability.Int("renewed", res.Renewed),
	)
}

// RunOnce scans every binding once. The returned error joins the failures
// of individual bindings; orphaned and busy bindings are not failures.
func (m *Monitor) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	m.metrics.ticks.Inc()
	defer func() {
		m.metrics.tickDuration.Observe(time.Since(start).Seconds())
	}()

	bindings := m.table.List()
	m.metrics.bindings.Set(float64(len(bindings)))

	var (
		res     Result
		errs    []error
		nearest time.Duration
	)
	now := m.clock.Now()

	for i, b := range bindings {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Scanned++

		if left := b.NotAfter.Sub(now); i == 0 || left < nearest {
			nearest = left
		}

		if b.RemainingFraction(now) >= m.threshold {
			m.warnIfExpiring(b, now)
			continue
		}

		err := m.renew(ctx, b)
		switch {
		case err == nil:
			res.Renewed++
			m.metrics.renewals.WithLabelValues(ResultRenewed).Inc()
		case errors.Is(err, service.ErrNotFound):
			res.Orphaned++
			m.metrics.renewals.WithLabelValues(ResultOrphaned).Inc()
			m.logger.Warn("certificate no longer known to the authority, skipping binding",
				observability.String("volume_id", b.VolumeID),
				observability.String("certificate_id", b.CertificateID),
			)
		case errors.Is(err, service.ErrAlreadyIssuing):
			res.Busy++
			m.metrics.renewals.WithLabelValues(ResultBusy).Inc()
			m.logger.Debug("certificate is being issued, retrying next tick",
				observability.String("certificate_id", b.CertificateID),
			)
		default:
			res.Failed++
			m.metrics.renewals.WithLabelValues(ResultFailed).Inc()
			m.logger.Error("certificate renewal failed",
				observability.String("volume_id", b.VolumeID),
				observability.String("certificate_id", b.CertificateID),
				observability.Time("not_after", b.NotAfter),
				observability.Error(err),
			)
			errs = append(errs, fmt.Errorf("volume %s: %w", b.VolumeID, err))
		}
	}

	if len(bindings) > 0 {
		m.metrics.nearestExpiry.Set(nearest.Seconds())
	}

	return res, errors.Join(errs...)
}

func (m *Monitor) renew(ctx context.Context, b binding.Binding) error {
	resp, err := m.renewer.Renew(ctx, b.CertificateID)
	if err != nil {
		return err
	}

	// Unpublish holds the same lock while it removes the binding and the
	// files, so the binding cannot disappear between the check and the write.
	unlock, err := m.table.LockVolume(ctx, b.VolumeID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := m.table.Get(b.VolumeID); !ok {
		m.logger.Debug("binding removed during renewal, discarding material",
			observability.String("volume_id", b.VolumeID),
		)
		return nil
	}

	if err := m.writer.Replace(b.TargetPath, []byte(resp.CertificatePEM), []byte(resp.PrivateKeyPEM)); err != nil {
		return err
	}
	if err := m.table.Update(b.VolumeID, resp.NotBefore, resp.NotAfter); err != nil {
		return err
	}

	m.logger.Info("certificate renewed",
		observability.String("volume_id", b.VolumeID),
		observability.String("certificate_id", b.CertificateID),
		observability.String("serial", resp.Serial),
		observability.Time("not_after", resp.NotAfter),
	)
	return nil
}

func (m *Monitor) warnIfExpiring(b binding.Binding, now time.Time) {
	left := b.NotAfter.Sub(now)
	if m.warningWindow <= 0 || left > m.warningWindow {
		return
	}
	m.logger.Warn("certificate expires soon",
		observability.String("volume_id", b.VolumeID),
		observability.String("certificate_id", b.CertificateID),
		observability.Duration("remaining", left),
	)
}
