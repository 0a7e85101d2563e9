// Package health verifies that each storage tier still accepts writes and
// feeds the outcome into the shared health tracker.
package health

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tierstore/tierstore/internal/tier"
	"github.com/tierstore/tierstore/pkg/errors"
	pkghealth "github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
)

// ProbeKeyPrefix marks throwaway keys written by a probe.
const ProbeKeyPrefix = "__tierstore_probe_"

// DefaultProbeTimeout bounds a single probe round trip.
const DefaultProbeTimeout = 5 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Tier    types.Tier       `json:"tier"`
	Healthy bool             `json:"healthy"`
	Code    errors.ErrorCode `json:"code,omitempty"`
	Latency time.Duration    `json:"latency"`
	Err     error            `json:"-"`
}

// Full reports whether the probe failed because the tier is out of space.
func (r Result) Full() bool {
	return r.Code == errors.ErrCodeBackendFull
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithTracker records every probe into t.
func WithTracker(t *pkghealth.Tracker) ProberOption {
	return func(p *Prober) { p.tracker = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m types.MetricsCollector) ProberOption {
	return func(p *Prober) { p.metrics = m }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

// Prober writes, reads back and deletes a marker value on each tier.
type Prober struct {
	primary tier.Adapter
	tiers   []tier.Adapter
	tracker *pkghealth.Tracker
	metrics types.MetricsCollector
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// NewProber probes primary on Probe and every adapter in tiers on ProbeAll.
// primary is normally the bulk tier, the one that fills up.
func NewProber(primary tier.Adapter, tiers []tier.Adapter, opts ...ProberOption) *Prober {
	p := &Prober{
		primary: primary,
		tiers:   tiers,
		metrics: types.NopMetrics{},
		timeout: DefaultProbeTimeout,
		logger:  slog.Default().With("component", "health"),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracker != nil {
		for _, t := range p.tiers {
			p.tracker.RegisterComponent(t.Tier().String())
		}
		p.tracker.RegisterComponent(primary.Tier().String())
	}
	return p
}

func (p *Prober) probeKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), p.entropy)
	if err != nil {
		return "", err
	}
	return ProbeKeyPrefix + id.String(), nil
}

// Probe checks the primary tier.
func (p *Prober) Probe(ctx context.Context) Result {
	return p.ProbeTier(ctx, p.primary)
}

// ProbeAll checks every configured tier in order.
func (p *Prober) ProbeAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(p.tiers))
	for _, t := range p.tiers {
		results = append(results, p.ProbeTier(ctx, t))
	}
	return results
}

// ProbeTier writes a marker to a, reads it back and deletes it.
func (p *Prober) ProbeTier(ctx context.Context, a tier.Adapter) Result {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	res := Result{Tier: a.Tier()}
	res.Err = p.roundTrip(ctx, a)
	res.Latency = time.Since(start)
	res.Healthy = res.Err == nil
	if res.Err != nil {
		res.Code = errors.CodeOf(res.Err)
		p.logger.Warn("Tier probe failed",
			"tier", res.Tier.String(), "code", res.Code, "latency", res.Latency, "error", res.Err)
	}

	p.record(res, a)
	return res
}

func (p *Prober) roundTrip(ctx context.Context, a tier.Adapter) error {
	key, err := p.probeKey()
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to generate probe key", err).
			WithComponent("health").WithOperation("probe")
	}
	marker := []byte(time.Now().UTC().Format(time.RFC3339Nano))

	if err := a.Put(ctx, key, marker); err != nil {
		return err
	}
	defer func() {
		if err := a.Delete(ctx, key); err != nil {
			p.logger.Warn("Failed to delete probe key", "tier", a.Tier().String(), "key", key, "error", err)
		}
	}()

	got, ok, err := a.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || !bytes.Equal(got, marker) {
		return errors.NewError(errors.ErrCodeBackendError, "probe read-back mismatch").
			WithComponent("health").WithOperation("probe").WithTier(a.Tier().String()).WithKey(key)
	}
	return nil
}

func (p *Prober) record(res Result, a tier.Adapter) {
	p.metrics.RecordProbe(res.Tier, res.Healthy, string(res.Code))
	if p.tracker == nil {
		return
	}
	name := res.Tier.String()
	p.tracker.SetComponentMetadata(name, "check_latency_ms", res.Latency.Milliseconds())
	p.tracker.SetComponentMetadata(name, "last_check", time.Now().UTC())
	if r, ok := a.(types.StatsReporter); ok {
		if stats := r.Stats(); len(stats) > 0 {
			p.tracker.SetComponentMetadata(name, "backend", stats)
		}
	}
	if res.Healthy {
		p.tracker.RecordSuccess(res.Tier.String())
	} else {
		p.tracker.RecordError(res.Tier.String(), res.Err)
	}
}
