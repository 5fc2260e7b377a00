package gate

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

// Filter reasons reported through Metrics.Filtered
const (
	FilterMalformed       = "malformed"
	FilterFetchError      = "fetch_error"
	FilterAuthError       = "auth_error"
	FilterProtocolError   = "protocol_error"
	FilterStorageError    = "storage_error"
	FilterStaleVersion    = "stale_version"
	FilterEmitError       = "emit_error"
	FilterRuleFilter      = "rule_filter"
	FilterThresholdNotMet = "threshold_not_met"
)

const (
	defaultResubscribeDelay = 60 * time.Second
	defaultSweepInterval    = 24 * time.Hour
	auditTimeout            = 5 * time.Second
)

// Deps are the collaborators of a Gate. Source is only needed by Run;
// Metrics and Triggers are optional.
type Deps struct {
	Source   ports.SourceDialer
	API      ports.AlertAPI
	Store    ports.StateStore
	Emitter  ports.Emitter
	Metrics  ports.Metrics
	Triggers ports.TriggerRepository
}

// Outcome describes what happened to one notification
type Outcome struct {
	AlertUID  string
	Triggered bool

	// Reason is the trigger reason when Triggered, otherwise the
	// evaluation reason (if the alert got that far)
	Reason string

	// Filtered is the drop reason, empty when the trigger was emitted
	Filtered  string
	TriggerID string
	Err       error

	// Cancelled is set when ctx ended before the notification was
	// finished. It is neither filtered nor acknowledged.
	Cancelled bool
}

// Stats is a snapshot of the gate counters
type Stats struct {
	Processed          uint64     `json:"processed"`
	Triggered          uint64     `json:"triggered"`
	Filtered           uint64     `json:"filtered"`
	Panics             uint64     `json:"panics_recovered"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
	LastSweepAt        *time.Time `json:"last_sweep_at,omitempty"`
}

// Gate consumes alert-updated notifications and forwards the ones that
// cross a threshold. Notifications are processed strictly one at a time.
type Gate struct {
	deps    Deps
	cfg     domain.ThresholdConfig
	filter  domain.RuleFilter
	metrics ports.Metrics
	log     zerolog.Logger

	now              func() time.Time
	newID            func() string
	resubscribeDelay time.Duration
	sweepInterval    time.Duration
	heartbeat        time.Duration

	sweepMu     sync.Mutex
	sweepLoaded bool
	lastSweep   time.Time

	processed        atomic.Uint64
	triggered        atomic.Uint64
	filtered         atomic.Uint64
	panics           atomic.Uint64
	lastNotification atomic.Int64
	lastSweepUnix    atomic.Int64
}

// Option configures a Gate
type Option func(*Gate)

// WithLogger sets the gate logger
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithIDGenerator overrides how trigger ids are produced
func WithIDGenerator(newID func() string) Option {
	return func(g *Gate) { g.newID = newID }
}

// WithResubscribeDelay sets the pause between a failed subscription and the next dial
func WithResubscribeDelay(d time.Duration) Option {
	return func(g *Gate) { g.resubscribeDelay = d }
}

// WithSweepInterval sets the minimum time between two sweeps
func WithSweepInterval(d time.Duration) Option {
	return func(g *Gate) { g.sweepInterval = d }
}

// WithHeartbeat overrides the idle wait derived from check_interval_seconds
func WithHeartbeat(d time.Duration) Option {
	return func(g *Gate) { g.heartbeat = d }
}

// New validates cfg and builds a Gate
func New(deps Deps, cfg domain.ThresholdConfig, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.API == nil || deps.Store == nil || deps.Emitter == nil {
		return nil, domain.ConfigError("gate", "alert API, state store and emitter are required")
	}

	filter, err := domain.NewRuleFilter(cfg.RuleFilter, cfg.RuleNamesFilter)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		deps:             deps,
		cfg:              cfg,
		filter:           filter,
		metrics:          deps.Metrics,
		log:              zerolog.Nop(),
		now:              time.Now,
		newID:            func() string { return uuid.New().String() },
		resubscribeDelay: defaultResubscribeDelay,
		sweepInterval:    defaultSweepInterval,
		heartbeat:        cfg.CheckInterval(),
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Run subscribes and processes notifications until ctx is cancelled,
// re-subscribing after every failure. It returns nil on cancellation and
// closes the alert API and state store on the way out.
func (g *Gate) Run(ctx context.Context) error {
	if g.deps.Source == nil {
		return domain.ConfigError("gate", "notification source is required")
	}
	defer g.close()

	g.log.Info().
		Str("rule_filter_mode", g.filter.Mode()).
		Int("event_count_threshold", g.cfg.EventCountThreshold).
		Bool("volume_threshold", g.cfg.EnableVolumeThreshold).
		Int("time_window_hours", g.cfg.TimeWindowHours).
		Bool("time_threshold", g.cfg.EnableTimeThreshold).
		Int("state_cleanup_days", g.cfg.StateCleanupDays).
		Dur("heartbeat", g.heartbeat).
		Msg("threshold gate started")

	for {
		if ctx.Err() != nil {
			break
		}

		src, err := g.deps.Source(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			g.log.Error().Err(err).Msg("failed to subscribe to notifications")
		} else {
			err = g.consume(ctx, src)
			if cerr := src.Close(); cerr != nil {
				g.log.Warn().Err(cerr).Msg("failed to close notification source")
			}
			if ctx.Err() != nil {
				break
			}
			g.log.Warn().Err(err).Dur("retry_in", g.resubscribeDelay).Msg("notification subscription ended")
		}

		if !sleep(ctx, g.resubscribeDelay) {
			break
		}
	}

	g.log.Info().Msg("threshold gate stopped")
	return nil
}

// consume pulls from src until it fails. An idle period of one heartbeat
// runs the sweep check instead.
func (g *Gate) consume(ctx context.Context, src ports.NotificationSource) error {
	for {
		nctx, cancel := context.WithTimeout(ctx, g.heartbeat)
		n, err := src.Next(nctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				g.log.Debug().Msg("no notifications, heartbeat")
				g.maybeSweep(ctx)
				continue
			}
			return err
		}

		g.safeProcess(ctx, n)

		// a notification cut short by shutdown stays unacknowledged
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := src.Ack(ctx); err != nil {
			return err
		}
	}
}

// safeProcess runs one iteration, recovering from panics. A notification
// that panicked counts as finished.
func (g *Gate) safeProcess(ctx context.Context, n domain.Notification) {
	defer func() {
		if r := recover(); r != nil {
			g.panics.Add(1)
			g.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("alert_uid", n.AlertUID).
				Msg("notification processing panic recovered")
			if pr, ok := g.metrics.(interface{ PanicRecovered() }); ok {
				pr.PanicRecovered()
			}
		}
	}()

	g.ProcessNotification(ctx, n)
}

// ProcessNotification runs the full pipeline for one notification
func (g *Gate) ProcessNotification(ctx context.Context, n domain.Notification) Outcome {
	g.processed.Add(1)
	g.lastNotification.Store(g.now().UnixNano())

	if !n.Valid() {
		g.log.Warn().Int("bytes", len(n.Raw)).Msg("notification without alert uid")
		return g.drop(ctx, Outcome{}, FilterMalformed, nil)
	}
	out := Outcome{AlertUID: n.AlertUID}
	log := g.log.With().Str("alert_uid", n.AlertUID).Logger()

	g.maybeSweep(ctx)

	alert, err := g.deps.API.FetchAlert(ctx, n.AlertUID)
	if err != nil {
		reason := fetchReason(err)
		if ctx.Err() == nil {
			log.Error().Err(err).Str("reason", reason).Msg("failed to fetch alert")
		}
		return g.drop(ctx, out, reason, err)
	}

	if !g.filter.Accepts(*alert) {
		log.Debug().Str("rule_name", alert.Rule.Name).Msg("alert rule not selected")
		return g.drop(ctx, out, FilterRuleFilter, nil)
	}

	prior, err := g.deps.Store.Get(ctx, alert.UID)
	if err != nil {
		log.Error().Err(err).Msg("failed to read alert state")
		return g.drop(ctx, out, FilterStorageError, err)
	}

	now := g.now()
	decision := domain.Evaluate(ctx, *alert, prior, g.cfg, g.deps.API.CountEvents, now)
	g.metrics.ThresholdCheck(decision.Trigger)

	record, decision, err := g.commit(ctx, *alert, prior, decision, now)
	out.Reason = decision.Context.Reason
	switch {
	case errors.Is(err, domain.ErrStaleVersion):
		log.Warn().Err(err).Msg("alert state changed concurrently twice, skipping")
		return g.drop(ctx, out, FilterStaleVersion, err)
	case err != nil:
		log.Error().Err(err).Msg("failed to update alert state")
		return g.drop(ctx, out, FilterStorageError, err)
	case record == nil:
		log.Debug().
			Str("reason", decision.Context.Reason).
			Int("new_events", decision.Context.NewEvents).
			Msg("threshold not met")
		return g.drop(ctx, out, FilterThresholdNotMet, nil)
	}

	if record.Version == 1 {
		g.refreshStateSize(ctx)
	}

	tc := decision.Context
	tc.TriggerID = g.newID()
	tc.TriggeredAt = record.LastTriggeredAt
	tc.TriggerType = domain.TriggerType
	out.TriggerID = tc.TriggerID

	payload := domain.NewTriggerPayload(*alert, tc)
	if err := g.deps.Emitter.Emit(ctx, domain.EventAlertThresholdMet, payload); err != nil {
		log.Error().Err(err).Str("trigger_id", tc.TriggerID).Msg("failed to emit trigger")
		return g.drop(ctx, out, FilterEmitError, err)
	}

	out.Triggered = true
	g.triggered.Add(1)
	g.metrics.Forwarded(tc.Reason)

	log.Info().
		Str("trigger_id", tc.TriggerID).
		Str("alert_short_id", alert.ShortID).
		Str("rule_name", alert.Rule.Name).
		Str("reason", tc.Reason).
		Int("new_events", tc.NewEvents).
		Int("current_count", tc.CurrentCount).
		Int("total_triggers", record.TotalTriggers).
		Msg("alert threshold met, trigger forwarded")

	g.audit(ctx, *alert, tc)
	return out
}

// commit persists a positive decision with a compare-and-swap on the prior
// version. A lost race re-reads and re-evaluates once. It returns a nil
// record when the (possibly re-evaluated) decision is not to trigger.
func (g *Gate) commit(ctx context.Context, alert domain.Alert, prior *domain.AlertTrack, decision domain.Decision, now time.Time) (*domain.AlertTrack, domain.Decision, error) {
	for attempt := 0; ; attempt++ {
		if !decision.Trigger {
			return nil, decision, nil
		}

		record, err := g.deps.Store.Upsert(ctx, alert.UID, trackFields(alert, prior, now), expectedVersion(prior))
		if err == nil {
			return record, decision, nil
		}
		if !errors.Is(err, domain.ErrStaleVersion) || attempt > 0 {
			return nil, decision, err
		}

		g.log.Debug().Str("alert_uid", alert.UID).Msg("alert state changed concurrently, re-evaluating")
		prior, err = g.deps.Store.Get(ctx, alert.UID)
		if err != nil {
			return nil, decision, err
		}
		decision = domain.Evaluate(ctx, alert, prior, g.cfg, g.deps.API.CountEvents, now)
	}
}

func trackFields(alert domain.Alert, prior *domain.AlertTrack, now time.Time) domain.TrackFields {
	total := 1
	if prior != nil {
		total = prior.TotalTriggers + 1
	}
	return domain.TrackFields{
		AlertShortID:            alert.ShortID,
		RuleUID:                 alert.Rule.UID,
		RuleName:                alert.Rule.Name,
		LastTriggeredAt:         now,
		LastTriggeredEventCount: alert.EventsCount,
		TotalTriggers:           total,
	}
}

// expectedVersion is the prior version, 0 meaning "no record yet"
func expectedVersion(prior *domain.AlertTrack) *int64 {
	var v int64
	if prior != nil {
		v = prior.Version
	}
	return &v
}

func fetchReason(err error) string {
	switch domain.KindOf(err) {
	case domain.KindAuth:
		return FilterAuthError
	case domain.KindProtocol:
		return FilterProtocolError
	default:
		return FilterFetchError
	}
}

func (g *Gate) drop(ctx context.Context, out Outcome, reason string, err error) Outcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		out.Cancelled = true
		out.Err = err
		if out.Err == nil {
			out.Err = ctxErr
		}
		g.log.Info().Str("alert_uid", out.AlertUID).Msg("notification abandoned on shutdown")
		return out
	}
	out.Filtered = reason
	out.Err = err
	g.filtered.Add(1)
	g.metrics.Filtered(reason)
	return out
}

// audit records the trigger in the audit repository, best-effort
func (g *Gate) audit(ctx context.Context, alert domain.Alert, tc domain.TriggerContext) {
	if g.deps.Triggers == nil {
		return
	}

	actx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	err := g.deps.Triggers.RecordTrigger(actx, domain.TriggerRecord{
		ID:           tc.TriggerID,
		AlertUID:     alert.UID,
		AlertShortID: alert.ShortID,
		RuleName:     alert.Rule.Name,
		Reason:       tc.Reason,
		NewEvents:    tc.NewEvents,
		CurrentCount: tc.CurrentCount,
		TriggeredAt:  tc.TriggeredAt,
	})
	if err != nil {
		g.log.Warn().Err(err).Str("trigger_id", tc.TriggerID).Msg("failed to record trigger audit")
	}
}

// maybeSweep removes stale records at most once per sweep interval
func (g *Gate) maybeSweep(ctx context.Context) {
	g.sweepMu.Lock()
	defer g.sweepMu.Unlock()

	if !g.sweepLoaded {
		stats, err := g.deps.Store.Stats(ctx)
		if err != nil {
			g.log.Warn().Err(err).Msg("failed to read state stats")
		} else {
			g.sweepLoaded = true
			g.metrics.SetStateSize(stats.Count)
			if stats.LastSweepAt != nil {
				g.setLastSweep(*stats.LastSweepAt)
			}
		}
	}

	now := g.now()
	if !g.lastSweep.IsZero() && now.Sub(g.lastSweep) < g.sweepInterval {
		return
	}
	g.setLastSweep(now)

	cutoff := now.Add(-g.cfg.CleanupAge())
	removed, err := g.deps.Store.SweepOlderThan(ctx, cutoff)
	if err != nil {
		g.log.Error().Err(err).Time("cutoff", cutoff).Msg("state sweep failed")
		return
	}

	g.log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("stale alert state swept")
	g.refreshStateSize(ctx)
}

func (g *Gate) setLastSweep(t time.Time) {
	g.lastSweep = t
	g.lastSweepUnix.Store(t.UnixNano())
}

func (g *Gate) refreshStateSize(ctx context.Context) {
	stats, err := g.deps.Store.Stats(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to read state stats")
		return
	}
	g.metrics.SetStateSize(stats.Count)
}

// Stats returns a snapshot of the gate counters; safe for concurrent use
func (g *Gate) Stats() Stats {
	s := Stats{
		Processed: g.processed.Load(),
		Triggered: g.triggered.Load(),
		Filtered:  g.filtered.Load(),
		Panics:    g.panics.Load(),
	}
	if ns := g.lastNotification.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastNotificationAt = &t
	}
	if ns := g.lastSweepUnix.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastSweepAt = &t
	}
	return s
}

func (g *Gate) close() {
	if err := g.deps.API.Close(); err != nil {
		g.log.Warn().Err(err).Msg("failed to close alert API client")
	}
	if err := g.deps.Store.Close(); err != nil {
		g.log.Warn().Err(err).Msg("failed to close state store")
	}
}

// sleep waits d or until ctx is done; it reports whether the wait completed
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopMetrics struct{}

func (nopMetrics) ThresholdCheck(bool) {}
func (nopMetrics) Filtered(string)     {}
func (nopMetrics) Forwarded(string)    {}
func (nopMetrics) SetStateSize(int)    {}
