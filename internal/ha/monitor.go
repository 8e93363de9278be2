package ha

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc checks one backend. It must respect ctx and return within the
// probe timeout; a timeout is treated the same as any other failure.
type ProbeFunc func(ctx context.Context) error

// ReplicaTarget is one replica under monitoring. Interval, when set, is the
// minimum spacing between probes of this replica; zero means every cycle.
type ReplicaTarget struct {
	ID       string
	Priority int
	Interval time.Duration
	Probe    ProbeFunc
}

// MonitorConfig tunes probe scheduling.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	IntervalCap    time.Duration `yaml:"interval_cap"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	FailureWindow  int           `yaml:"failure_window"`
	WidenThreshold int           `yaml:"widen_threshold"`
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       10 * time.Second,
		IntervalCap:    2 * time.Minute,
		ProbeTimeout:   5 * time.Second,
		MaxRetries:     5,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		FailureWindow:  10,
		WidenThreshold: 8,
	}
}

// ApplyDefaults fills in zero values.
func (c *MonitorConfig) ApplyDefaults() {
	d := DefaultMonitorConfig()
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.IntervalCap == 0 {
		c.IntervalCap = d.IntervalCap
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.WidenThreshold == 0 {
		c.WidenThreshold = d.WidenThreshold
	}
}

// Monitor probes the primary backend on an adaptive timer and all replicas
// concurrently, maintaining the rolling diagnostics the rule engine evaluates.
type Monitor struct {
	cfg      MonitorConfig
	primary  ProbeFunc
	replicas []ReplicaTarget
	recorder *EventRecorder
	logger   *zap.Logger

	mu                  sync.RWMutex
	primaryHealthy      bool
	consecutiveFailures int
	retryAttempts       int
	interval            time.Duration
	diagnostics         []Probe
	replicaHealth       map[string]ReplicaHealth
	activeReplica       string
	inFlight            map[string]bool
	lastProbed          map[string]time.Time
	exhaustedSignaled   bool
	cascadeSignaled     bool

	onSnapshot  []func(Snapshot)
	onRestored  []func()
	onExhausted []func()
	onCascade   []func()
	onReplica   []func(old, new string)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. The primary probe is mandatory; replicas may
// be empty. The recorder, when given, receives replica-switch events.
func NewMonitor(cfg MonitorConfig, primary ProbeFunc, replicas []ReplicaTarget,
	recorder *EventRecorder, logger *zap.Logger) *Monitor {

	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		cfg:            cfg,
		primary:        primary,
		replicas:       replicas,
		recorder:       recorder,
		logger:         logger,
		primaryHealthy: true,
		interval:       cfg.Interval,
		diagnostics:    make([]Probe, 0, cfg.FailureWindow),
		replicaHealth:  make(map[string]ReplicaHealth, len(replicas)),
		inFlight:       make(map[string]bool, len(replicas)+1),
		lastProbed:     make(map[string]time.Time, len(replicas)),
		stopChan:       make(chan struct{}),
	}
}

// OnSnapshot registers a callback invoked after every probe cycle.
func (m *Monitor) OnSnapshot(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSnapshot = append(m.onSnapshot, fn)
}

// OnPrimaryRestored fires when the primary passes a probe after being down.
func (m *Monitor) OnPrimaryRestored(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestored = append(m.onRestored, fn)
}

// OnRetriesExhausted fires once when reconnection attempts exceed MaxRetries.
func (m *Monitor) OnRetriesExhausted(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhausted = append(m.onExhausted, fn)
}

// OnCascadingFailure fires once when the primary and every replica are down.
func (m *Monitor) OnCascadingFailure(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCascade = append(m.onCascade, fn)
}

// OnReplicaChange fires when the selected replica changes.
func (m *Monitor) OnReplicaChange(fn func(old, new string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReplica = append(m.onReplica, fn)
}

// Start launches the probe scheduler.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop shuts the scheduler down and waits for in-flight probes.
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	timer := time.NewTimer(m.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-timer.C:
			m.ProbeAll(context.Background())
			timer.Reset(m.nextDelay())
		}
	}
}

// nextDelay returns the wait before the next probe cycle. While the primary
// is down it follows exponential backoff (base x 1.5^attempts, capped) with
// +-5% jitter so restarts across instances do not synchronize.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := m.interval
	if !m.primaryHealthy && m.retryAttempts > 0 {
		backoff := float64(m.cfg.BackoffBase) * math.Pow(1.5, float64(m.retryAttempts))
		if backoff > float64(m.cfg.BackoffMax) {
			backoff = float64(m.cfg.BackoffMax)
		}
		d = time.Duration(backoff)
	}

	jitter := 0.95 + rand.Float64()*0.1
	return time.Duration(float64(d) * jitter)
}

// ProbeAll runs one probe cycle: the primary, then all replicas concurrently,
// each under its own timeout. A target still in flight from a prior cycle is
// skipped rather than probed twice.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.probePrimary(ctx)
	m.probeReplicas(ctx)
	m.reselectReplica()
	m.checkCascade()
	m.fanoutSnapshot()
}

// ForceCheck runs a full probe cycle immediately and returns an error when
// the primary is unhealthy afterwards. Used by operators and plan steps.
func (m *Monitor) ForceCheck(ctx context.Context) error {
	m.ProbeAll(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.primaryHealthy {
		return fmt.Errorf("primary backend unhealthy after %d consecutive failures", m.consecutiveFailures)
	}
	return nil
}

func (m *Monitor) probePrimary(ctx context.Context) {
	m.mu.Lock()
	if m.inFlight["primary"] {
		m.mu.Unlock()
		return
	}
	m.inFlight["primary"] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight["primary"] = false
		m.mu.Unlock()
	}()

	start := time.Now()
	err := m.runProbe(ctx, m.primary)
	latency := time.Since(start)

	if err != nil {
		m.recordPrimaryFailure(latency, err)
		return
	}
	m.recordPrimarySuccess(latency)
}

func (m *Monitor) runProbe(ctx context.Context, probe ProbeFunc) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- probe(probeCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-probeCtx.Done():
		return fmt.Errorf("probe timeout after %v", m.cfg.ProbeTimeout)
	}
}

func (m *Monitor) recordPrimarySuccess(latency time.Duration) {
	m.mu.Lock()
	wasDown := !m.primaryHealthy
	m.primaryHealthy = true
	m.consecutiveFailures = 0
	m.retryAttempts = 0
	m.exhaustedSignaled = false
	m.interval = m.cfg.Interval
	m.pushDiagnostic(Probe{Timestamp: time.Now().UTC(), Healthy: true, Latency: latency})
	restored := make([]func(), len(m.onRestored))
	copy(restored, m.onRestored)
	m.mu.Unlock()

	if wasDown {
		m.logger.Info("primary backend restored", zap.Duration("latency", latency))
		for _, fn := range restored {
			fn()
		}
	}
}

func (m *Monitor) recordPrimaryFailure(latency time.Duration, err error) {
	m.mu.Lock()
	m.primaryHealthy = false
	m.consecutiveFailures++
	m.retryAttempts++
	m.pushDiagnostic(Probe{
		Timestamp: time.Now().UTC(),
		Healthy:   false,
		Latency:   latency,
		Error:     err.Error(),
	})

	// Sustained failure widens the probe interval so a dead backend is not
	// hammered forever.
	if m.recentFailuresLocked() >= m.cfg.WidenThreshold {
		widened := time.Duration(float64(m.interval) * 1.5)
		if widened > m.cfg.IntervalCap {
			widened = m.cfg.IntervalCap
		}
		m.interval = widened
	}

	exhausted := m.retryAttempts > m.cfg.MaxRetries && !m.exhaustedSignaled
	if exhausted {
		m.exhaustedSignaled = true
	}
	failures := m.consecutiveFailures
	exhaustedFns := make([]func(), len(m.onExhausted))
	copy(exhaustedFns, m.onExhausted)
	m.mu.Unlock()

	m.logger.Warn("primary probe failed",
		zap.Int("consecutive_failures", failures),
		zap.Duration("latency", latency),
		zap.Error(err))

	if exhausted {
		for _, fn := range exhaustedFns {
			fn()
		}
	}
}

// RecordWriteFailure feeds a request-path write error into the diagnostics
// window so error-rate rules see it.
func (m *Monitor) RecordWriteFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushDiagnostic(Probe{Timestamp: time.Now().UTC(), Healthy: false, Error: err.Error()})
}

func (m *Monitor) probeReplicas(ctx context.Context) {
	var wg sync.WaitGroup
	for _, target := range m.replicas {
		m.mu.Lock()
		if m.inFlight[target.ID] {
			m.mu.Unlock()
			continue
		}
		if target.Interval > 0 && time.Since(m.lastProbed[target.ID]) < target.Interval {
			m.mu.Unlock()
			continue
		}
		m.inFlight[target.ID] = true
		m.lastProbed[target.ID] = time.Now()
		m.mu.Unlock()

		wg.Add(1)
		go func(t ReplicaTarget) {
			defer wg.Done()
			defer func() {
				m.mu.Lock()
				m.inFlight[t.ID] = false
				m.mu.Unlock()
			}()

			start := time.Now()
			err := m.runProbe(ctx, t.Probe)
			latency := time.Since(start)

			m.mu.Lock()
			m.replicaHealth[t.ID] = ReplicaHealth{
				Timestamp: time.Now().UTC(),
				Healthy:   err == nil,
				Latency:   latency,
			}
			m.mu.Unlock()

			if err != nil {
				m.logger.Warn("replica probe failed",
					zap.String("replica", t.ID), zap.Error(err))
			}
		}(target)
	}
	wg.Wait()
}

func (m *Monitor) reselectReplica() {
	m.mu.Lock()
	infos := make([]ReplicaInfo, 0, len(m.replicas))
	for _, t := range m.replicas {
		infos = append(infos, ReplicaInfo{ID: t.ID, Priority: t.Priority, Health: m.replicaHealth[t.ID]})
	}
	selected := SelectReplica(infos)
	old := m.activeReplica
	changed := selected != "" && selected != old
	if changed {
		m.activeReplica = selected
	}
	fns := make([]func(string, string), len(m.onReplica))
	copy(fns, m.onReplica)
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("active replica changed",
		zap.String("from", old), zap.String("to", selected))

	// A replica switch is not a mode change but still an auditable transition.
	if old != "" && m.recorder != nil {
		m.recorder.Record(FailoverEvent{
			FromMode: ModeReplica,
			ToMode:   ModeReplica,
			Trigger:  TriggerHealthCheckFailure,
			Reason:   fmt.Sprintf("active replica switched from %s to %s", old, selected),
			Success:  true,
		})
	}

	for _, fn := range fns {
		fn(old, selected)
	}
}

func (m *Monitor) checkCascade() {
	m.mu.Lock()
	healthy := m.healthyReplicasLocked()
	cascading := !m.primaryHealthy && len(m.replicas) > 0 && len(healthy) == 0
	fire := cascading && !m.cascadeSignaled
	if fire {
		m.cascadeSignaled = true
	}
	if !cascading {
		m.cascadeSignaled = false
	}
	fns := make([]func(), len(m.onCascade))
	copy(fns, m.onCascade)
	m.mu.Unlock()

	if fire {
		m.logger.Error("cascading failure: primary and all replicas unhealthy")
		for _, fn := range fns {
			fn()
		}
	}
}

func (m *Monitor) fanoutSnapshot() {
	snap := m.Snapshot()
	m.mu.RLock()
	fns := make([]func(Snapshot), len(m.onSnapshot))
	copy(fns, m.onSnapshot)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Snapshot returns a copy of the monitor's current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	diags := make([]Probe, len(m.diagnostics))
	copy(diags, m.diagnostics)

	replicas := make(map[string]ReplicaHealth, len(m.replicaHealth))
	for id, h := range m.replicaHealth {
		replicas[id] = h
	}

	var latest time.Duration
	if len(diags) > 0 {
		latest = diags[len(diags)-1].Latency
	}

	return Snapshot{
		Timestamp:           time.Now().UTC(),
		PrimaryHealthy:      m.primaryHealthy,
		ConsecutiveFailures: m.consecutiveFailures,
		RetryAttempts:       m.retryAttempts,
		RecentFailures:      m.recentFailuresLocked(),
		WindowSize:          len(diags),
		LatestLatency:       latest,
		Diagnostics:         diags,
		Replicas:            replicas,
		HealthyReplicas:     m.healthyReplicasLocked(),
		ActiveReplica:       m.activeReplica,
		Stats:               m.statsLocked(),
	}
}

// PrimaryHealthy reports the last probe verdict on the primary.
func (m *Monitor) PrimaryHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primaryHealthy
}

// ActiveReplica returns the currently selected replica id, "" if none.
func (m *Monitor) ActiveReplica() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeReplica
}

// ClearDiagnostics empties the rolling probe window.
func (m *Monitor) ClearDiagnostics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diagnostics = m.diagnostics[:0]
}

func (m *Monitor) pushDiagnostic(p Probe) {
	if len(m.diagnostics) >= m.cfg.FailureWindow {
		m.diagnostics = m.diagnostics[1:]
	}
	m.diagnostics = append(m.diagnostics, p)
}

func (m *Monitor) recentFailuresLocked() int {
	failures := 0
	for _, p := range m.diagnostics {
		if !p.Healthy {
			failures++
		}
	}
	return failures
}

func (m *Monitor) healthyReplicasLocked() []string {
	healthy := make([]string, 0, len(m.replicaHealth))
	for _, t := range m.replicas {
		if h, ok := m.replicaHealth[t.ID]; ok && h.Healthy {
			healthy = append(healthy, t.ID)
		}
	}
	return healthy
}

func (m *Monitor) statsLocked() ConnectionStats {
	if len(m.diagnostics) == 0 {
		return ConnectionStats{SuccessRate: 100}
	}

	successes := 0
	var total time.Duration
	for _, p := range m.diagnostics {
		if p.Healthy {
			successes++
			total += p.Latency
		}
	}

	stats := ConnectionStats{
		SuccessRate:    float64(successes) / float64(len(m.diagnostics)) * 100,
		RecentFailures: len(m.diagnostics) - successes,
	}
	if successes > 0 {
		stats.AverageLatency = total / time.Duration(successes)
	}
	return stats
}
