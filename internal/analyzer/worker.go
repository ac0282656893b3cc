// Package analyzer runs the asynchronous trust pipeline: a Redis-backed
// job queue drained by a worker pool, guarded by load-shedding gates, and
// ending in a decision write plus revocation when the score breaches the
// device's adaptive threshold.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/blockremote/backend/internal/circuitbreaker"
	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/monitoring"
	"github.com/blockremote/backend/internal/security"
	"github.com/blockremote/backend/internal/store"
	"github.com/blockremote/backend/internal/trust"
)

const (
	decisionTTL     = 5 * time.Minute
	baselineTTL     = 7 * 24 * time.Hour
	breachRevokeTTL = time.Hour
	popTimeout      = 2 * time.Second
	metricSamples   = 50
)

// Job is one queued analysis request. The heartbeat handler pushes the
// payload onto the sig buffer first, then enqueues the job.
type Job struct {
	SignalID   int64               `json:"signal_id"`
	UserID     string              `json:"user_id"`
	DeviceID   string              `json:"device_id"`
	Payload    trust.SensorPayload `json:"payload"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// Analyzer owns the worker pool and the load gates.
type Analyzer struct {
	tuning     config.AnalyzerTuning
	historyMax int

	redis  *infra.RedisAdapter
	store  *store.Store
	tokens *security.TokenService

	depthGate   *circuitbreaker.QueueDepthBreaker
	latencyGate *circuitbreaker.LatencyBreaker

	log    *log.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the analyzer from settings.
func New(cfg *config.Settings, redis *infra.RedisAdapter, st *store.Store, tokens *security.TokenService) *Analyzer {
	t := cfg.Tuning.Analyzer
	return &Analyzer{
		tuning:      t,
		historyMax:  cfg.Tuning.SignalHistoryMax,
		redis:       redis,
		store:       st,
		tokens:      tokens,
		depthGate:   circuitbreaker.NewQueueDepthBreaker(t.QueueDepthMax),
		latencyGate: circuitbreaker.NewLatencyBreaker(t.LatencyP95Ms, t.LatencyWindow),
		log:         log.New(log.Writer(), "[ANALYZER] ", log.LstdFlags),
	}
}

// Enqueue pushes a job onto the queue. Called inline from the heartbeat
// handler; a full queue is handled by the worker-side gate, not here.
func (a *Analyzer) Enqueue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return a.redis.LPush(ctx, infra.KeyAnalyzerQueue, string(raw))
}

// Start launches the worker pool. Stop cancels it and waits for in-flight
// jobs to finish.
func (a *Analyzer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for i := 0; i < a.tuning.Workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx, i)
	}
	a.log.Printf("started %d workers", a.tuning.Workers)
}

// Stop shuts the pool down and blocks until every worker exits.
func (a *Analyzer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.log.Printf("stopped")
}

func (a *Analyzer) worker(ctx context.Context, id int) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw, ok, err := a.redis.BRPop(ctx, popTimeout, infra.KeyAnalyzerQueue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Printf("worker %d pop failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		a.Process(ctx, raw)
	}
}

// Process runs one job end to end. Exported so tests can drive jobs
// without the pool.
func (a *Analyzer) Process(ctx context.Context, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		a.log.Printf("bad job payload: %v", err)
		return
	}

	depth, err := a.redis.LLen(ctx, infra.KeyAnalyzerQueue)
	if err == nil {
		monitoring.AnalyzerQueueDepth.Set(float64(depth))
	}
	// Load gates: the previous decision stays authoritative while shedding.
	if err := a.depthGate.Allow(depth); err != nil {
		monitoring.AnalyzerDrops.WithLabelValues("queue_depth").Inc()
		a.log.Printf("dropped job device=%s depth=%d: %v", job.DeviceID, depth, err)
		return
	}
	if err := a.latencyGate.Allow(); err != nil {
		// Shed only when the device has a standing decision to fall back
		// on; a device with none gets scored despite the pressure.
		if _, derr := a.redis.Get(ctx, infra.KeyDecision(job.DeviceID)); derr == nil {
			monitoring.AnalyzerDrops.WithLabelValues("latency").Inc()
			a.log.Printf("dropped job device=%s p95=%dms: %v", job.DeviceID, a.latencyGate.P95(), err)
			return
		}
	}

	if !job.EnqueuedAt.IsZero() {
		enqueueMs := time.Since(job.EnqueuedAt).Milliseconds()
		monitoring.AnalyzerEnqueueMs.Observe(float64(enqueueMs))
		a.sample(ctx, "enqueue_ms", enqueueMs)
	}

	start := time.Now()
	a.analyze(ctx, &job)
	runtimeMs := time.Since(start).Milliseconds()

	a.latencyGate.Record(runtimeMs)
	monitoring.AnalyzerRuntimeMs.Observe(float64(runtimeMs))
	a.sample(ctx, "runtime_ms", runtimeMs)
}

func (a *Analyzer) analyze(ctx context.Context, job *Job) {
	history := a.loadHistory(ctx, job.DeviceID)
	score, diag := trust.Score(&job.Payload, history)

	threshold := a.updateBaseline(ctx, job.DeviceID, score)

	// The decision write is the commit point. Everything after it is
	// best-effort and never rolls the decision back.
	if err := a.redis.Set(ctx, infra.KeyDecision(job.DeviceID), strconv.Itoa(score), decisionTTL); err != nil {
		a.log.Printf("decision write failed device=%s: %v", job.DeviceID, err)
		return
	}
	if err := a.redis.LPushTrim(ctx, infra.KeyTrustHist(job.DeviceID), strconv.Itoa(score), int64(a.historyMax)); err != nil {
		a.log.Printf("trust history push failed device=%s: %v", job.DeviceID, err)
	}

	if score >= threshold {
		monitoring.AnalyzerDecisions.WithLabelValues("ok").Inc()
		return
	}
	monitoring.AnalyzerDecisions.WithLabelValues("blocked").Inc()
	a.log.Printf("threshold breach device=%s score=%d threshold=%d accel_z=%.2f gyro_z=%.2f",
		job.DeviceID, score, threshold, diag.AccelZ, diag.GyroZ)

	level := "medium"
	if score < 20 {
		level = "high"
	}
	sigID := job.SignalID
	if err := a.store.InsertAudit(ctx, store.AuditLog{
		UserID:      job.UserID,
		DeviceID:    job.DeviceID,
		ThreatLevel: level,
		Reason:      "Trust score below adaptive threshold",
		SignalID:    &sigID,
	}); err != nil {
		a.log.Printf("audit insert failed device=%s: %v", job.DeviceID, err)
	}

	reason := fmt.Sprintf("score:%d", score)
	if err := a.tokens.RevokeAndBlock(ctx, job.UserID, job.DeviceID, reason, breachRevokeTTL, true); err != nil {
		a.log.Printf("revoke failed device=%s: %v", job.DeviceID, err)
		return
	}
	monitoring.Revocations.WithLabelValues("analyzer").Inc()
}

// loadHistory reads the recent payload buffer, skipping index 0 because
// the heartbeat handler pushed the job's own payload before enqueueing.
func (a *Analyzer) loadHistory(ctx context.Context, deviceID string) []*trust.SensorPayload {
	raw, err := a.redis.LRange(ctx, infra.KeySignals(deviceID), 1, int64(a.historyMax))
	if err != nil {
		a.log.Printf("history read failed device=%s: %v", deviceID, err)
		return nil
	}
	out := make([]*trust.SensorPayload, 0, len(raw))
	for _, item := range raw {
		var p trust.SensorPayload
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out
}

// updateBaseline folds the score into the device's Welford baseline and
// returns the adaptive threshold to judge it against.
func (a *Analyzer) updateBaseline(ctx context.Context, deviceID string, score int) int {
	key := infra.KeyBaseline(deviceID)
	var b trust.Baseline
	if fields, err := a.redis.HGetAll(ctx, key); err == nil && len(fields) > 0 {
		b.Mean, _ = strconv.ParseFloat(fields["mean"], 64)
		b.M2, _ = strconv.ParseFloat(fields["m2"], 64)
		b.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
		b.Std, _ = strconv.ParseFloat(fields["std"], 64)
	}
	b.Update(float64(score))
	if err := a.redis.HSet(ctx, key, map[string]string{
		"mean":  strconv.FormatFloat(b.Mean, 'f', -1, 64),
		"m2":    strconv.FormatFloat(b.M2, 'f', -1, 64),
		"count": strconv.FormatInt(b.Count, 10),
		"std":   strconv.FormatFloat(b.Std, 'f', -1, 64),
	}, baselineTTL); err != nil {
		a.log.Printf("baseline write failed device=%s: %v", deviceID, err)
	}
	return b.Threshold(a.tuning.BaselineMinN, a.tuning.ThresholdFloor)
}

// sample mirrors a metric into the rolling Redis list for ad-hoc
// inspection alongside Prometheus.
func (a *Analyzer) sample(ctx context.Context, name string, value int64) {
	key := infra.KeyAnalyzerMetric(name)
	if err := a.redis.LPushTrim(ctx, key, strconv.FormatInt(value, 10), metricSamples); err != nil {
		a.log.Printf("metric sample failed %s: %v", name, err)
	}
}
