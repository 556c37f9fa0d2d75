// Package worker implements the per-model Worker loop (spec.md §4.4, C4):
// readiness gate, bounded in-flight jobs, staleness watchdog, soft-restart
// ladder, periodic config reload. Grounded in
// original_source/worker/workers/framework.py's WorkerFramework.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/aipowergrid/gridbridge/internal/backend"
	"github.com/aipowergrid/gridbridge/internal/bridge"
	"github.com/aipowergrid/gridbridge/internal/horde"
	"github.com/aipowergrid/gridbridge/internal/job"
	"github.com/aipowergrid/gridbridge/internal/stats"
	"github.com/aipowergrid/gridbridge/internal/telemetry"
)

const (
	idleSleep         = 20 * time.Millisecond
	reloadInterval    = 60 * time.Second
	backendDownSleep  = 5 * time.Second
	oomShutdownLimit  = 10
	failureEscalation = 5
	softRestartLimit  = 15
	bridgeAgentPrefix = "gridbridge-worker"
)

// Worker runs one poll/execute/submit loop for one (Endpoint, ModelEntry)
// pair, advertising a single model identity for its lifetime.
type Worker struct {
	Name      string
	BD        *bridge.Data
	Backend   backend.Client
	Horde     *horde.Client
	Stats     *stats.Stats
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
	QueueSize int // from Configuration.QueueSize; constant for the worker's lifetime

	RunID      string
	InstanceID string

	mu              sync.Mutex
	runningJobs     []*runningJob
	waitingJobs     []*job.Job
	lastReload      time.Time
	shouldStop      bool
	shouldRestart   bool
	exitCode        int

	consecutiveFailedJobs       int
	consecutiveExecutorRestarts int
	outOfMemoryJobs             int
	softRestarts                int
}

type runningJob struct {
	j      *job.Job
	start  time.Time
	done   chan struct{}
	cancel context.CancelFunc
}

// New constructs a Worker with a fresh instance ID of its own.
func New(name string, bd *bridge.Data, backendClient backend.Client, hordeClient *horde.Client, st *stats.Stats, metrics *telemetry.Metrics, logger zerolog.Logger, runID string, queueSize int) *Worker {
	return &Worker{
		Name:       name,
		BD:         bd,
		Backend:    backendClient,
		Horde:      hordeClient,
		Stats:      st,
		Metrics:    metrics,
		Logger:     logger.With().Str("worker", name).Str("model_name", bd.ModelName).Str("run_id", runID).Logger(),
		QueueSize:  queueSize,
		RunID:      runID,
		InstanceID: ulid.Make().String(),
	}
}

// Run executes the Worker's main loop until ctx is cancelled or the
// escalation ladder requests shutdown. It returns the exit code the
// Supervisor should fold into the process exit status (0 clean, 1
// ladder-triggered).
func (w *Worker) Run(ctx context.Context) int {
	w.reload(ctx)

	for {
		select {
		case <-ctx.Done():
			w.drainAndStop()
			return 0
		default:
		}

		if w.shouldRestart {
			w.onRestart()
		}

		w.processOnce(ctx)

		if w.shouldStop {
			return w.exitCode
		}
		time.Sleep(idleSleep)
	}
}

func (w *Worker) drainAndStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rj := range w.runningJobs {
		rj.cancel()
	}
}

func (w *Worker) onRestart() {
	w.mu.Lock()
	for _, rj := range w.runningJobs {
		rj.cancel()
	}
	w.runningJobs = nil
	w.waitingJobs = nil
	w.softRestarts++
	restarts := w.softRestarts
	w.shouldRestart = false
	w.mu.Unlock()

	w.Logger.Warn().Int("soft_restarts", restarts).Msg("worker restarting")
	if w.Metrics != nil {
		w.Metrics.SoftRestarts.WithLabelValues(w.Name).Inc()
	}
	if restarts > softRestartLimit {
		w.Logger.Error().Msg("too many soft restarts, shutting down worker")
		w.requestShutdown(1)
	}
}

func (w *Worker) processOnce(ctx context.Context) {
	if time.Since(w.lastReload) > reloadInterval {
		w.reload(ctx)
	}
	if !w.isAvailable() {
		time.Sleep(backendDownSleep)
		// Bias the next reload to occur within backendDownSleep rather than
		// waiting out the full reloadInterval, so a backend recovery is
		// re-probed within 5s instead of up to 60s (spec.md §4.4 step 2).
		w.reload(ctx)
		return
	}

	w.fillQueue(ctx)
	w.startJobs(ctx)
	w.scanRunningJobs()
}

func (w *Worker) isAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.BD.Available
}

func (w *Worker) reload(ctx context.Context) {
	w.lastReload = time.Now()
	if err := w.Backend.Validate(ctx, w.BD); err != nil {
		w.Logger.Warn().Err(err).Msg("backend validation failed")
	}
}

// fillQueue performs at most one pop when queueing is enabled and there is
// room, per spec.md §4.4 step 3.
func (w *Worker) fillQueue(ctx context.Context) {
	if w.QueueSize <= 0 {
		return
	}
	w.mu.Lock()
	room := len(w.waitingJobs) < w.QueueSize
	w.mu.Unlock()
	if !room {
		return
	}
	if j := w.popOne(ctx); j != nil {
		w.mu.Lock()
		w.waitingJobs = append(w.waitingJobs, j)
		w.mu.Unlock()
	}
}

func (w *Worker) popOne(ctx context.Context) *job.Job {
	advertised := w.Backend.AdvertisedModelName(w.BD)
	models := []string{advertised}
	if w.BD.BrandedModel && w.BD.Username != "" {
		models = []string{advertised + "::" + w.BD.Username}
	}
	req := horde.PopRequest{
		Name:              w.Name,
		Models:            models,
		MaxLength:         w.BD.MaxLength,
		MaxContextLength:  w.BD.MaxContextLength,
		PriorityUsernames: w.BD.PriorityUsernames,
		Threads:           w.BD.MaxThreads,
		BridgeAgent:       fmt.Sprintf("%s:%s", bridgeAgentPrefix, w.InstanceID),
	}
	if w.BD.APIType == bridge.APIKoboldAI {
		req.Softprompts = w.BD.Softprompts[w.BD.UpstreamModelID]
	}
	resp, sleepFor := w.Horde.Pop(ctx, req)
	if resp == nil {
		if sleepFor > 0 {
			time.Sleep(sleepFor)
		}
		return nil
	}
	return decodeJob(*resp.ID, resp.Payload)
}

func decodeJob(id string, payload map[string]any) *job.Job {
	p := job.Payload{Raw: payload}
	if v, ok := payload["prompt"].(string); ok {
		p.Prompt = v
	}
	if v, ok := payload["max_length"].(float64); ok {
		p.MaxLength = int(v)
	} else {
		p.MaxLength = 80
	}
	if v, ok := payload["temperature"].(float64); ok {
		p.Temperature = v
	} else {
		p.Temperature = 0.8
	}
	if v, ok := payload["top_p"].(float64); ok {
		p.TopP = v
	} else {
		p.TopP = 0.9
	}
	if v, ok := payload["softprompt"].(string); ok {
		p.Softprompt = v
	}
	if v, ok := payload["frequency_penalty"].(float64); ok {
		p.FrequencyPenalty = &v
	}
	if v, ok := payload["presence_penalty"].(float64); ok {
		p.PresencePenalty = &v
	}
	return job.New(id, p)
}

// startJobs submits startable jobs to the bounded executor while under
// max_threads, per spec.md §4.4 step 4.
func (w *Worker) startJobs(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.runningJobs) >= w.BD.MaxThreads {
			w.mu.Unlock()
			return
		}
		var j *job.Job
		if w.QueueSize == 0 {
			w.mu.Unlock()
			j = w.popOne(ctx)
			if j == nil {
				return
			}
		} else {
			if len(w.waitingJobs) == 0 {
				w.mu.Unlock()
				return
			}
			j = w.waitingJobs[0]
			w.waitingJobs = w.waitingJobs[1:]
			w.mu.Unlock()
		}
		w.execute(ctx, j)
	}
}

func (w *Worker) execute(parent context.Context, j *job.Job) {
	jobCtx, cancel := context.WithCancel(parent)
	rj := &runningJob{j: j, start: time.Now(), done: make(chan struct{}), cancel: cancel}
	w.mu.Lock()
	w.runningJobs = append(w.runningJobs, rj)
	w.mu.Unlock()

	go func() {
		defer close(rj.done)
		w.runJob(jobCtx, j)
	}()
}

func (w *Worker) runJob(ctx context.Context, j *job.Job) {
	hash := blake3.Sum256([]byte(j.Payload.Prompt))
	log := w.Logger.With().Str("job_id", j.ID).Str("prompt_hash", fmt.Sprintf("%x", hash[:4])).Logger()

	if !j.Start() {
		log.Error().Msg("image-generation payload detected on text-only worker")
		w.submitAsync(j)
		return
	}

	log.Info().Int("max_length", j.Payload.MaxLength).Msg("starting job")
	result, err := w.Backend.Generate(ctx, w.BD, j.Payload)
	if err != nil {
		outOfMemory := backend.IsOutOfMemory(err)
		log.Error().Err(err).Bool("out_of_memory", outOfMemory).Msg("job generation failed")
		j.FaultGeneration(outOfMemory)
		w.submitAsync(j)
		return
	}
	j.FinishGeneration(result)
	log.Info().Msg("job completed")
	w.submitAsync(j)
}

// submitAsync runs the submission on a detached goroutine so the
// executor slot this job occupied is already free by the time escalation
// scans running_jobs, per spec.md §4.4/§5 ("submission runs on a separate
// task so execution and upload pipeline overlap").
func (w *Worker) submitAsync(j *job.Job) {
	go func() {
		payload := j.PrepareSubmitPayload()
		outcome, err := w.Horde.Submit(context.Background(), horde.SubmitPayloadFromJob(payload))
		if err != nil {
			w.Logger.Error().Err(err).Str("job_id", j.ID).Msg("submit failed")
			j.FinishSubmit(false)
			return
		}
		j.FinishSubmit(outcome.Success)
		if outcome.Success && !outcome.AlreadyKnown {
			w.Stats.RecordCompletion(w.BD.ModelName, outcome.Reward)
			if w.Metrics != nil {
				snapshot := w.Stats.Snapshot()
				w.Metrics.KudosPerHour.WithLabelValues(w.Name).Set(snapshot.KudosPerHour)
				w.Metrics.JobsPerHour.WithLabelValues(w.Name).Set(snapshot.JobsPerHour)
			}
		}
	}()
}

// scanRunningJobs applies the escalation ladder (spec.md §4.4) to
// completed and stale entries in running_jobs.
func (w *Worker) scanRunningJobs() {
	now := time.Now()
	w.mu.Lock()
	remaining := w.runningJobs[:0]
	var toEscalate []*runningJob
	var toStall []*runningJob
	for _, rj := range w.runningJobs {
		select {
		case <-rj.done:
			toEscalate = append(toEscalate, rj)
			continue
		default:
		}
		if rj.j.IsStale(now) {
			toStall = append(toStall, rj)
			continue
		}
		remaining = append(remaining, rj)
	}
	w.runningJobs = remaining
	w.mu.Unlock()

	if w.Metrics != nil {
		w.Metrics.RunningJobs.WithLabelValues(w.Name).Set(float64(len(remaining)))
	}

	for _, rj := range toEscalate {
		w.escalateCompleted(rj)
	}
	if len(toStall) > 0 {
		w.escalateStale(toStall)
	}
}

func (w *Worker) escalateCompleted(rj *runningJob) {
	w.mu.Lock()
	defer w.mu.Unlock()

	faulted := rj.j.Status == job.StatusFaulted || rj.j.Status == job.StatusFinalizingFaulted
	if faulted {
		w.consecutiveFailedJobs++
		if rj.j.OutOfMemory {
			w.outOfMemoryJobs++
			if w.Metrics != nil {
				w.Metrics.OutOfMemoryJobs.WithLabelValues(w.Name).Inc()
			}
			if w.outOfMemoryJobs >= oomShutdownLimit {
				w.Logger.Error().Int("out_of_memory_jobs", w.outOfMemoryJobs).Msg("too many out-of-memory jobs, shutting down")
				w.requestShutdownLocked(1)
				return
			}
		}
		if w.consecutiveFailedJobs >= failureEscalation {
			if w.consecutiveExecutorRestarts > 0 {
				w.Logger.Error().Msg("worker keeps failing after executor restart, shutting down")
				w.requestShutdownLocked(1)
				return
			}
			w.Logger.Warn().Msg("too many consecutive failed jobs, restarting executor")
			w.consecutiveExecutorRestarts++
			w.shouldRestart = true
		}
		return
	}
	w.consecutiveFailedJobs = 0
	w.consecutiveExecutorRestarts = 0
}

func (w *Worker) escalateStale(stale []*runningJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rj := range stale {
		w.Logger.Warn().Str("job_id", rj.j.ID).Dur("runtime", time.Since(rj.start)).Msg("job is stale, restarting worker")
		rj.cancel()
	}
	w.shouldRestart = true
}

func (w *Worker) requestShutdown(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requestShutdownLocked(code)
}

func (w *Worker) requestShutdownLocked(code int) {
	w.shouldStop = true
	w.exitCode = code
}
