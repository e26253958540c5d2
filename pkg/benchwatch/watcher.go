package benchwatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// A PushEvent is an inbound notice that the watched repository received a
// push, typically delivered by the webhook server.
type PushEvent struct {
	Ref   string // The git ref the push went to
	After string // The head commit after the push
}

// A RunStatus describes one benchmark evaluation.
type RunStatus struct {
	ID     string `json:"id"`
	Commit string `json:"commit"`
	Image  string `json:"image"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Outcome    string `json:"outcome"` // One of "running", "success" and "failure"
	Error      string `json:"error,omitempty"`
	ResultPath string `json:"resultPath,omitempty"`
	Notified   bool   `json:"notified"`
}

// A Watcher drives the benchmark pipeline for one repository. It evaluates the
// repository's head commit at startup, on a polling interval and on inbound
// push events, with at most one benchmark in flight at any time.
type Watcher struct {
	Repo RepoRef // The repository to watch

	Config *Config // The watch parameters, or nil for the defaults

	CPU      *int // The core benchmark containers are pinned to, or nil to leave them unpinned
	NUMANode *int // The memory node benchmark containers are bound to, or nil to leave them unbound

	OutputFile string // Where results are persisted, or empty to leave them at their temporary path
	SlackPath  string // The file holding the notification endpoint URI, or empty to disable notification

	Log *logrus.Logger // The log to which information gets printed to

	Fetcher SourceFetcher // Overrides the source fetcher, a fresh clone of Repo when nil
	Engine  Engine        // Overrides the container engine, the local docker daemon when nil

	pipeline *Pipeline
	notifier *Notifier

	runSemaphore *semaphore.Weighted

	mu      sync.Mutex
	pushCh  chan PushEvent
	lastRun *RunStatus
	lastKey string // The commit and recipe digest of the last completed evaluation
}

// Run watches the repository until the context is canceled. Evaluation
// failures are logged and do not end the watch, only a failure to set up the
// watch itself is returned.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Log == nil {
		// Mute logger
		w.Log = logrus.New()
		w.Log.SetOutput(io.Discard)
	}
	log := w.Log.WithField("repo", w.Repo.String())

	if w.Config == nil {
		config, err := GetConfig(strings.NewReader(""))
		if err != nil {
			return err
		}
		w.Config = config
	}
	if w.Config.PollInterval <= 0 {
		return fmt.Errorf("poll interval %v is not positive", w.Config.PollInterval)
	}

	if w.Fetcher == nil {
		fetcher, err := NewFetcher(w.Repo, log)
		if err != nil {
			return err
		}
		defer fetcher.Close()
		w.Fetcher = fetcher
	}
	if w.Engine == nil {
		w.Engine = &DockerEngine{
			BaseImage:    w.Config.BaseImage,
			PullValidFor: w.Config.PullValidFor,

			Log: log,
		}
	}

	w.pipeline = &Pipeline{
		Fetcher: w.Fetcher,
		Engine:  w.Engine,

		CPU:      w.CPU,
		NUMANode: w.NUMANode,

		ShmSizeGB: w.Config.ShmSizeGB,

		OutputFile: w.OutputFile,
		SlackPath:  w.SlackPath,

		BuildTimeout: w.Config.BuildTimeout,
		RunTimeout:   w.Config.RunTimeout,

		Log: log,
	}
	defer w.pipeline.Close()

	w.notifier = &Notifier{Log: log}

	w.runSemaphore = semaphore.NewWeighted(1)
	w.mu.Lock()
	w.pushCh = make(chan PushEvent, 16)
	w.mu.Unlock()

	// Evaluate the current head right away
	w.evaluate(ctx, log)

	ticker := time.NewTicker(w.Config.PollInterval)
	defer ticker.Stop()

	// Later evaluations run off the loop so that triggers arriving during a
	// long benchmark keep being drained and dropped
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down watch...")
			// Wait for an in-flight evaluation to finish before tearing down
			if err := w.runSemaphore.Acquire(context.Background(), 1); err == nil {
				w.runSemaphore.Release(1)
			}
			return nil
		case <-ticker.C:
			go w.evaluate(ctx, log)
		case event := <-w.pushCh:
			log.Infof("Push to %s advanced head to %s, evaluating", event.Ref, event.After)
			go w.evaluate(ctx, log)
		}
	}
}

// Trigger hands an inbound push event to the watcher. It never blocks: while
// an evaluation of the event is already pending, further events are dropped,
// the next evaluation reads the repository head anyway.
func (w *Watcher) Trigger(event PushEvent) {
	w.mu.Lock()
	pushCh := w.pushCh
	w.mu.Unlock()
	if pushCh == nil {
		return
	}

	select {
	case pushCh <- event:
	default:
	}
}

// Status returns a copy of the most recent evaluation's status, or nil if no
// evaluation started yet.
func (w *Watcher) Status() *RunStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastRun == nil {
		return nil
	}
	status := *w.lastRun
	return &status
}

// evaluate runs an evaluation of the repository head unless one is already in
// flight, in which case the trigger is dropped.
func (w *Watcher) evaluate(ctx context.Context, log *logrus.Entry) {
	if !w.runSemaphore.TryAcquire(1) {
		log.Debug("Evaluation already in flight, dropping trigger")
		return
	}
	defer w.runSemaphore.Release(1)

	if err := w.evaluateHead(ctx, log); err != nil && ctx.Err() == nil {
		log.Errorf("Evaluation failed - %v", err)
	}
}

// evaluateHead benchmarks the repository's current head commit. Heads whose
// commit and recipe already completed an evaluation are skipped. Failures of
// the benchmark itself mark the head as evaluated, failures before that, such
// as an unreachable repository, leave it to be retried on the next trigger.
func (w *Watcher) evaluateHead(ctx context.Context, log *logrus.Entry) error {
	baseID, err := w.Engine.ResolveBase(ctx)
	if err != nil {
		return err
	}

	commit, err := w.Fetcher.Head(ctx)
	if err != nil {
		return err
	}

	recipe := BuildRecipe(baseID)
	key := commit + ":" + recipe.Digest()

	w.mu.Lock()
	unchanged := key == w.lastKey
	w.mu.Unlock()
	if unchanged {
		log.Debugf("Head %s already benchmarked with the current recipe, nothing to do", commit)
		return nil
	}

	status := &RunStatus{
		ID:     uuid.NewString(),
		Commit: commit,
		Image:  imageTag(commit, recipe),

		StartedAt: time.Now(),
		Outcome:   "running",
	}
	w.mu.Lock()
	w.lastRun = status
	w.mu.Unlock()

	log.Infof("Evaluating head commit %s", commit)

	resultPath, env, runErr := w.pipeline.RunOnce(ctx, commit, baseID)

	var notifyErr error
	if runErr == nil {
		notifyErr = w.notifier.Notify(ctx, env)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastKey = key
	status.FinishedAt = time.Now()
	status.ResultPath = resultPath
	switch {
	case runErr != nil:
		status.Outcome = "failure"
		status.Error = runErr.Error()
		return runErr
	case notifyErr != nil:
		status.Outcome = "failure"
		status.Error = notifyErr.Error()
		return notifyErr
	}
	status.Outcome = "success"
	status.Notified = env != nil
	return nil
}
