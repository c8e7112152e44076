// Package translate drives the translation of a folder of JSON pages
// through the Gemini API: one request per file, rate-limit backoff with key
// rotation, resume by skipping outputs that already exist, and optional
// parallel workers each bound to its own API key.
package translate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wwmviet/wwmtext/dict"
	"github.com/wwmviet/wwmtext/gemini"
	"github.com/wwmviet/wwmtext/lockfile"
)

// DefaultSystemPrompt primes the chat before every file.
const DefaultSystemPrompt = `You are a translator of the game Where Winds Meets. You master Chinese and Vietnamese languages.
Translate the following Chinese text to Vietnamese accurately, not missing any Chinese word, maintaining the game's tone and context.
Just response as json, do not add any extra explanation like ` + "```"

// DefaultAcknowledgement is the model turn that follows DefaultSystemPrompt.
const DefaultAcknowledgement = "Understood. I will translate Chinese text to Vietnamese accurately in JSON format."

// Delays between files.
const (
	DefaultSuccessDelay         = 4 * time.Second
	DefaultFailureDelay         = 10 * time.Second
	DefaultParallelSuccessDelay = 2 * time.Second
	DefaultParallelFailureDelay = 5 * time.Second
)

// ErrEmptyInput is returned for an input file with no content.
var ErrEmptyInput = errors.New("input file is empty")

// Client sends one chat turn to the model. *gemini.Client implements it.
type Client interface {
	StreamChat(ctx context.Context, apiKey string, history []gemini.Message, prompt string) (string, error)
}

// Schedule is the rate-limit backoff: Base * 2^attempt, for at most
// MaxRetries retries.
type Schedule struct {
	Base       time.Duration
	MaxRetries int
}

// DefaultSchedule waits 30s, 60s, then 120s.
func DefaultSchedule() Schedule {
	return Schedule{Base: 30 * time.Second, MaxRetries: 3}
}

// Backoff returns the wait before retry number attempt+1, or false when the
// retry budget is spent.
func (s Schedule) Backoff(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= s.MaxRetries {
		return 0, false
	}
	return s.Base << attempt, true
}

// Status is the outcome of one job.
type Status string

const (
	StatusTranslated Status = "translated"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
	StatusPending    Status = "pending" // dry run only
)

// Progress is reported after every job.
type Progress struct {
	// Worker is the 1-based worker number.
	Worker int
	Job    Job
	Status Status
	// Done counts finished jobs of every status; Total is the job count.
	Done, Total int
	// Elapsed is the time spent on this job (zero for skips).
	Elapsed time.Duration
	// ETA is remaining jobs times the average translation time.
	ETA time.Duration
	Err error
}

// Options controls a translation run.
type Options struct {
	// SystemPrompt overrides DefaultSystemPrompt.
	SystemPrompt string
	// Acknowledgement overrides DefaultAcknowledgement.
	Acknowledgement string
	// Workers caps the number of parallel workers. 0 means one per key.
	Workers int
	// Sequential delays (one worker). 0 means the default, negative disables.
	SuccessDelay time.Duration
	FailureDelay time.Duration
	// Parallel delays (several workers).
	ParallelSuccessDelay time.Duration
	ParallelFailureDelay time.Duration
	// Backoff is the rate-limit retry schedule. Zero value means DefaultSchedule.
	Backoff Schedule
	// RequestsPerMinute limits calls per API key. 0 disables the limiter.
	RequestsPerMinute int
	// DryRun reports what would be translated without calling the API.
	DryRun bool
	// Lock, when set, records input checksums and flags stale outputs.
	Lock *lockfile.LockFile

	// OnLog emits log messages during translation.
	OnLog func(format string, args ...any)
	// OnWarn emits retry and stale-output notices.
	OnWarn func(format string, args ...any)
	// OnError emits job failures.
	OnError func(format string, args ...any)
	// OnProgress is called after each job.
	OnProgress func(Progress)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) warn(format string, args ...any) {
	if o.OnWarn != nil {
		o.OnWarn(format, args...)
	} else {
		o.log(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else {
		o.log(format, args...)
	}
}

func (o *Options) schedule() Schedule {
	if o.Backoff == (Schedule{}) {
		return DefaultSchedule()
	}
	return o.Backoff
}

func (o *Options) history() []gemini.Message {
	prompt := o.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	ack := o.Acknowledgement
	if ack == "" {
		ack = DefaultAcknowledgement
	}
	return []gemini.Message{
		{Role: gemini.RoleUser, Text: prompt},
		{Role: gemini.RoleModel, Text: ack},
	}
}

func (o *Options) delays(parallel bool) (success, failure time.Duration) {
	if parallel {
		return pickDelay(o.ParallelSuccessDelay, DefaultParallelSuccessDelay),
			pickDelay(o.ParallelFailureDelay, DefaultParallelFailureDelay)
	}
	return pickDelay(o.SuccessDelay, DefaultSuccessDelay),
		pickDelay(o.FailureDelay, DefaultFailureDelay)
}

func pickDelay(v, def time.Duration) time.Duration {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return def
	}
	return v
}

// Summary is the outcome of a run.
type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	// Pending counts jobs a dry run would translate.
	Pending int
	// Elapsed is wall-clock time of the run.
	Elapsed time.Duration
	// AvgTime is the mean time of a translated file.
	AvgTime time.Duration
	// FailedJobs lists failed input names in completion order.
	FailedJobs []string
}

// NotRun returns the number of jobs never attempted (cancellation).
func (s Summary) NotRun() int {
	return s.Total - s.Succeeded - s.Skipped - s.Failed - s.Pending
}

// JobError is the failure of one job, as aggregated by Run.
type JobError struct {
	Job string
	Err error
}

func (e *JobError) Error() string { return e.Job + ": " + e.Err.Error() }

func (e *JobError) Unwrap() error { return e.Err }

// Driver runs translation jobs.
type Driver struct {
	client   Client
	keys     *Rotation
	opts     Options
	limiters map[string]*rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver returns a driver calling client with keys.
func NewDriver(client Client, keys []string, opts Options) (*Driver, error) {
	if len(keys) == 0 {
		return nil, errors.New("no API keys configured")
	}
	d := &Driver{
		client: client,
		keys:   NewRotation(keys),
		opts:   opts,
		now:    time.Now,
		sleep:  sleepContext,
	}
	if opts.RequestsPerMinute > 0 {
		d.limiters = make(map[string]*rate.Limiter, len(keys))
		every := rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
		for _, k := range keys {
			if _, ok := d.limiters[k]; !ok {
				d.limiters[k] = rate.NewLimiter(every, 1)
			}
		}
	}
	return d, nil
}

// Workers returns the number of workers a run over n jobs uses.
func (d *Driver) Workers(n int) int {
	w := d.opts.Workers
	if w <= 0 {
		w = d.keys.Len()
	}
	w = min(w, d.keys.Len(), n)
	if w < 1 {
		return 1
	}
	// Chunks of ceil(n/w) may need fewer workers than asked for.
	return len(Partition(make([]Job, n), w))
}

// Run processes jobs and returns a summary. The error aggregates failed
// jobs and cancellation; the summary is valid either way.
func (d *Driver) Run(ctx context.Context, jobs []Job) (Summary, error) {
	start := d.now()
	t := &tracker{total: len(jobs), opts: &d.opts}
	if len(jobs) == 0 {
		return t.summary(0), nil
	}

	chunks := Partition(jobs, d.Workers(len(jobs)))
	parallel := len(chunks) > 1
	success, failure := d.opts.delays(parallel)

	var eg errgroup.Group
	for i, chunk := range chunks {
		w := worker{
			id:      i + 1,
			key:     d.keys.At(i),
			jobs:    chunk,
			success: success,
			failure: failure,
		}
		eg.Go(func() error {
			d.work(ctx, w, t)
			return nil
		})
	}
	_ = eg.Wait()

	sum := t.summary(d.now().Sub(start))

	var errs *multierror.Error
	for _, f := range t.failures {
		errs = multierror.Append(errs, f)
	}
	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("interrupted with %d files not started: %w", sum.NotRun(), err))
	}
	if d.opts.Lock != nil && !d.opts.DryRun {
		removed := d.opts.Lock.Clean(lo.Map(jobs, func(j Job, _ int) string { return j.Name }))
		if sum.Succeeded > 0 || removed > 0 {
			if err := d.opts.Lock.Save(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("saving lock file: %w", err))
			}
		}
	}
	return sum, errs.ErrorOrNil()
}

type worker struct {
	id      int
	key     string
	jobs    []Job
	success time.Duration
	failure time.Duration
}

func (d *Driver) work(ctx context.Context, w worker, t *tracker) {
	for i, job := range w.jobs {
		if ctx.Err() != nil {
			return
		}

		if fileExists(job.Output) {
			d.checkStale(job)
			t.report(w.id, job, StatusSkipped, 0, nil)
			continue
		}
		if d.opts.DryRun {
			t.report(w.id, job, StatusPending, 0, nil)
			continue
		}

		elapsed, err := d.translateJob(ctx, w.key, job)
		if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Interrupted during a backoff wait; the job was not finished.
			return
		}

		delay := w.success
		if err != nil {
			t.report(w.id, job, StatusFailed, elapsed, err)
			delay = w.failure
		} else {
			t.report(w.id, job, StatusTranslated, elapsed, nil)
		}

		if i < len(w.jobs)-1 && delay > 0 {
			if d.sleep(ctx, delay) != nil {
				return
			}
		}
	}
}

// translateJob sends one file, retrying rate-limit errors on the backoff
// schedule and rotating keys between attempts.
func (d *Driver) translateJob(ctx context.Context, key string, job Job) (time.Duration, error) {
	data, err := os.ReadFile(job.Input)
	if err != nil {
		return 0, fmt.Errorf("reading input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, ErrEmptyInput
	}

	history := d.opts.history()
	schedule := d.opts.schedule()
	start := d.now()

	for attempt := 0; ; attempt++ {
		if lim := d.limiters[key]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return 0, err
			}
		}

		// The request itself is not cut short by an interrupt.
		reply, err := d.client.StreamChat(context.WithoutCancel(ctx), key, history, string(data))
		if err == nil {
			out, err := ExtractJSON(reply)
			if err != nil {
				return d.now().Sub(start), err
			}
			if err := dict.WriteFileAtomic(job.Output, []byte(out)); err != nil {
				return d.now().Sub(start), err
			}
			if d.opts.Lock != nil {
				d.opts.Lock.Update(filepath.Base(job.Output), job.Name, data)
			}
			return d.now().Sub(start), nil
		}

		if !gemini.IsRateLimit(err) {
			return d.now().Sub(start), err
		}
		wait, ok := schedule.Backoff(attempt)
		if !ok {
			return d.now().Sub(start), fmt.Errorf("rate limited after %d retries: %w", attempt, err)
		}
		d.opts.warn("%s: rate limited, retrying in %s (%d/%d)", job.Name, wait, attempt+1, schedule.MaxRetries)
		if err := d.sleep(ctx, wait); err != nil {
			return d.now().Sub(start), err
		}
		if d.keys.Len() > 1 {
			key = d.keys.Next()
		}
	}
}

func (d *Driver) checkStale(job Job) {
	if d.opts.Lock == nil {
		return
	}
	data, err := os.ReadFile(job.Input)
	if err != nil {
		return
	}
	output := filepath.Base(job.Output)
	switch d.opts.Lock.Check(output, job.Name, data) {
	case lockfile.Changed:
		d.opts.warn("%s changed since %s was written; delete the output to translate it again", job.Name, output)
	case lockfile.Unknown:
		d.opts.log("%s: no checksum recorded for %s, cannot tell whether it is stale", job.Name, output)
	}
}

// tracker aggregates progress across workers.
type tracker struct {
	mu         sync.Mutex
	opts       *Options
	total      int
	succeeded  int
	skipped    int
	failed     int
	pending    int
	busy       time.Duration
	failedJobs []string
	failures   []error
}

func (t *tracker) report(workerID int, job Job, status Status, elapsed time.Duration, err error) {
	t.mu.Lock()
	switch status {
	case StatusTranslated:
		t.succeeded++
		t.busy += elapsed
	case StatusSkipped:
		t.skipped++
	case StatusPending:
		t.pending++
	case StatusFailed:
		t.failed++
		t.failedJobs = append(t.failedJobs, job.Name)
		t.failures = append(t.failures, &JobError{Job: job.Name, Err: err})
	}
	done := t.succeeded + t.skipped + t.failed + t.pending
	var eta time.Duration
	if t.succeeded > 0 {
		eta = time.Duration(t.total-done) * (t.busy / time.Duration(t.succeeded))
	}
	p := Progress{
		Worker:  workerID,
		Job:     job,
		Status:  status,
		Done:    done,
		Total:   t.total,
		Elapsed: elapsed,
		ETA:     eta,
		Err:     err,
	}
	t.mu.Unlock()

	if status == StatusFailed {
		t.opts.logError("%s: %v", job.Name, err)
	}
	if t.opts.OnProgress != nil {
		t.opts.OnProgress(p)
	}
}

func (t *tracker) summary(elapsed time.Duration) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{
		Total:      t.total,
		Succeeded:  t.succeeded,
		Skipped:    t.skipped,
		Failed:     t.failed,
		Pending:    t.pending,
		Elapsed:    elapsed,
		FailedJobs: append([]string(nil), t.failedJobs...),
	}
	if t.succeeded > 0 {
		s.AvgTime = t.busy / time.Duration(t.succeeded)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
