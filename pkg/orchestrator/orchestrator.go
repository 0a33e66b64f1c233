// Package orchestrator tracks generation jobs on the client side. It submits
// requests, polls in-flight jobs on a fixed cadence, merges finished outputs
// into a newest-first history and settles each completed job with the API.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/model"
)

// DefaultInterval is the poll cadence
const DefaultInterval = 3 * time.Second

// ErrClosed is returned by Submit and Resume after Close
var ErrClosed = errors.New("orchestrator closed")

// API is the slice of the HTTP API the orchestrator needs.
// *apiclient.Client implements it.
type API interface {
	Generate(ctx context.Context, req *model.GenerateRequest) (*model.GenerateResponse, error)
	Status(ctx context.Context, q *model.StatusQuery) (*model.JobOutcome, error)
	Settle(ctx context.Context, req *model.SettleRequest) (*model.SettleResponse, error)
	Pending(ctx context.Context) ([]model.PendingJob, error)
}

// Ticker is the part of time.Ticker the poll loop uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory starts a ticker firing every d
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTimeTicker is the default TickerFactory
func NewTimeTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithTickerFactory(f TickerFactory) Option {
	return func(o *Orchestrator) { o.newTicker = f }
}

// WithMaxErrors sets the consecutive poll failure budget per job
func WithMaxErrors(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxErrors = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// OnItems is called once per sweep with the items that sweep produced, and
// once per synchronous Submit.
func OnItems(fn func([]model.GeneratedItem)) Option {
	return func(o *Orchestrator) { o.onItems = fn }
}

// OnFailed is called for every job that ends in failure
func OnFailed(fn func(job model.PendingJob, reason string)) Option {
	return func(o *Orchestrator) { o.onFailed = fn }
}

// Orchestrator owns the pending set and the history list. All methods are
// safe for concurrent use.
type Orchestrator struct {
	api       API
	interval  time.Duration
	newTicker TickerFactory
	maxErrors int
	log       *zap.Logger
	onItems   func([]model.GeneratedItem)
	onFailed  func(model.PendingJob, string)

	mu      sync.Mutex
	pending []model.PendingJob
	history []model.GeneratedItem
	ticker  Ticker
	stop    chan struct{}
	idle    chan struct{}
	closed  bool

	sweeping atomic.Bool
	wg       sync.WaitGroup

	// ctx scopes background sweeps; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an orchestrator over api. Nothing polls until a job is pending.
func New(api API, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:       api,
		interval:  DefaultInterval,
		newTicker: NewTimeTicker,
		maxErrors: model.MaxPollErrors,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("orchestrator")
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Submit sends req to the API. A completed reply goes straight to history;
// a processing reply becomes a pending job and starts the poll loop.
func (o *Orchestrator) Submit(ctx context.Context, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}

	resp, err := o.api.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case model.JobStatusCompleted:
		items := itemsFromResponse(resp, req)
		o.mu.Lock()
		o.history = prepend(o.history, items)
		o.mu.Unlock()
		o.emitItems(items)

	case model.JobStatusProcessing:
		job := model.PendingJob{
			ID:        resp.PendingID,
			Provider:  resp.Provider,
			JobID:     resp.JobID,
			Token:     resp.Token,
			Prompt:    req.Prompt,
			ModelID:   req.ModelID,
			MediaType: resp.MediaType,
			Settings:  req.Params,
			CreatedAt: resp.CreatedAt,
		}
		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		if resp.CreditCost != nil {
			job.CreditCost = *resp.CreditCost
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("unusable processing response: %w", err)
		}
		o.track(job)

	default:
		return nil, fmt.Errorf("unexpected generate status %q", resp.Status)
	}

	return resp, nil
}

// Resume reloads in-flight jobs from the server, for example after a
// restart, and returns how many were added.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	if o.isClosed() {
		return 0, ErrClosed
	}
	jobs, err := o.api.Pending(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, job := range jobs {
		if job.Validate() != nil {
			continue
		}
		job.ErrorCount = 0
		if o.track(job) {
			added++
		}
	}
	return added, nil
}

// track adds job unless a job with the same key is already pending
func (o *Orchestrator) track(job model.PendingJob) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	for _, p := range o.pending {
		if p.Key() == job.Key() {
			return false
		}
	}
	o.pending = append(o.pending, job)
	o.startLocked()
	return true
}

func (o *Orchestrator) startLocked() {
	if o.ticker != nil {
		return
	}
	t := o.newTicker(o.interval)
	stop := make(chan struct{})
	o.ticker = t
	o.stop = stop
	o.idle = make(chan struct{})

	o.wg.Add(1)
	go o.run(t, stop)
}

func (o *Orchestrator) stopLocked() {
	if o.ticker == nil {
		return
	}
	o.ticker.Stop()
	close(o.stop)
	close(o.idle)
	o.ticker = nil
	o.stop = nil
}

func (o *Orchestrator) run(t Ticker, stop chan struct{}) {
	defer o.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.Sweep(o.ctx)
			}()
		}
	}
}

type failure struct {
	job    model.PendingJob
	reason string
}

// Sweep polls every pending job once, in the order they were added. It
// returns false without doing anything when another sweep is in progress.
func (o *Orchestrator) Sweep(ctx context.Context) bool {
	if !o.sweeping.CompareAndSwap(false, true) {
		return false
	}
	defer o.sweeping.Store(false)

	o.mu.Lock()
	snapshot := append([]model.PendingJob(nil), o.pending...)
	o.mu.Unlock()

	var (
		items     []model.GeneratedItem
		completed []model.PendingJob
		failed    []failure
		done      = make(map[string]bool)
		errCounts = make(map[string]int)
	)

	for _, job := range snapshot {
		out, err := o.api.Status(ctx, &model.StatusQuery{
			Provider:  job.Provider,
			JobID:     job.JobID,
			Token:     job.Token,
			Prompt:    job.Prompt,
			ModelID:   job.ModelID,
			MediaType: job.MediaType,
		})
		if err != nil {
			count := job.ErrorCount + 1
			o.log.Warn("status poll failed",
				zap.String("job_ref", job.Key()), zap.Int("error_count", count), zap.Error(err))
			if count >= o.maxErrors {
				done[job.ID] = true
				failed = append(failed, failure{job: job, reason: fmt.Sprintf("gave up after %d consecutive errors: %v", count, err)})
			} else {
				errCounts[job.ID] = count
			}
			continue
		}

		errCounts[job.ID] = 0
		switch out.Status {
		case model.JobStatusCompleted:
			done[job.ID] = true
			completed = append(completed, job)
			items = append(items, itemsFromOutcome(out, &job)...)
		case model.JobStatusFailed:
			done[job.ID] = true
			reason := out.Error
			if reason == "" {
				reason = "generation failed"
			}
			failed = append(failed, failure{job: job, reason: reason})
		}
	}

	o.mu.Lock()
	kept := o.pending[:0]
	for _, p := range o.pending {
		if done[p.ID] {
			continue
		}
		if n, ok := errCounts[p.ID]; ok {
			p.ErrorCount = n
		}
		kept = append(kept, p)
	}
	o.pending = kept
	if len(items) > 0 {
		o.history = prepend(o.history, items)
	}
	o.mu.Unlock()

	o.emitItems(items)
	for _, f := range failed {
		if o.onFailed != nil {
			o.onFailed(f.job, f.reason)
		}
	}
	for _, job := range completed {
		o.settle(ctx, job)
	}

	// Stop only after hooks and settles so Wait returns with all of them done.
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.stopLocked()
	}
	o.mu.Unlock()
	return true
}

// settle is idempotent server-side, so a failure here only delays the charge
// until the server's own reconcile gets to it.
func (o *Orchestrator) settle(ctx context.Context, job model.PendingJob) {
	res, err := o.api.Settle(ctx, &model.SettleRequest{Provider: job.Provider, JobID: job.JobID, Token: job.Token})
	if err != nil {
		o.log.Warn("settle failed", zap.String("job_ref", job.Key()), zap.Error(err))
		return
	}
	o.log.Debug("settled",
		zap.String("job_ref", job.Key()),
		zap.Bool("already_settled", res.AlreadySettled))
}

// Wait blocks until the pending set drains, Close is called or ctx ends
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	running := o.ticker != nil
	o.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops polling and cancels requests of a sweep in progress. Pending
// jobs are abandoned locally; the server keeps reconciling them and they can
// be picked up again with Resume.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.stopLocked()
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// Pending returns a copy of the pending set in submission order
func (o *Orchestrator) Pending() []model.PendingJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.PendingJob(nil), o.pending...)
}

// History returns a copy of the history, newest first
func (o *Orchestrator) History() []model.GeneratedItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.GeneratedItem(nil), o.history...)
}

// Polling reports whether the poll loop is running
func (o *Orchestrator) Polling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticker != nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) emitItems(items []model.GeneratedItem) {
	if len(items) > 0 && o.onItems != nil {
		o.onItems(items)
	}
}

// prepend puts items in front of history, keeping the order of items
func prepend(history, items []model.GeneratedItem) []model.GeneratedItem {
	out := make([]model.GeneratedItem, 0, len(items)+len(history))
	out = append(out, items...)
	return append(out, history...)
}
