package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxel/api/internal/model"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type tickers struct {
	mu  sync.Mutex
	all []*manualTicker
}

func (t *tickers) factory(time.Duration) Ticker {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := &manualTicker{ch: make(chan time.Time)}
	t.all = append(t.all, m)
	return m
}

func (t *tickers) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.all)
}

func (t *tickers) last() *manualTicker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.all[len(t.all)-1]
}

// fakeAPI scripts Status replies per job ref
type fakeAPI struct {
	mu          sync.Mutex
	generate    *model.GenerateResponse
	statuses    map[string][]statusReply
	statusCalls []string
	settled     []string
	pending     []model.PendingJob
	block       chan struct{}
	entered     chan struct{}
}

type statusReply struct {
	out *model.JobOutcome
	err error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{statuses: make(map[string][]statusReply)}
}

func (f *fakeAPI) script(ref string, replies ...statusReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = append(f.statuses[ref], replies...)
}

func (f *fakeAPI) Generate(ctx context.Context, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := *f.generate
	return &r, nil
}

func (f *fakeAPI) Status(ctx context.Context, q *model.StatusQuery) (*model.JobOutcome, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ref := q.Ref()
	f.statusCalls = append(f.statusCalls, ref)
	replies := f.statuses[ref]
	if len(replies) == 0 {
		return &model.JobOutcome{Status: model.JobStatusProcessing}, nil
	}
	r := replies[0]
	if len(replies) > 1 {
		f.statuses[ref] = replies[1:]
	}
	return r.out, r.err
}

func (f *fakeAPI) Settle(ctx context.Context, req *model.SettleRequest) (*model.SettleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, req.Ref())
	return &model.SettleResponse{Settled: true}, nil
}

func (f *fakeAPI) Pending(ctx context.Context) ([]model.PendingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PendingJob(nil), f.pending...), nil
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statusCalls...)
}

func (f *fakeAPI) settledRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.settled...)
}

var (
	processing = statusReply{out: &model.JobOutcome{Status: model.JobStatusProcessing}}
	netErr     = statusReply{err: errors.New("connection reset")}
)

func newTestOrchestrator(api API, opts ...Option) (*Orchestrator, *tickers) {
	tk := &tickers{}
	o := New(api, append([]Option{WithTickerFactory(tk.factory)}, opts...)...)
	return o, tk
}

func submitAsync(t *testing.T, o *Orchestrator, api *fakeAPI, resp model.GenerateResponse, prompt string) {
	t.Helper()
	resp.Status = model.JobStatusProcessing
	api.mu.Lock()
	api.generate = &resp
	api.mu.Unlock()
	_, err := o.Submit(context.Background(), &model.GenerateRequest{ModelID: "m", Prompt: prompt})
	require.NoError(t, err)
}

func TestSubmit_SyncGoesStraightToHistory(t *testing.T) {
	api := newFakeAPI()
	api.generate = &model.GenerateResponse{
		Status:       model.JobStatusCompleted,
		Provider:     model.ProviderAtlas,
		MediaURL:     "https://cdn/a.png",
		GenerationID: "g1",
		MediaType:    model.MediaTypeImage,
	}

	var emitted []model.GeneratedItem
	o, tk := newTestOrchestrator(api, OnItems(func(items []model.GeneratedItem) { emitted = items }))
	defer o.Close()

	_, err := o.Submit(context.Background(), &model.GenerateRequest{ModelID: "1", Prompt: "a cat"})
	require.NoError(t, err)

	hist := o.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "g1", hist[0].ID)
	assert.Equal(t, "a cat", hist[0].Prompt)
	assert.NotEmpty(t, hist[0].BatchID)
	assert.Equal(t, hist, emitted)
	assert.Empty(t, o.Pending())
	assert.Equal(t, 0, tk.count())
	assert.False(t, o.Polling())
}

func TestSubmit_SyncWithoutIDsGetsFreshOnes(t *testing.T) {
	api := newFakeAPI()
	api.generate = &model.GenerateResponse{
		Status:   model.JobStatusCompleted,
		Provider: model.ProviderAtlas,
		Results: []model.GeneratedResult{
			{MediaURL: "https://cdn/1.png"},
			{MediaURL: "https://cdn/2.png"},
		},
	}
	o, _ := newTestOrchestrator(api)
	defer o.Close()

	_, err := o.Submit(context.Background(), &model.GenerateRequest{ModelID: "1", Prompt: "p"})
	require.NoError(t, err)

	hist := o.History()
	require.Len(t, hist, 2)
	assert.NotEmpty(t, hist[0].ID)
	assert.NotEqual(t, hist[0].ID, hist[1].ID)
	assert.Equal(t, hist[0].BatchID, hist[1].BatchID)
	assert.Equal(t, "https://cdn/1.png", hist[0].MediaURL)
}

func TestSubmit_AsyncStartsPolling(t *testing.T) {
	api := newFakeAPI()
	o, tk := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderCivitai, Token: "t1"}, "q")

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "atlas:j1", pending[0].Key())
	assert.Equal(t, "q", pending[1].Prompt)
	assert.True(t, o.Polling())
	assert.Equal(t, 1, tk.count(), "one ticker shared by all pending jobs")
}

func TestSubmit_RejectsProcessingWithoutRef(t *testing.T) {
	api := newFakeAPI()
	api.generate = &model.GenerateResponse{Status: model.JobStatusProcessing, Provider: model.ProviderAtlas}
	o, _ := newTestOrchestrator(api)
	defer o.Close()

	_, err := o.Submit(context.Background(), &model.GenerateRequest{ModelID: "1", Prompt: "p"})
	assert.ErrorIs(t, err, model.ErrJobRefMissing)
	assert.Empty(t, o.Pending())
}

func TestSweep_StopsTickerWhenDrained(t *testing.T) {
	api := newFakeAPI()
	o, tk := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	api.script("j1", processing, statusReply{out: &model.JobOutcome{
		Status: model.JobStatusCompleted, MediaURL: "https://cdn/v.mp4", GenerationID: "g1", BatchID: "b1",
	}})

	require.True(t, o.Sweep(context.Background()))
	assert.True(t, o.Polling())
	assert.False(t, tk.last().stopped.Load())

	require.True(t, o.Sweep(context.Background()))
	assert.False(t, o.Polling())
	assert.True(t, tk.last().stopped.Load())
	assert.Empty(t, o.Pending())

	// a drained set makes no further status calls
	before := len(api.calls())
	o.Sweep(context.Background())
	assert.Len(t, api.calls(), before)

	assert.Equal(t, []string{"j1"}, api.settledRefs())
	require.Len(t, o.History(), 1)
	assert.Equal(t, "b1", o.History()[0].BatchID)
}

func TestSweep_ErrorBudgetEvicts(t *testing.T) {
	api := newFakeAPI()
	var failedJob model.PendingJob
	var reason string
	o, _ := newTestOrchestrator(api, OnFailed(func(job model.PendingJob, r string) {
		failedJob, reason = job, r
	}))
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	for i := 0; i < model.MaxPollErrors; i++ {
		api.script("j1", netErr)
	}

	for i := 0; i < model.MaxPollErrors-1; i++ {
		o.Sweep(context.Background())
		require.Len(t, o.Pending(), 1)
		assert.Equal(t, i+1, o.Pending()[0].ErrorCount)
	}

	o.Sweep(context.Background())
	assert.Empty(t, o.Pending())
	assert.False(t, o.Polling())
	assert.Equal(t, "j1", failedJob.JobID)
	assert.Contains(t, reason, "connection reset")
	assert.Empty(t, o.History())
	assert.Empty(t, api.settledRefs())
	assert.Len(t, api.calls(), model.MaxPollErrors)
}

func TestSweep_SuccessResetsErrorCount(t *testing.T) {
	api := newFakeAPI()
	o, _ := newTestOrchestrator(api, WithMaxErrors(3))
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	api.script("j1", netErr, netErr, processing, netErr, netErr, processing)

	for i := 0; i < 6; i++ {
		o.Sweep(context.Background())
	}
	require.Len(t, o.Pending(), 1)
	assert.Equal(t, 0, o.Pending()[0].ErrorCount)
}

func TestSweep_UpstreamFailureDropsWithoutSettle(t *testing.T) {
	api := newFakeAPI()
	var reasons []string
	o, _ := newTestOrchestrator(api, OnFailed(func(_ model.PendingJob, r string) { reasons = append(reasons, r) }))
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderCivitai, Token: "t1"}, "p")
	api.script("t1", statusReply{out: &model.JobOutcome{Status: model.JobStatusFailed, Error: "nsfw filter"}})

	o.Sweep(context.Background())
	assert.Empty(t, o.Pending())
	assert.Equal(t, []string{"nsfw filter"}, reasons)
	assert.Empty(t, api.settledRefs())
}

func TestSweep_UnknownStatusStaysPending(t *testing.T) {
	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	api.script("j1", statusReply{out: &model.JobOutcome{Status: "queued"}})

	o.Sweep(context.Background())
	require.Len(t, o.Pending(), 1)
	assert.Equal(t, 0, o.Pending()[0].ErrorCount)
}

func TestSweep_MergesOncePerSweepNewestFirst(t *testing.T) {
	api := newFakeAPI()
	var batches [][]model.GeneratedItem
	o, _ := newTestOrchestrator(api, OnItems(func(items []model.GeneratedItem) { batches = append(batches, items) }))
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "old"}, "first")
	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderCivitai, Token: "batch"}, "second")
	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "slow"}, "third")

	api.script("old", statusReply{out: &model.JobOutcome{Status: model.JobStatusCompleted, MediaURL: "https://cdn/old.png", GenerationID: "o1"}})
	api.script("batch", statusReply{out: &model.JobOutcome{
		Status:  model.JobStatusCompleted,
		BatchID: "b",
		Results: []model.GeneratedResult{
			{MediaURL: "https://cdn/1.png", GenerationID: "c1"},
			{MediaURL: "https://cdn/2.png", GenerationID: "c2"},
			{MediaURL: "https://cdn/3.png", GenerationID: "c3"},
			{MediaURL: "https://cdn/4.png", GenerationID: "c4"},
		},
	}})

	o.Sweep(context.Background())

	require.Len(t, batches, 1, "one merge per sweep")
	ids := make([]string, 0)
	for _, it := range o.History() {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"o1", "c1", "c2", "c3", "c4"}, ids)
	assert.Equal(t, []string{"old", "batch", "slow"}, api.calls(), "sequential in enumeration order")

	// a later sweep's items go in front
	api.script("slow", statusReply{out: &model.JobOutcome{Status: model.JobStatusCompleted, MediaURL: "https://cdn/s.mp4", GenerationID: "s1"}})
	o.Sweep(context.Background())
	assert.Equal(t, "s1", o.History()[0].ID)
	assert.Len(t, o.History(), 6)
	assert.ElementsMatch(t, []string{"old", "batch", "slow"}, api.settledRefs())
}

func TestSweep_BatchItemsShareBatchPromptModel(t *testing.T) {
	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderCivitai, Token: "tok"}, "four cats")
	api.script("tok", statusReply{out: &model.JobOutcome{
		Status: model.JobStatusCompleted,
		Results: []model.GeneratedResult{
			{MediaURL: "https://cdn/1.png"}, {MediaURL: "https://cdn/2.png"},
			{MediaURL: "https://cdn/3.png"}, {MediaURL: "https://cdn/4.png"},
		},
	}})

	o.Sweep(context.Background())
	hist := o.History()
	require.Len(t, hist, 4)
	for _, it := range hist {
		assert.Equal(t, hist[0].BatchID, it.BatchID)
		assert.Equal(t, "four cats", it.Prompt)
		assert.Equal(t, "m", it.ModelID)
	}
}

func TestSweep_GuardDropsOverlappingSweep(t *testing.T) {
	api := newFakeAPI()
	api.block = make(chan struct{})
	api.entered = make(chan struct{})
	o, _ := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")

	done := make(chan bool)
	go func() { done <- o.Sweep(context.Background()) }()
	<-api.entered

	assert.False(t, o.Sweep(context.Background()), "second sweep must be dropped")

	close(api.block)
	assert.True(t, <-done)
	assert.Len(t, api.calls(), 1)
}

func TestTickDrivesSweep(t *testing.T) {
	api := newFakeAPI()
	o, tk := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	api.script("j1", statusReply{out: &model.JobOutcome{Status: model.JobStatusCompleted, MediaURL: "https://cdn/x.png"}})

	tk.last().ch <- time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
	assert.Len(t, o.History(), 1)
	assert.True(t, tk.last().stopped.Load())
}

func TestPollingRestartsAfterDrain(t *testing.T) {
	api := newFakeAPI()
	o, tk := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	api.script("j1", statusReply{out: &model.JobOutcome{Status: model.JobStatusFailed}})
	o.Sweep(context.Background())
	require.False(t, o.Polling())

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j2"}, "p")
	assert.True(t, o.Polling())
	assert.Equal(t, 2, tk.count())
}

func TestClose_AbandonsWithoutServerCalls(t *testing.T) {
	api := newFakeAPI()
	o, tk := newTestOrchestrator(api)

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	o.Close()

	assert.True(t, tk.last().stopped.Load())
	assert.False(t, o.Polling())
	assert.Empty(t, api.calls())
	assert.Empty(t, api.settledRefs())
	require.NoError(t, o.Wait(context.Background()))

	_, err := o.Submit(context.Background(), &model.GenerateRequest{ModelID: "1", Prompt: "p"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_CancelsSweepInFlight(t *testing.T) {
	api := newFakeAPI()
	api.block = make(chan struct{})
	api.entered = make(chan struct{})
	o, tk := newTestOrchestrator(api)

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	tk.last().ch <- time.Now()
	<-api.entered

	closed := make(chan struct{})
	go func() {
		o.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		close(api.block)
		t.Fatal("Close waited on a blocked status call")
	}
	assert.Empty(t, api.settledRefs())
	assert.Empty(t, o.History())
}

func TestResume_DedupesByKey(t *testing.T) {
	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)
	defer o.Close()

	submitAsync(t, o, api, model.GenerateResponse{Provider: model.ProviderAtlas, JobID: "j1"}, "p")
	api.pending = []model.PendingJob{
		{ID: "x", Provider: model.ProviderAtlas, JobID: "j1", ErrorCount: 4},
		{ID: "y", Provider: model.ProviderCivitai, Token: "t9", ErrorCount: 4},
		{ID: "z", Provider: model.ProviderCivitai},
	}

	n, err := o.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "civitai:t9", pending[1].Key())
	assert.Equal(t, 0, pending[1].ErrorCount)
}
