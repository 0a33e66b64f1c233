package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/store"
)

// memoryBlobStore is a client.StorageClient that keeps objects in a map
type memoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failErr error
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryBlobStore) Name() string { return "memory" }

func (m *memoryBlobStore) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return "", m.failErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.objects[key] = data
	m.types[key] = contentType
	return m.GetPublicURL(key), nil
}

func (m *memoryBlobStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryBlobStore) GetPublicURL(key string) string {
	return "https://blob.test/" + key
}

func (m *memoryBlobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

var _ client.StorageClient = (*memoryBlobStore)(nil)

// newMediaServer serves fake media at any path; /missing returns 404
func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("PNG:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeAtlas struct {
	mu        sync.Mutex
	submit    func(req *client.AtlasSubmitRequest) (*client.SubmitResult, error)
	status    func(jobID string) (*client.ProviderStatus, error)
	submitted []*client.AtlasSubmitRequest
	polls     int
}

func (f *fakeAtlas) Submit(ctx context.Context, req *client.AtlasSubmitRequest) (*client.SubmitResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	return f.submit(req)
}

func (f *fakeAtlas) Status(ctx context.Context, jobID string) (*client.ProviderStatus, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	return f.status(jobID)
}

type fakeCivitai struct {
	submit    func(req *client.CivitaiSubmitRequest) (*client.SubmitResult, error)
	status    func(token string) (*client.ProviderStatus, error)
	submitted []*client.CivitaiSubmitRequest
}

func (f *fakeCivitai) Submit(ctx context.Context, req *client.CivitaiSubmitRequest) (*client.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	return f.submit(req)
}

func (f *fakeCivitai) Status(ctx context.Context, token string) (*client.ProviderStatus, error) {
	return f.status(token)
}

// faultyJobStore fails selected writes of an in-memory job store
type faultyJobStore struct {
	*store.MemoryJobStore

	mu        sync.Mutex
	saveErr   error
	getErr    error
	putFails  int
	putCalled int
}

func (f *faultyJobStore) GetOutcome(ctx context.Context, jobKey string) (*model.JobOutcome, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryJobStore.GetOutcome(ctx, jobKey)
}

func (f *faultyJobStore) SavePending(ctx context.Context, job *model.PendingJob) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryJobStore.SavePending(ctx, job)
}

func (f *faultyJobStore) PutOutcome(ctx context.Context, jobKey string, outcome *model.JobOutcome) error {
	f.mu.Lock()
	f.putCalled++
	if f.putFails > 0 {
		f.putFails--
		f.mu.Unlock()
		return errors.New("redis: connection refused")
	}
	f.mu.Unlock()
	return f.MemoryJobStore.PutOutcome(ctx, jobKey, outcome)
}

type recordingQueue struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (q *recordingQueue) EnqueueReconcile(ctx context.Context, jobKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, jobKey)
	return q.err
}

type recordingNotifier struct {
	mu        sync.Mutex
	progress  []string
	completed map[string]*model.JobOutcome
	failed    map[string]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{completed: map[string]*model.JobOutcome{}, failed: map[string]string{}}
}

func (n *recordingNotifier) NotifyProgress(ref string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, ref)
}

func (n *recordingNotifier) NotifyComplete(ref string, o *model.JobOutcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed[ref] = o
}

func (n *recordingNotifier) NotifyFailed(ref, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[ref] = msg
}

// harness wires every service over in-memory stores
type harness struct {
	media    *httptest.Server
	blobs    *memoryBlobStore
	credits  *store.MemoryCreditStore
	claims   *store.MemoryIdempotencyStore
	records  *store.MemoryGenerationStore
	jobs     *store.MemoryJobStore
	faults   *faultyJobStore
	subs     *store.MemorySubscriptionStore
	queue    *recordingQueue
	notifier *recordingNotifier
	atlas    *fakeAtlas
	civitai  *fakeCivitai
	ledger   *credit.Ledger

	gen       *GenerationService
	reconcile *ReconcileService
	creditSvc *CreditService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		media:    newMediaServer(t),
		blobs:    newMemoryBlobStore(),
		credits:  store.NewMemoryCreditStore(),
		claims:   store.NewMemoryIdempotencyStore(),
		records:  store.NewMemoryGenerationStore(),
		jobs:     store.NewMemoryJobStore(),
		subs:     store.NewMemorySubscriptionStore(),
		queue:    &recordingQueue{},
		notifier: newRecordingNotifier(),
		atlas: &fakeAtlas{
			submit: func(*client.AtlasSubmitRequest) (*client.SubmitResult, error) {
				return nil, errors.New("unexpected atlas submit")
			},
			status: func(string) (*client.ProviderStatus, error) {
				return &client.ProviderStatus{Kind: client.StatusProcessing}, nil
			},
		},
		civitai: &fakeCivitai{
			submit: func(*client.CivitaiSubmitRequest) (*client.SubmitResult, error) {
				return nil, errors.New("unexpected civitai submit")
			},
			status: func(string) (*client.ProviderStatus, error) {
				return &client.ProviderStatus{Kind: client.StatusProcessing}, nil
			},
		},
	}

	h.faults = &faultyJobStore{MemoryJobStore: h.jobs}
	h.ledger = credit.NewLedger(h.credits, h.claims)
	providers := Providers{Atlas: h.atlas, Civitai: h.civitai}
	relay := NewRelayService(h.blobs, nil, nil)
	catalog := credit.DefaultCatalog()

	h.gen = NewGenerationService(GenerationDeps{
		Catalog:   catalog,
		Ledger:    h.ledger,
		Tiers:     credit.NewTierPolicy(h.subs, nil, []string{"pro", "studio"}, nil),
		Providers: providers,
		Relay:     relay,
		Records:   h.records,
		Jobs:      h.faults,
		Queue:     h.queue,
	})
	h.reconcile = NewReconcileService(ReconcileDeps{
		Ledger:    h.ledger,
		Providers: providers,
		Relay:     relay,
		Records:   h.records,
		Jobs:      h.faults,
		Claims:    h.claims,
		Notifier:  h.notifier,
	})
	h.creditSvc = NewCreditService(h.ledger, h.faults)
	return h
}

func (h *harness) mediaURL(name string) string {
	return fmt.Sprintf("%s/%s", h.media.URL, name)
}

func (h *harness) balance(t *testing.T, user string) model.CreditBalance {
	t.Helper()
	b, err := h.credits.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return *b
}
