package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/auth"
	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/config"
	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/handler"
	"github.com/nyxel/api/internal/middleware"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/service"
	"github.com/nyxel/api/internal/store"
	"github.com/nyxel/api/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
)

// upstream fakes Atlas, Civitai and the provider CDN in one server.
// Tests move jobs between states with the set* helpers.
type upstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	seq      int
	atlas    map[string]string   // job id -> status
	civitai  map[string][]string // token -> per sub-job state: scheduled, available, failed
	cdnFetch int
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{atlas: map[string]string{}, civitai: map[string][]string{}}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/cdn/"):
		u.cdnFetch++
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("media:" + r.URL.Path))

	case r.URL.Path == "/api/v1/model/generateImage":
		fmt.Fprintf(w, `{"data":{"id":"img","status":"completed","outputs":["%s/cdn/sync.png"]}}`, u.srv.URL)

	case r.URL.Path == "/api/v1/model/generateVideo":
		u.seq++
		id := fmt.Sprintf("vid-%d", u.seq)
		u.atlas[id] = "processing"
		fmt.Fprintf(w, `{"data":{"id":"%s","status":"processing"}}`, id)

	case strings.HasPrefix(r.URL.Path, "/api/v1/model/prediction/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/model/prediction/")
		switch st := u.atlas[id]; st {
		case "completed":
			fmt.Fprintf(w, `{"data":{"id":"%s","status":"completed","outputs":["%s/cdn/%s.mp4"]}}`, id, u.srv.URL, id)
		case "failed":
			fmt.Fprintf(w, `{"data":{"id":"%s","status":"failed","error":"content policy"}}`, id)
		case "":
			w.WriteHeader(http.StatusNotFound)
		default:
			fmt.Fprintf(w, `{"data":{"id":"%s","status":"%s"}}`, id, st)
		}

	case r.URL.Path == "/v1/consumer/jobs" && r.Method == http.MethodPost:
		var body struct {
			Quantity int `json:"quantity"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		u.seq++
		token := fmt.Sprintf("tok-%d", u.seq)
		states := make([]string, body.Quantity)
		jobs := make([]map[string]interface{}, body.Quantity)
		for i := range states {
			states[i] = "scheduled"
			jobs[i] = map[string]interface{}{"jobId": fmt.Sprintf("%s-%d", token, i), "scheduled": true}
		}
		u.civitai[token] = states
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"token": token, "jobs": jobs})

	case r.URL.Path == "/v1/consumer/jobs":
		token := r.URL.Query().Get("token")
		jobs := make([]map[string]interface{}, 0)
		for i, st := range u.civitai[token] {
			j := map[string]interface{}{"jobId": fmt.Sprintf("%s-%d", token, i)}
			switch st {
			case "scheduled":
				j["scheduled"] = true
			case "available":
				j["result"] = map[string]interface{}{
					"available": true,
					"blobUrl":   fmt.Sprintf("%s/cdn/%s-%d.png", u.srv.URL, token, i),
				}
			}
			jobs = append(jobs, j)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jobs": jobs})

	default:
		http.NotFound(w, r)
	}
}

func (u *upstream) setAtlas(id, status string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.atlas[id] = status
}

func (u *upstream) setCivitai(token string, states ...string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.civitai[token] = states
}

func (u *upstream) fetches() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cdnFetch
}

type blobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *blobStore) Name() string { return "memory" }

func (b *blobStore) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return b.GetPublicURL(key), nil
}

func (b *blobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *blobStore) GetPublicURL(key string) string { return "https://storage.test/" + key }

func (b *blobStore) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type taskQueue struct {
	mu   sync.Mutex
	keys []string
}

func (q *taskQueue) EnqueueReconcile(ctx context.Context, jobKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, jobKey)
	return nil
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	upstream *upstream
	blobs    *blobStore
	credits  *store.MemoryCreditStore
	records  *store.MemoryGenerationStore
	jobs     *store.MemoryJobStore
	queue    *taskQueue
	worker   *worker.ReconcileWorker
	verifier *auth.SecretVerifier
}

// setupApp builds the app the way main.go does, with in-memory stores and
// both providers pointed at a local fake.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWithPolicy(t, client.PartialAllOrNothing)
}

func setupAppWithPolicy(t *testing.T, policy client.PartialPolicy) *testApp {
	t.Helper()

	up := newUpstream(t)
	log := zap.NewNop()

	verifier, err := auth.NewSecretVerifier(testJWTSecret, "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	ta := &testApp{
		upstream: up,
		blobs:    &blobStore{objects: map[string][]byte{}},
		credits:  store.NewMemoryCreditStore(),
		records:  store.NewMemoryGenerationStore(),
		jobs:     store.NewMemoryJobStore(),
		queue:    &taskQueue{},
		verifier: verifier,
	}
	claims := store.NewMemoryIdempotencyStore()

	providers := service.Providers{
		Atlas:   client.NewAtlasClient(&config.AtlasConfig{APIKey: "atlas-key", BaseURL: up.srv.URL, Timeout: 5}, log),
		Civitai: client.NewCivitaiClient(&config.CivitaiConfig{Token: "civitai-key", BaseURL: up.srv.URL, Timeout: 5, PartialPolicy: string(policy)}, log),
	}
	catalog := credit.DefaultCatalog()
	ledger := credit.NewLedger(ta.credits, claims)
	relay := service.NewRelayService(ta.blobs, log, nil)

	generationService := service.NewGenerationService(service.GenerationDeps{
		Catalog:   catalog,
		Ledger:    ledger,
		Tiers:     credit.NewTierPolicy(store.NewMemorySubscriptionStore(), nil, []string{"pro"}, log),
		Providers: providers,
		Relay:     relay,
		Records:   ta.records,
		Jobs:      ta.jobs,
		Queue:     ta.queue,
		Log:       log,
	})
	reconcileService := service.NewReconcileService(service.ReconcileDeps{
		Ledger:    ledger,
		Providers: providers,
		Relay:     relay,
		Records:   ta.records,
		Jobs:      ta.jobs,
		Claims:    claims,
		Log:       log,
	})
	ta.worker = worker.NewReconcileWorker(reconcileService, ta.jobs, ta.queue, model.MaxPollErrors, log)

	validate := validator.New()
	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"atlas":   true,
				"civitai": true,
				"storage": ta.blobs.Name(),
				"auth":    true,
			},
		})
	})

	handler.Register(app, handler.Routes{
		Auth:           middleware.NewAuthMiddleware(verifier).Authenticate(),
		RateLimiter:    middleware.NewRateLimiter(nil, log),
		GeneratePerMin: 10000,
		StatusPerMin:   10000,
		Generate:       handler.NewGenerateHandler(generationService, reconcileService, validate, log),
		Credits:        handler.NewCreditHandler(service.NewCreditService(ledger, ta.jobs), validate, log),
		Verify:         handler.NewAuthHandler(verifier),
	})

	ta.app = app
	return ta
}

// fund gives the test user a stored balance
func (ta *testApp) fund(gems, crystals int) {
	ta.credits.SetBalance(testUserID, model.CreditBalance{Gems: gems, Crystals: crystals})
}

func (ta *testApp) balance(t *testing.T) model.CreditBalance {
	t.Helper()
	b, err := ta.credits.GetBalance(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return *b
}

// generateToken signs an HS256 token the way Supabase does for test requests.
func generateToken(t *testing.T, ta *testApp, userID string) string {
	t.Helper()
	signed, err := ta.verifier.Sign(userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request as the test user.
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) *http.Response {
	t.Helper()
	return doAuthRequestAs(t, ta, testUserID, method, path, body)
}

func doAuthRequestAs(t *testing.T, ta *testApp, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta, userID),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
