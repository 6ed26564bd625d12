package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type testEnv struct {
	server *Server
	store  domain.ManifestStore
	bus    *bus.ChannelBus
	model  *model.Model
}

// createTestServer creates a server over the baseline model with a SQLite
// manifest store, LRU cache and channel bus.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	schema, err := baseline.Schema()
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}
	m, err := model.Build(domain.DefaultConfig().Model, baseline.Corpus(), schema)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	overlay, err := rules.NewOverlay(rules.DefaultRules(false))
	if err != nil {
		t.Fatalf("failed to compile overlay: %v", err)
	}
	pipeline, err := scoring.NewPipeline(m, overlay)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	store, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manifest := m.Manifest()
	if err := store.SaveManifest(context.Background(), &manifest); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	c := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cacheCfg := domain.CacheConfig{TTL: time.Minute}
	service := scoring.NewService(pipeline, c, eventBus, cacheCfg)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return &testEnv{
		server: NewServer(cfg, service, store, c, eventBus, "test-v1"),
		store:  store,
		bus:    eventBus,
		model:  m,
	}
}

func doJSON(env *testEnv, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)
	return rr
}

func TestPredictEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("AmountCeiling", func(t *testing.T) {
		body := []byte(`{"amount": 1500, "time": "2024-01-03T14:00:00.000000Z", "location": "PRIZREN", "device": "ATM"}`)
		rr := doJSON(env, http.MethodPost, "/predict", body)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp) != 2 {
			t.Errorf("expected exactly is_fraud and anomaly_score, got %v", resp)
		}
		if resp["is_fraud"] != true || resp["anomaly_score"] != -0.9 {
			t.Errorf("expected (true, -0.9), got %v", resp)
		}
	})

	t.Run("StringAmountAndLowercaseUnknown", func(t *testing.T) {
		body := []byte(`{"amount": "50.00", "time": "2024-01-03T14:00:00.000000Z", "location": "unknown", "device": "POS"}`)
		rr := doJSON(env, http.MethodPost, "/predict", body)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var verdict domain.Verdict
		json.Unmarshal(rr.Body.Bytes(), &verdict)
		if !verdict.IsFraud || verdict.AnomalyScore != -0.8 {
			t.Errorf("expected (true, -0.8), got %+v", verdict)
		}
	})

	t.Run("ModelScore", func(t *testing.T) {
		body := []byte(`{"amount": 30, "time": "2024-01-03T14:00:00.000000Z", "location": "PRISHTINE", "device": "POS"}`)
		rr := doJSON(env, http.MethodPost, "/predict", body)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var verdict domain.Verdict
		json.Unmarshal(rr.Body.Bytes(), &verdict)

		tx := domain.Transaction{
			Amount:    30,
			Timestamp: time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC),
			Location:  "PRISHTINE",
			Device:    "POS",
		}
		raw, outlier, err := env.model.Score(env.model.Encoder().Encode(tx).Vector)
		if err != nil {
			t.Fatalf("model score failed: %v", err)
		}
		if verdict.AnomalyScore != raw || verdict.IsFraud != outlier {
			t.Errorf("expected (%v, %v), got %+v", outlier, raw, verdict)
		}
	})

	t.Run("OverrideWithMalformedTimestamp", func(t *testing.T) {
		tests := []struct {
			name  string
			body  string
			score float64
		}{
			{"ceiling", `{"amount": 1500, "time": "not-a-date", "location": "PRIZREN", "device": "ATM"}`, -0.9},
			{"unknown", `{"amount": 50, "time": "not-a-date", "location": "UNKNOWN", "device": "POS"}`, -0.8},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := doJSON(env, http.MethodPost, "/predict", []byte(tt.body))
				if rr.Code != http.StatusOK {
					t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
				}

				var verdict domain.Verdict
				json.Unmarshal(rr.Body.Bytes(), &verdict)
				if !verdict.IsFraud || verdict.AnomalyScore != tt.score {
					t.Errorf("expected (true, %v), got %+v", tt.score, verdict)
				}
			})
		}
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		tests := []struct {
			name string
			body string
		}{
			{"invalid JSON", `{not json`},
			{"malformed timestamp", `{"amount": 30, "time": "not-a-date", "location": "PRISHTINE", "device": "POS"}`},
			{"missing device", `{"amount": 30, "time": "2024-01-03T14:00:00.000000Z", "location": "PRISHTINE"}`},
			{"negative amount", `{"amount": -5, "time": "2024-01-03T14:00:00.000000Z", "location": "PRISHTINE", "device": "POS"}`},
			{"non-numeric amount", `{"amount": "lots", "time": "2024-01-03T14:00:00.000000Z", "location": "PRISHTINE", "device": "POS"}`},
			{"wrong type", `{"amount": 30, "time": 12, "location": "PRISHTINE", "device": "POS"}`},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := doJSON(env, http.MethodPost, "/predict", []byte(tt.body))

				if rr.Code != http.StatusBadRequest {
					t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}

				var resp ErrorResponse
				if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
					t.Fatalf("failed to decode error: %v", err)
				}
				if resp.Type != "ValidationError" || resp.Error == "" {
					t.Errorf("unexpected error response: %+v", resp)
				}
			})
		}
	})
}

func TestSubmitEndpoint(t *testing.T) {
	env := createTestServer(t)

	received := make(chan []byte, 1)
	_, err := env.bus.Subscribe(context.Background(), domain.TopicTransactionSubmitted, func(ctx context.Context, msg *domain.Message) error {
		received <- msg.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	body := []byte(`{"amount": 30, "time": "2024-01-03T14:00:00.000000Z", "location": "PRISHTINE", "device": "POS"}`)
	rr := doJSON(env, http.MethodPost, "/submit", body)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp SubmitResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.ID == "" {
		t.Error("expected submission id")
	}

	select {
	case payload := <-received:
		var submitted domain.SubmittedTransaction
		if err := json.Unmarshal(payload, &submitted); err != nil {
			t.Fatalf("failed to decode submission: %v", err)
		}
		if submitted.ID != resp.ID {
			t.Errorf("expected id %s, got %s", resp.ID, submitted.ID)
		}
		if submitted.Request.Location == nil || *submitted.Request.Location != "PRISHTINE" {
			t.Errorf("unexpected request: %+v", submitted.Request)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for submission")
	}
}

func TestModelEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("GetModel", func(t *testing.T) {
		rr := doJSON(env, http.MethodGet, "/model", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var manifest domain.ModelManifest
		if err := json.Unmarshal(rr.Body.Bytes(), &manifest); err != nil {
			t.Fatalf("failed to decode manifest: %v", err)
		}
		if manifest.Fingerprint != env.model.Fingerprint() {
			t.Errorf("expected fingerprint %s, got %s", env.model.Fingerprint(), manifest.Fingerprint)
		}
		if len(manifest.Columns) != 32 || manifest.Columns[0] != "amount" {
			t.Errorf("unexpected columns %v", manifest.Columns)
		}
	})

	t.Run("History", func(t *testing.T) {
		rr := doJSON(env, http.MethodGet, "/model/history?limit=5", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Manifests []domain.ModelManifest `json:"manifests"`
			Count     int                    `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || resp.Manifests[0].Fingerprint != env.model.Fingerprint() {
			t.Errorf("unexpected history: %+v", resp)
		}
	})

	t.Run("HistoryBadLimit", func(t *testing.T) {
		rr := doJSON(env, http.MethodGet, "/model/history?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Rules", func(t *testing.T) {
		rr := doJSON(env, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Rules []domain.RuleConfig `json:"rules"`
			Count int                 `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 3 || resp.Rules[0].ID != rules.RuleAmountCeiling {
			t.Errorf("unexpected rules: %+v", resp)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := doJSON(env, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Status  string            `json:"status"`
			Version string            `json:"version"`
			Checks  map[string]string `json:"checks"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Status != "healthy" || resp.Version != "test-v1" {
			t.Errorf("unexpected health: %+v", resp)
		}
		if resp.Checks["repository"] != "ok" || resp.Checks["cache"] != "ok" || resp.Checks["eventbus"] != "ok" {
			t.Errorf("unexpected checks: %v", resp.Checks)
		}
	})

	t.Run("DegradedWhenBusClosed", func(t *testing.T) {
		env.bus.Close()

		rr := doJSON(env, http.MethodGet, "/health", nil)
		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "degraded" {
			t.Errorf("expected degraded, got %v", resp["status"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := doJSON(env, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		doJSON(env, http.MethodPost, "/predict", []byte(`{"amount": 1500, "time": "2024-01-03T14:00:00.000000Z", "location": "PRIZREN", "device": "ATM"}`))

		rr := doJSON(env, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("kestrel_scoring_verdicts_total")) {
			t.Error("expected scoring metrics in exposition")
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte(`route="/predict"`)) {
			t.Error("expected request metrics labelled by route pattern")
		}
	})
}

func TestMiddleware(t *testing.T) {
	env := createTestServer(t)

	t.Run("RequestIDPropagation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
		req.Header.Set("Origin", "http://example.com")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
			t.Errorf("unexpected allow-origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("RecoverFromPanic", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

func TestSubmitWithoutBus(t *testing.T) {
	env := createTestServer(t)
	h := NewHandler(env.server.Handler().service, nil, nil, nil, "test")

	rr := httptest.NewRecorder()
	h.Submit(rr, httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(`{}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}
