package main

import (
	"bytes"
	"encoding/base64"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/NdodaEnde/Hospital-Platform/internal/config"
	"github.com/NdodaEnde/Hospital-Platform/internal/domain/patient"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/archive"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/sandbox"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/webhook"
)

const entityJSON = `[
  {"type": "NAME", "category": "PROTECTED_HEALTH_INFORMATION", "text": "Jane Doe", "score": 0.99, "attributes": []},
  {"type": "DATE", "category": "PROTECTED_HEALTH_INFORMATION", "text": "1990-01-01", "score": 0.98, "attributes": []},
  {"type": "DX_NAME", "category": "MEDICAL_CONDITION", "text": "Hypertension", "score": 0.9, "attributes": []}
]`

const noteText = `Patient Name: Jane Doe
Date of Birth: 1990-01-01
Diagnosis: Hypertension
Medication: Lisinopril 10mg daily
`

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "test",
		LogLevel:            "error",
		StoreDriver:         config.DriverMemory,
		IndexDriver:         config.DriverMemory,
		ArchiveDriver:       config.DriverMemory,
		Classifier:          config.ClassifierNotes,
		ClassifierChunkSize: 20000,
		ClassifyMaxAttempts: 1,
		IndexWorkers:        1,
		IndexQueueSize:      8,
		ReviewHold:          true,
		ReviewRetention:     time.Hour,
		ReviewSweepInterval: time.Hour,
		RateLimitRPS:        100,
		RateLimitBurst:      100,
		BodyLimit:           "1M",
		RequestTimeout:      5 * time.Second,
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := memoryConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestDecodeEntities(t *testing.T) {
	bare, err := decodeEntities([]byte(entityJSON))
	if err != nil || len(bare) != 3 {
		t.Fatalf("bare array: got %d entities, err %v", len(bare), err)
	}

	wrapped, err := decodeEntities([]byte(`{"entities": ` + entityJSON + `}`))
	if err != nil || len(wrapped) != 3 {
		t.Fatalf("wrapped object: got %d entities, err %v", len(wrapped), err)
	}

	if _, err := decodeEntities([]byte(`"not entities"`)); err == nil {
		t.Error("expected error for a JSON string")
	}
}

func TestDecodeEntities_KeepsNonObjectEntries(t *testing.T) {
	entities, err := decodeEntities([]byte(`[{"type":"NAME","category":"PROTECTED_HEALTH_INFORMATION","text":"Jane Doe","score":0.9}, "garbage", 42]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entities) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entities))
	}
	if entities[1].Validate() == nil || entities[2].Validate() == nil {
		t.Error("expected non-object entries to be malformed")
	}
}

func TestReconcileCmd_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.json")
	if err := os.WriteFile(path, []byte(entityJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"reconcile", "--file", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var resp patient.RecordResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if resp.Record.Name != "Jane Doe" {
		t.Errorf("expected Jane Doe, got %q", resp.Record.Name)
	}
	if resp.Record.UniqueID != "" {
		t.Errorf("offline reconcile must not assign a unique id, got %q", resp.Record.UniqueID)
	}
	if len(resp.Record.Conditions) != 1 || resp.Record.Conditions[0] != "Hypertension" {
		t.Errorf("unexpected conditions: %v", resp.Record.Conditions)
	}
}

func TestReconcileCmd_IncompleteIdentity(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(`[{"type": "NAME", "category": "PROTECTED_HEALTH_INFORMATION", "text": "Jane Doe", "score": 1, "attributes": []}]`))
	cmd.SetArgs([]string{"reconcile"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for a record without date of birth")
	}
	if !strings.Contains(out.String(), "Jane Doe") {
		t.Errorf("expected the partial record on stdout, got %s", out.String())
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "WARN"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Errorf("expected JSON warn line, got %s", buf.String())
	}

	fallback := newLogger(&config.Config{Env: "production", LogLevel: "verbose"}, &buf)
	if fallback.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", fallback.GetLevel())
	}
}

func TestApp_Health(t *testing.T) {
	e := newTestApp(t).router()

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestApp_IngestDocument(t *testing.T) {
	a := newTestApp(t)
	e := a.router()

	body, _ := json.Marshal(map[string]string{"text": noteText})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("expected rate limit header, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	var res patient.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.UniqueID == "" {
		t.Fatal("expected a unique id")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+res.UniqueID, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup by unique id: expected 200, got %d", rec.Code)
	}
}

func TestApp_IngestWithoutIdentityIsHeld(t *testing.T) {
	e := newTestApp(t).router()

	body, _ := json.Marshal(map[string]string{"text": "Diagnosis: Asthma\n"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var fail patient.FailureResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fail.ReviewBatchID == nil {
		t.Error("expected the batch to be held for review")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/review", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one held batch, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApp_BodyLimit(t *testing.T) {
	e := newTestApp(t).router()

	body, _ := json.Marshal(map[string]string{"text": strings.Repeat("a", 2<<20)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestNewApp_SQLiteOpenFailure(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "missing-dir", "intake.db")

	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected an error opening sqlite in a missing directory")
	}
}

func TestApp_WebhookOnCommit(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	hooks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		types = append(types, r.Header.Get(webhook.HeaderEventType))
		mu.Unlock()
	}))
	defer hooks.Close()

	cfg := memoryConfig()
	cfg.WebhookURLs = []string{hooks.URL}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	if _, err := a.svc.Ingest(context.Background(), noteText); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 1 || types[0] != patient.EventPatientCommitted {
		t.Errorf("expected one %s event, got %v", patient.EventPatientCommitted, types)
	}
}

func TestSeedCmd_Print(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"seed", "--count", "3", "--seed", "11"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var samples []sandbox.Sample
	if err := json.Unmarshal(out.Bytes(), &samples); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if !strings.HasPrefix(samples[0].Text, "Patient Name: "+samples[0].Patient.Name) {
		t.Errorf("unexpected note:\n%s", samples[0].Text)
	}
}

func TestSeedCmd_RejectsBadRate(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"seed", "--missing-dob-rate", "1.5"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for rate above 1")
	}
}

func TestSeedPipeline_CommitsAndHolds(t *testing.T) {
	a := newTestApp(t)
	committed := sandbox.Generate(sandbox.Config{Count: 4, Seed: 5})
	held := sandbox.Generate(sandbox.Config{Count: 2, Seed: 6, MissingDOBRate: 1})

	var out bytes.Buffer
	if err := seedPipeline(context.Background(), a, append(committed, held...), &out, zerolog.Nop()); err != nil {
		t.Fatalf("seedPipeline: %v", err)
	}

	var sum seedSummary
	if err := json.Unmarshal(out.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Committed != 4 || sum.Held != 2 || sum.Failed != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestEncryptArchive(t *testing.T) {
	key := func(b byte) string { return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, archive.KeySize)) }
	ctx := context.Background()
	mem := archive.NewMemoryStore()

	cfg := memoryConfig()
	cfg.ArchiveKey = key(1)
	cfg.ArchiveKeyVersion = 1
	v1, err := encryptArchive(mem, cfg)
	if err != nil {
		t.Fatalf("encryptArchive: %v", err)
	}
	if err := v1.Put(ctx, "doc", []byte("note")); err != nil {
		t.Fatal(err)
	}

	cfg.ArchiveKey = key(2)
	cfg.ArchiveKeyVersion = 2
	cfg.ArchivePreviousKeys = []string{"1:" + key(1)}
	v2, err := encryptArchive(mem, cfg)
	if err != nil {
		t.Fatalf("encryptArchive rotated: %v", err)
	}
	if got, err := v2.Get(ctx, "doc"); err != nil || string(got) != "note" {
		t.Fatalf("got %q, %v", got, err)
	}

	cfg.ArchivePreviousKeys = []string{"not-a-key"}
	if _, err := encryptArchive(mem, cfg); err == nil || !strings.Contains(err.Error(), "ARCHIVE_PREVIOUS_KEYS") {
		t.Errorf("expected ARCHIVE_PREVIOUS_KEYS error, got %v", err)
	}
	cfg.ArchiveKey = "short"
	if _, err := encryptArchive(mem, cfg); err == nil || !strings.Contains(err.Error(), "ARCHIVE_ENCRYPTION_KEY") {
		t.Errorf("expected ARCHIVE_ENCRYPTION_KEY error, got %v", err)
	}
}
