package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `{"mapping":{"topic_level":[{"name":"sensors","static":"on"}]}}`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.json")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o644); err != nil {
		t.Fatalf("seed active config: %v", err)
	}
	return NewStore(path)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSchemaEndpoint(t *testing.T) {
	store := newTestStore(t)
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, nil)
	rec := doRequest(t, h, http.MethodGet, "/schema", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestUnauthorizedWithoutCredentials(t *testing.T) {
	store := newTestStore(t)
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestGetConfigReturnsActiveWhenNoDraft(t *testing.T) {
	store := newTestStore(t)
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, nil)
	rec := doRequest(t, h, http.MethodGet, "/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != sampleDoc {
		t.Fatalf("got %s", rec.Body.String())
	}
}

func TestPatchConfigCreatesDraft(t *testing.T) {
	store := newTestStore(t)
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, nil)

	patch := []byte(`[{"op":"add","path":"/mapping/topic_level/0/qos_override","value":1}]`)
	rec := doRequest(t, h, http.MethodPatch, "/config", patch)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH /config got status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/config", nil)
	var cfg map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mappingObj := cfg["mapping"].(map[string]any)
	levels := mappingObj["topic_level"].([]any)
	node := levels[0].(map[string]any)
	if node["qos_override"] != float64(1) {
		t.Fatalf("expected patched qos_override, got %+v", node)
	}
}

func TestValidateConfigRejectsBadDocument(t *testing.T) {
	store := newTestStore(t)
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, nil)
	rec := doRequest(t, h, http.MethodPost, "/config/validate", []byte(`{"mapping":{}}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestDeployAndRollback(t *testing.T) {
	store := newTestStore(t)
	deployed := 0
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, func() { deployed++ })

	patch := []byte(`[{"op":"replace","path":"/mapping/topic_level/0/static","value":"off"}]`)
	if rec := doRequest(t, h, http.MethodPatch, "/config", patch); rec.Code != http.StatusOK {
		t.Fatalf("PATCH /config: %d %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, h, http.MethodPost, "/config/deploy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deploy: %d %s", rec.Code, rec.Body.String())
	}
	if deployed != 1 {
		t.Fatalf("expected onDeploy to fire once, got %d", deployed)
	}

	histRec := doRequest(t, h, http.MethodGet, "/config/history", nil)
	var history []HistoryEntry
	if err := json.Unmarshal(histRec.Body.Bytes(), &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry after deploy, got %d", len(history))
	}
	firstVersion := history[0].ID

	// Deploy a second change so rollback has something to undo.
	patch2 := []byte(`[{"op":"replace","path":"/mapping/topic_level/0/static","value":"blinking"}]`)
	doRequest(t, h, http.MethodPatch, "/config", patch2)
	doRequest(t, h, http.MethodPost, "/config/deploy", nil)

	rollbackBody, _ := json.Marshal(map[string]string{"version_id": firstVersion})
	rec = doRequest(t, h, http.MethodPost, "/config/rollback", rollbackBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/config", nil)
	var cfg map[string]any
	json.Unmarshal(rec.Body.Bytes(), &cfg)
	mappingObj := cfg["mapping"].(map[string]any)
	levels := mappingObj["topic_level"].([]any)
	node := levels[0].(map[string]any)
	if node["static"] != "off" {
		t.Fatalf("expected rollback to restore first deployed value, got %+v", node)
	}
}

func TestRollbackMissingVersionID(t *testing.T) {
	store := newTestStore(t)
	h := NewRouter(store, Options{User: "admin", Pass: "secret"}, nil)
	rec := doRequest(t, h, http.MethodPost, "/config/rollback", []byte(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", rec.Code)
	}
}
