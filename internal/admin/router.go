package admin

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/mqttsuite/mqttsuite/internal/mapping"
)

// ReloadCallback is invoked after a successful deploy or rollback so the
// caller can hot-reload its live mapping.Engine. Grounded on
// MappingAdminRouter.cpp's onDeploy callback parameter.
type ReloadCallback func()

// Options configures the admin router's Basic Authentication credentials.
type Options struct {
	User string
	Pass string
	Realm string
}

// NewRouter builds the mapping admin HTTP API over store, gated by HTTP Basic
// Authentication, mirroring the endpoint set and status-code contract of
// makeMappingAdminRouter: GET /schema, GET/PATCH /config, POST
// /config/validate, POST /config/deploy, POST /config/rollback, GET
// /config/history.
func NewRouter(store *Store, opt Options, onDeploy ReloadCallback) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /schema", handleSchema)
	mux.HandleFunc("GET /config", handleGetConfig(store))
	mux.HandleFunc("PATCH /config", handlePatchConfig(store))
	mux.HandleFunc("POST /config/validate", handleValidateConfig)
	mux.HandleFunc("POST /config/deploy", handleDeploy(store, onDeploy))
	mux.HandleFunc("POST /config/rollback", handleRollback(store, onDeploy))
	mux.HandleFunc("GET /config/history", handleHistory(store))

	return basicAuth(opt, mux)
}

func basicAuth(opt Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(opt.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(opt.Pass)) != 1 {
			realm := opt.Realm
			if realm == "" {
				realm = "mqttsuite-admin"
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(mapping.SchemaJSON())
}

func handleGetConfig(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := store.ReadDraftOrActive()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load configuration", "details": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cfg)
	}
}

func handlePatchConfig(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body", "details": err.Error()})
			return
		}
		patch, err := jsonpatch.DecodePatch(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body", "details": err.Error()})
			return
		}
		current, err := store.ReadDraftOrActive()
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "Patch application failed", "details": err.Error()})
			return
		}
		patched, err := patch.Apply(current)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "Patch application failed", "details": err.Error()})
			return
		}
		if err := store.SaveDraft(patched); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "Patch application failed", "details": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "patched"})
	}
}

func handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Validation exception", "details": err.Error()})
		return
	}
	if err := mapping.ValidateDocument(body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "error": "Validation failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func handleDeploy(store *Store, onDeploy ReloadCallback) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := store.DeployDraft("deploy via admin API")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Deploy failed", "details": err.Error()})
			return
		}
		if onDeploy != nil {
			onDeploy()
		}
		slog.Info("admin: mapping document deployed", "version", entry.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deploy-ack", "note": "hot-reload triggered"})
	}
}

func handleRollback(store *Store, onDeploy ReloadCallback) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			VersionID string `json:"version_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Rollback failed", "details": err.Error()})
			return
		}
		if body.VersionID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing version_id"})
			return
		}
		entry, err := store.RollbackTo(body.VersionID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Rollback failed", "details": err.Error()})
			return
		}
		if onDeploy != nil {
			onDeploy()
		}
		slog.Info("admin: mapping document rolled back", "version", entry.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back", "version": body.VersionID})
	}
}

func handleHistory(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := store.History()
		type item struct {
			ID      string `json:"id"`
			Comment string `json:"comment"`
			Date    string `json:"date"`
		}
		out := make([]item, 0, len(history))
		for _, h := range history {
			out = append(out, item{ID: h.ID, Comment: h.Comment, Date: h.Date.Format("2006-01-02T15:04:05Z07:00")})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
