package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CTAG07/stoch/pkg/markov"
	"github.com/CTAG07/stoch/pkg/store"
)

// setupTestServer creates a Server backed by a fresh database and config file
// in a temporary directory.
func setupTestServer(t *testing.T) (*Server, chan string) {
	dir := t.TempDir()
	cm, err := NewConfigManager(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("NewConfigManager() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cm.SetLogger(logger)

	cfg := cm.Get()
	cfg.Server.DataDir = dir
	cfg.Server.DatabasePath = filepath.Join(dir, "test.db")
	cfg.Server.BackupPath = filepath.Join(dir, "backup.json")
	cfg.Server.MaxGenerateLength = 128
	cfg.Server.MaxTrainBytes = 1024
	if err := cm.Update(cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	db, err := initDB(cfg.Server.DatabasePath)
	if err != nil {
		t.Fatalf("initDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.SetupSchema(db); err != nil {
		t.Fatalf("SetupSchema() error = %v", err)
	}
	if err := setupAuthSchema(db); err != nil {
		t.Fatalf("setupAuthSchema() error = %v", err)
	}

	actionChan := make(chan string, 1)
	s, err := NewServer(cm, logger, db, actionChan)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s, actionChan
}

func doRequest(t *testing.T, s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	s.apiMux.ServeHTTP(rec, req)
	return rec
}

func TestTrainAndGenerate(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader(strings.Repeat("a", 100)))
	if rec.Code != http.StatusOK {
		t.Fatalf("train status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var trained TrainResponse
	if err := json.NewDecoder(rec.Body).Decode(&trained); err != nil {
		t.Fatalf("decode train response: %v", err)
	}
	if trained.Consumed != 100 {
		t.Errorf("consumed = %d, want 100", trained.Consumed)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/model/generate?length=20", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Used-Length"); got != "20" {
		t.Errorf("X-Used-Length = %q, want 20", got)
	}
	if rec.Body.String() != strings.Repeat("a", 20) {
		t.Errorf("generate body = %q", rec.Body.String())
	}
}

func TestGenerateUntrainedPadded(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/model/generate?length=8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), make([]byte, 8)) || rec.Header().Get("X-Used-Length") != "0" {
		t.Errorf("got %v used %s, want 8 zero bytes used 0", rec.Body.Bytes(), rec.Header().Get("X-Used-Length"))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/model/generate?length=8&trim=true", nil)
	if rec.Body.Len() != 0 {
		t.Errorf("trimmed body has %d bytes, want 0", rec.Body.Len())
	}
}

func TestGenerateBadLength(t *testing.T) {
	s, _ := setupTestServer(t)
	for _, q := range []string{"", "length=abc", "length=-1", "length=129"} {
		rec := doRequest(t, s, http.MethodGet, "/api/model/generate?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestTrainTooLarge(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader(strings.Repeat("x", 2048)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/model/train", nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "POST" {
		t.Errorf("status = %d, Allow = %q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestResetAndStats(t *testing.T) {
	s, _ := setupTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader("AAB"))

	rec := doRequest(t, s, http.MethodGet, "/api/model/stats", nil)
	var stats markov.ModelStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.GrandTotal != 3 {
		t.Errorf("GrandTotal = %d, want 3", stats.GrandTotal)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/model/reset", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if s.model.GrandTotal() != 0 {
		t.Errorf("GrandTotal() after reset = %d", s.model.GrandTotal())
	}
}

func TestPruneEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader("abcabd"))

	rec := doRequest(t, s, http.MethodPost, "/api/model/prune", strings.NewReader(`{"minFreq": 1}`))
	var resp PruneResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode prune response: %v", err)
	}
	if resp.Removed != 4 {
		t.Errorf("removed = %d, want 4", resp.Removed)
	}
}

func TestExportImport(t *testing.T) {
	s, _ := setupTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader("hello"))

	rec := doRequest(t, s, http.MethodGet, "/api/model/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	exported := rec.Body.Bytes()

	s2, _ := setupTestServer(t)
	rec = doRequest(t, s2, http.MethodPost, "/api/model/import", bytes.NewReader(exported))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("import status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if s2.model.GrandTotal() != 5 {
		t.Errorf("GrandTotal() after import = %d, want 5", s2.model.GrandTotal())
	}

	rec = doRequest(t, s2, http.MethodPost, "/api/model/import", strings.NewReader(`{"transitions":[{"prev":1,"next":2,"count":0}]}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid import status = %d, want 400", rec.Code)
	}
}

func TestSaveAndRestoreOnStartup(t *testing.T) {
	s, _ := setupTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader("persist me"))

	rec := doRequest(t, s, http.MethodPost, "/api/model/save", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("save status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/model/snapshots", nil)
	var infos []store.ModelInfo
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil {
		t.Fatalf("decode snapshots: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != s.config.ModelName {
		t.Fatalf("unexpected snapshots: %+v", infos)
	}

	// A second server on the same database restores the snapshot.
	s2, err := NewServer(s.cm, s.logger, s.db, make(chan string, 1))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer s2.Close()
	if s2.model.GrandTotal() != s.model.GrandTotal() || s2.model.LastByte() != 'e' {
		t.Errorf("restored model: total %d last %q", s2.model.GrandTotal(), s2.model.LastByte())
	}
}

func TestBackup(t *testing.T) {
	s, _ := setupTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader("backup"))

	rec := doRequest(t, s, http.MethodPost, "/api/model/backup", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("backup status = %d, body = %s", rec.Code, rec.Body.String())
	}
	data, err := os.ReadFile(s.config.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	m, _ := markov.New()
	if err := m.ImportJSON(bytes.NewReader(data)); err != nil {
		t.Fatalf("backup is not importable: %v", err)
	}
	if m.GrandTotal() != 6 {
		t.Errorf("GrandTotal() from backup = %d, want 6", m.GrandTotal())
	}
}

func TestServerActions(t *testing.T) {
	s, actionChan := setupTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/server/restart", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("restart status = %d", rec.Code)
	}
	if action := <-actionChan; action != actionRestart {
		t.Errorf("action = %q, want %q", action, actionRestart)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/server/version", nil)
	var info VersionInfo
	_ = json.NewDecoder(rec.Body).Decode(&info)
	if info.Version != Version {
		t.Errorf("version = %q, want %q", info.Version, Version)
	}
}

func TestAutosave(t *testing.T) {
	s, _ := setupTestServer(t)
	s.model.Train([]byte("tick"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.autosave(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := 200
	for i := 0; i < deadline; i++ {
		if _, err := s.store.Load(context.Background(), s.config.ModelName); err == nil {
			break
		}
		if i == deadline-1 {
			t.Fatal("autosave never stored the model")
		}
		<-time.After(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func doKeyedRequest(t *testing.T, s *Server, method, target, key string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if key != "" {
		req.Header.Set(authHeader, key)
	}
	rec := httptest.NewRecorder()
	s.apiMux.ServeHTTP(rec, req)
	return rec
}

func createKey(t *testing.T, s *Server, masterKey string, scopes ...string) CreateKeyResponse {
	t.Helper()
	payload, _ := json.Marshal(CreateKeyRequest{Scopes: scopes, Description: "test key"})
	rec := doKeyedRequest(t, s, http.MethodPost, "/api/auth/keys", masterKey, bytes.NewReader(payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp CreateKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create key response: %v", err)
	}
	return resp
}

func TestAuthentication(t *testing.T) {
	s, actionChan := setupTestServer(t)

	master := createKey(t, s, "")
	if len(master.Scopes) != 1 || master.Scopes[0] != scopeMaster {
		t.Fatalf("first key scopes = %v, want [*]", master.Scopes)
	}
	reader := createKey(t, s, master.RawKey, scopeModelRead)

	tests := []struct {
		name   string
		method string
		target string
		key    string
		body   string
		want   int
	}{
		{"anonymous train", http.MethodPost, "/api/model/train", "", "abc", http.StatusUnauthorized},
		{"anonymous reset", http.MethodPost, "/api/model/reset", "", "", http.StatusUnauthorized},
		{"anonymous shutdown", http.MethodPost, "/api/server/shutdown", "", "", http.StatusUnauthorized},
		{"unknown key", http.MethodGet, "/api/model/stats", "stoch_nope", "", http.StatusUnauthorized},
		{"reader stats", http.MethodGet, "/api/model/stats", reader.RawKey, "", http.StatusOK},
		{"reader train", http.MethodPost, "/api/model/train", reader.RawKey, "abc", http.StatusForbidden},
		{"reader import", http.MethodPost, "/api/model/import", reader.RawKey, "{}", http.StatusForbidden},
		{"reader delete snapshot", http.MethodDelete, "/api/model/snapshots/default", reader.RawKey, "", http.StatusForbidden},
		{"reader config", http.MethodGet, "/api/server/config", reader.RawKey, "", http.StatusForbidden},
		{"reader restart", http.MethodPost, "/api/server/restart", reader.RawKey, "", http.StatusForbidden},
		{"reader list keys", http.MethodGet, "/api/auth/keys", reader.RawKey, "", http.StatusForbidden},
		{"reader create key", http.MethodPost, "/api/auth/keys", reader.RawKey, `{"scopes":["*"]}`, http.StatusForbidden},
		{"master train", http.MethodPost, "/api/model/train", master.RawKey, "abc", http.StatusOK},
		{"master config", http.MethodGet, "/api/server/config", master.RawKey, "", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doKeyedRequest(t, s, tc.method, tc.target, tc.key, strings.NewReader(tc.body))
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	select {
	case action := <-actionChan:
		t.Errorf("unauthorized request triggered action %q", action)
	default:
	}
	if got := s.model.GrandTotal(); got != 3 {
		t.Errorf("GrandTotal() = %d, want 3 from the master key only", got)
	}
}

func TestAuthKeyManagement(t *testing.T) {
	s, _ := setupTestServer(t)
	master := createKey(t, s, "")
	writer := createKey(t, s, master.RawKey, scopeModelWrite, scopeModelRead)

	rec := doKeyedRequest(t, s, http.MethodGet, "/api/auth/me", writer.RawKey, nil)
	var me struct {
		Scopes []string `json:"scopes"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&me)
	if len(me.Scopes) != 2 {
		t.Errorf("me scopes = %v, want 2 scopes", me.Scopes)
	}

	rec = doKeyedRequest(t, s, http.MethodGet, "/api/auth/keys", master.RawKey, nil)
	var keys []APIKeyInfo
	_ = json.NewDecoder(rec.Body).Decode(&keys)
	if len(keys) != 2 {
		t.Fatalf("listed %d keys, want 2", len(keys))
	}

	rec = doKeyedRequest(t, s, http.MethodDelete, "/api/auth/keys/1", master.RawKey, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("deleting the master key status = %d, want 400", rec.Code)
	}
	rec = doKeyedRequest(t, s, http.MethodDelete, "/api/auth/keys/"+strconv.Itoa(writer.ID), master.RawKey, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete key status = %d, want 204", rec.Code)
	}
	rec = doKeyedRequest(t, s, http.MethodGet, "/api/model/stats", writer.RawKey, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("deleted key status = %d, want 401", rec.Code)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	s, _ := setupTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/model/train", strings.NewReader("keep me"))
	if rec := doRequest(t, s, http.MethodPost, "/api/model/save", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("save status = %d", rec.Code)
	}

	rec := doRequest(t, s, http.MethodDelete, "/api/model/snapshots/"+s.config.ModelName, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, s, http.MethodGet, "/api/model/snapshots", nil)
	var infos []store.ModelInfo
	_ = json.NewDecoder(rec.Body).Decode(&infos)
	if len(infos) != 0 {
		t.Errorf("snapshots after delete = %+v, want none", infos)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/model/snapshots/"+s.config.ModelName, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/api/model/snapshots/"+s.config.ModelName, nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "DELETE" {
		t.Errorf("GET snapshot status = %d, Allow = %q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestImportTooLarge(t *testing.T) {
	s, _ := setupTestServer(t)
	body := strings.Repeat(" ", 2048) + `{"transitions":[]}`
	rec := doRequest(t, s, http.MethodPost, "/api/model/import", strings.NewReader(body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413, body = %s", rec.Code, rec.Body.String())
	}
}
