package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

const mappingYAML = `
audit:
  allocator:
    strategy: pooled
    block_size: 10
entities:
  - name: Note
    id:
      - name: id
    properties:
      - name: body
`

func TestNewServerWiresEngine(t *testing.T) {
	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "mapping.yaml")
	if err := os.WriteFile(mappingPath, []byte(mappingYAML), 0o600); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	server, closer, err := NewServer(context.Background(), Config{
		Addr:        ":0",
		DBPath:      filepath.Join(dir, "app.sqlite"),
		MappingPath: mappingPath,
		Logger:      log,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = closer.Close() })

	if _, err := os.Stat(filepath.Join(dir, "app.sqlite.seq")); err != nil {
		t.Fatalf("expected sequence database next to the main one: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/v1/entities/Note/1", strings.NewReader(`{"body":"hello"}`))
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"revision":1`) {
		t.Fatalf("unexpected save response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "revaudit_revisions_allocated_total 1") {
		t.Fatalf("expected allocation counter in metrics, got %d", rec.Code)
	}
}

func TestReplayRepublishesCommittedRevisions(t *testing.T) {
	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "mapping.yaml")
	if err := os.WriteFile(mappingPath, []byte(mappingYAML), 0o600); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := Config{DBPath: filepath.Join(dir, "app.sqlite"), MappingPath: mappingPath, Allocator: "increment", Logger: log}

	server, closer, err := NewServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/entities/Note/"+id, strings.NewReader(`{"body":"x"}`)))
		if rec.Code != http.StatusOK {
			t.Fatalf("save %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sent, err := Replay(context.Background(), cfg, 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected revisions 2 and 3 to be replayed, got %d", sent)
	}
}

func TestIncrementAllocatorKeepsReservedIdsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "mapping.yaml")
	if err := os.WriteFile(mappingPath, []byte(mappingYAML), 0o600); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	dbPath := filepath.Join(dir, "app.sqlite")
	cfg := Config{DBPath: dbPath, MappingPath: mappingPath, Allocator: "increment", Logger: log}

	save := func(want string) {
		t.Helper()
		server, closer, err := NewServer(context.Background(), cfg)
		if err != nil {
			t.Fatalf("new server: %v", err)
		}
		defer closer.Close()
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/entities/Note/1", strings.NewReader(`{"body":"x"}`)))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("save: %d %s, want %s", rec.Code, rec.Body.String(), want)
		}
	}

	save(`"revision":1`)
	if _, err := os.Stat(dbPath + ".seq"); err != nil {
		t.Fatalf("expected sequence database for the increment strategy: %v", err)
	}

	// Revision 1 vanishes from the audit tables; the reserve still remembers it.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	save(`"revision":2`)
}

func TestNewServerRejectsBadMapping(t *testing.T) {
	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "mapping.json")
	if err := os.WriteFile(mappingPath, []byte(`{"entities":[]}`), 0o600); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	_, _, err := NewServer(context.Background(), Config{DBPath: filepath.Join(dir, "app.sqlite"), MappingPath: mappingPath})
	if err == nil {
		t.Fatalf("expected mapping validation error")
	}
}
