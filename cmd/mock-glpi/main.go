// mock-glpi is a development stand-in for a GLPI REST backend: session
// endpoints, the numeric-criteria search API and item CRUD, backed by a
// small in-memory fixture set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/httpx"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type mockStore struct {
	mu     sync.Mutex
	nextID int
	tables map[string]map[int]map[string]any
}

func newMockStore() *mockStore {
	s := &mockStore{nextID: 100, tables: map[string]map[int]map[string]any{}}
	s.seed()
	return s
}

func (s *mockStore) seed() {
	s.tables["Computer"] = map[int]map[string]any{
		1: {"id": 1, "name": "WS-ACCOUNTING-01", "serial": "CZC1234ABC", "contact": "j.smith", "users_id": 7, "date_mod": "2026-05-01 10:00:00"},
		2: {"id": 2, "name": "WS-ACCOUNTING-02", "serial": "CZC5678DEF", "contact": "m.jones", "users_id": 8, "date_mod": "2026-06-12 09:30:00"},
	}
	s.tables["User"] = map[int]map[string]any{
		7: {"id": 7, "name": "j.smith", "firstname": "John", "realname": "Smith", "is_active": 1, "is_deleted": 0},
		8: {"id": 8, "name": "m.jones", "firstname": "Mary", "realname": "Jones", "is_active": 1, "is_deleted": 0},
	}
	s.tables["Ticket"] = map[int]map[string]any{
		41: {"id": 41, "name": "Printer offline", "users_id": 7, "date_mod": "2026-07-02 14:00:00"},
	}
}

func runMock(initTelemetry func(ctx context.Context, service string) (func(context.Context) error, error), listen func(server *http.Server) error) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "mock-glpi")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := newMockStore()
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "mock-glpi"})
	})
	r.Get("/apirest.php/initSession", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"session_token": uuid.NewString()})
	})
	r.Get("/apirest.php/killSession", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{})
	})
	r.Get("/apirest.php/search/{table}", store.handleSearch)
	r.Get("/apirest.php/{table}/{id}", store.handleGet)
	r.Post("/apirest.php/{table}", store.handleCreate)
	r.Put("/apirest.php/{table}/{id}", store.handleUpdate)
	r.Delete("/apirest.php/{table}/{id}", store.handleDelete)

	addr := env("ADDR", ":8088")
	log.Printf("mock-glpi listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return listen(server)
}

func (s *mockStore) handleSearch(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		httpx.Error(w, 404, "unknown table")
		return
	}
	term := strings.ToLower(r.URL.Query().Get("criteria[0][value]"))
	var data []map[string]any
	for _, row := range rows {
		if term == "" || rowMatches(row, term) {
			data = append(data, row)
		}
	}
	httpx.WriteJSON(w, 200, map[string]any{"totalcount": len(data), "data": data})
}

func rowMatches(row map[string]any, term string) bool {
	for _, key := range []string{"name", "serial", "contact", "firstname", "realname"} {
		if v, ok := row[key].(string); ok && strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

func (s *mockStore) handleGet(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, row)
}

func (s *mockStore) handleCreate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	var envelope struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil || envelope.Input == nil {
		httpx.Error(w, 400, "invalid input")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = map[int]map[string]any{}
	}
	s.nextID++
	envelope.Input["id"] = s.nextID
	s.tables[table][s.nextID] = envelope.Input
	httpx.WriteJSON(w, 201, map[string]any{"id": s.nextID})
}

func (s *mockStore) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var envelope struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		httpx.Error(w, 400, "invalid input")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		httpx.Error(w, 404, "not found")
		return
	}
	for k, v := range envelope.Input {
		row[k] = v
	}
	httpx.WriteJSON(w, 200, map[string]any{"id": id})
}

func (s *mockStore) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table][id]; !ok {
		httpx.Error(w, 404, "not found")
		return
	}
	delete(s.tables[table], id)
	httpx.WriteJSON(w, 200, map[string]any{"id": id})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
