// Package web exposes the bot controls over HTTP.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/internal/services/monitor"
	"github.com/vadiminshakov/sniper/internal/storage/logs"
)

const (
	logPollInterval = 2 * time.Second
	defaultLimit    = 100
	maxBodyBytes    = 1 << 20
)

type controller interface {
	Start(ctx context.Context) error
	Stop() error
	Status() internal.BotState
	ActivePositions() int
	Positions() []monitor.Snapshot
	Position(id string) (monitor.Snapshot, bool)
	PositionStates() map[domain.PositionState]int
	DetectedPools() []domain.DetectedPool
}

type settingsStore interface {
	Get() config.Settings
	Update(patch map[string]any) (config.Settings, error)
}

type tradeReader interface {
	Trades(ctx context.Context, limit int, dir *domain.Direction) ([]domain.Trade, error)
}

type logReader interface {
	Recent(limit int) ([]domain.LogEntry, error)
	EntriesAfter(index uint64) ([]logs.Record, error)
}

// Server exposes the JSON control API, a log event stream and a small status page.
type Server struct {
	Addr     string
	bot      controller
	settings settingsStore
	trades   tradeReader
	logs     logReader
	logger   *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(addr string, bot controller, settings settingsStore, trades tradeReader, logs logReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Addr: addr, bot: bot, settings: settings, trades: trades, logs: logs, logger: logger}
}

// Handler returns the routes of the control surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /api/detected-pairs", s.handleDetectedPools)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/{id}", s.handlePosition)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("control server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	Status          internal.BotState            `json:"status"`
	ActivePositions int                          `json:"activePositions"`
	Positions       map[domain.PositionState]int `json:"positions"`
	DetectedPools   int                          `json:"detectedPools"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) status() statusResponse {
	return statusResponse{
		Status:          s.bot.Status(),
		ActivePositions: s.bot.ActivePositions(),
		Positions:       s.bot.PositionStates(),
		DetectedPools:   len(s.bot.DetectedPools()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.Start(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, domain.ErrFatalInit) {
			code = http.StatusBadGateway
		}
		s.writeError(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()

	var patch map[string]any
	if err := dec.Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode settings"))
		return
	}

	updated, err := s.settings.Update(patch)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, domain.ErrConfiguration) {
			code = http.StatusBadRequest
		}
		s.writeError(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var dir *domain.Direction
	if raw := r.URL.Query().Get("type"); raw != "" {
		d, err := domain.ParseDirection(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		dir = &d
	}

	trades, err := s.trades.Trades(r.Context(), limit, dir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := s.logs.Recent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDetectedPools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bot.DetectedPools())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bot.Positions())
}

// handleLogStream pushes log entries as server-sent events, starting after ?after=<index>.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.bot.Position(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("position %q not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastIndex uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after %q", raw))
			return
		}
		lastIndex = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// comment heartbeat every 30s so proxies keep connection
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(logPollInterval)
	defer pollTicker.Stop()

	send := func() error {
		records, err := s.logs.EntriesAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", record.Index, payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		s.logger.Warn("log stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := send(); err != nil {
				s.logger.Warn("log stream poll", zap.Error(err))
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, strings.TrimSpace(indexHTML))
}

const indexHTML = `
<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>sniper</title>
<style>
body { font-family: ui-monospace, monospace; background: #111; color: #ddd; margin: 2rem; }
button { margin-right: .5rem; }
table { border-collapse: collapse; margin-top: 1rem; width: 100%; }
td, th { border-bottom: 1px solid #333; padding: .25rem .5rem; text-align: left; }
#logs { white-space: pre-wrap; height: 20rem; overflow-y: auto; background: #000; padding: .5rem; }
</style>
</head>
<body>
<h1>sniper <span id="status">...</span></h1>
<button onclick="post('/api/start')">start</button>
<button onclick="post('/api/stop')">stop</button>
<h2>positions</h2>
<table id="positions"></table>
<h2>trades</h2>
<table id="trades"></table>
<h2>logs</h2>
<div id="logs"></div>
<script>
async function post(path) {
  const res = await fetch(path, {method: 'POST'});
  const body = await res.json();
  if (!res.ok) alert(body.error);
  refresh();
}
function rows(id, items, cols) {
  const t = document.getElementById(id);
  t.innerHTML = '<tr>' + cols.map(c => '<th>' + c + '</th>').join('') + '</tr>' +
    items.map(i => '<tr>' + cols.map(c => '<td>' + c.split('.').reduce((o, k) => o && o[k], i) + '</td>').join('') + '</tr>').join('');
}
async function refresh() {
  const s = await (await fetch('/api/status')).json();
  document.getElementById('status').textContent = s.status + ' / ' + s.activePositions + ' active';
  rows('positions', await (await fetch('/api/positions')).json(), ['position.token', 'state', 'changePercent']);
  rows('trades', await (await fetch('/api/trades?limit=20')).json(), ['timestamp', 'type', 'tokenAddress', 'amountIn', 'txHash']);
}
const es = new EventSource('/api/logs/stream');
es.addEventListener('log', e => {
  const l = JSON.parse(e.data);
  const div = document.getElementById('logs');
  div.insertAdjacentText('afterbegin', l.timestamp + ' ' + l.level + ' ' + l.message + '\n');
});
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
