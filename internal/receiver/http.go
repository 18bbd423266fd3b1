package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"pairtrader/internal/engine"
	"pairtrader/internal/orchestrator"
	"pairtrader/internal/store"
	"pairtrader/internal/strategy"
	"pairtrader/internal/types"
)

// HTTPReceiver is the read-mostly status boundary: batch progress, pair
// state, readiness probes, plus two operator actions (paper reset, strategy
// switch). Everything heavier lives behind the core's own interfaces.
type HTTPReceiver struct {
	server    *http.Server
	logger    *slog.Logger
	port      int
	store     store.Store
	scheduler *orchestrator.Scheduler
	orch      *orchestrator.Orchestrator
	registry  *strategy.Registry
	wallet    *engine.PaperWallet

	paperStartBalance float64
}

func NewHTTPReceiver(port int, st store.Store, sched *orchestrator.Scheduler, orch *orchestrator.Orchestrator, registry *strategy.Registry, wallet *engine.PaperWallet, paperStartBalance float64, logger *slog.Logger) *HTTPReceiver {
	return &HTTPReceiver{
		port:              port,
		store:             st,
		scheduler:         sched,
		orch:              orch,
		registry:          registry,
		wallet:            wallet,
		paperStartBalance: paperStartBalance,
		logger:            logger,
	}
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/batch/state", r.handleBatchState)
	mux.HandleFunc("/pairs", r.handlePairs)
	mux.HandleFunc("/pairs/auto", r.handleAutoPairs)
	mux.HandleFunc("/readiness", r.handleReadiness)
	mux.HandleFunc("/stats", r.handleStats)
	mux.HandleFunc("/strategies", r.handleStrategies)
	mux.HandleFunc("/logs", r.handleLogs)
	mux.HandleFunc("/strategy/activate", r.handleStrategyActivate)
	mux.HandleFunc("/paper/reset", r.handlePaperReset)
	mux.HandleFunc("/", r.handleRoot)

	r.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", r.port),
		Handler:      r.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	r.logger.Info("[RECEIVER] Starting HTTP server",
		"port", r.port,
		"address", r.server.Addr,
	)

	errChan := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.logger.Info("[RECEIVER] Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}

// loggingMiddleware logs all incoming requests.
func (r *HTTPReceiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, req)

		r.logger.Info("[RECEIVER] Request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", req.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (r *HTTPReceiver) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "pairtrader",
		"endpoints": []string{
			"GET /health - Health check",
			"GET /batch/state - Batch scheduler progress",
			"GET /pairs - Pair configurations and engine status",
			"GET /pairs/auto - Auto-enabled pairs with confidence",
			"GET /readiness?pair=BTCUSDT - Probe one pair",
			"GET /stats?mode=PAPER - Closed-trade statistics",
			"GET /strategies - Registered strategy variants",
			"GET /logs?limit=100 - Recent operational log",
			"POST /strategy/activate - Switch active variant",
			"POST /paper/reset - Reset paper wallet and trades",
		},
	})
}

func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (r *HTTPReceiver) handleBatchState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.sendSuccess(w, "", r.scheduler.State())
}

func (r *HTTPReceiver) handlePairs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	configs, err := r.store.PairConfigs(req.Context())
	if err != nil {
		r.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	statuses := r.orch.PairStatuses()

	type pairView struct {
		types.PairConfig
		Status types.PairStatus `json:"status,omitempty"`
	}
	out := make([]pairView, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, pairView{PairConfig: cfg, Status: statuses[cfg.Pair]})
	}
	r.sendSuccess(w, "", out)
}

func (r *HTTPReceiver) handleAutoPairs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pairs, err := r.scheduler.AutoEnabledPairs(req.Context())
	if err != nil {
		r.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.sendSuccess(w, "", pairs)
}

func (r *HTTPReceiver) handleReadiness(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pair := req.URL.Query().Get("pair")
	if pair == "" {
		r.sendError(w, http.StatusBadRequest, "pair query parameter required")
		return
	}
	probe, err := r.scheduler.Readiness(req.Context(), pair)
	if err != nil {
		r.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	r.sendSuccess(w, "", probe)
}

func (r *HTTPReceiver) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	mode := types.Mode(req.URL.Query().Get("mode"))
	if mode == "" {
		mode = types.ModePaper
	}
	if mode != types.ModePaper && mode != types.ModeReal {
		r.sendError(w, http.StatusBadRequest, "mode must be PAPER or REAL")
		return
	}
	stats, err := r.store.TradeStats(req.Context(), mode)
	if err != nil {
		r.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.sendSuccess(w, "", stats)
}

func (r *HTTPReceiver) handleStrategies(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	infos := r.registry.List()
	_, active := r.registry.Active()
	r.sendSuccess(w, "", map[string]interface{}{
		"active":   active,
		"variants": infos,
	})
}

func (r *HTTPReceiver) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			r.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := r.store.RecentLogs(req.Context(), limit)
	if err != nil {
		r.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.sendSuccess(w, "", entries)
}

func (r *HTTPReceiver) handleStrategyActivate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" {
		r.sendError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := r.registry.Activate(body.Name); err != nil {
		r.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.store.SetActiveStrategy(req.Context(), body.Name); err != nil {
		r.logger.Error("[RECEIVER] Failed to persist active strategy", "error", err)
	}
	r.sendSuccess(w, "strategy activated", map[string]string{"active": body.Name})
}

func (r *HTTPReceiver) handlePaperReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.wallet.Reset(req.Context(), r.paperStartBalance); err != nil {
		r.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.sendSuccess(w, "paper state reset", map[string]float64{"balance": r.paperStartBalance})
}

func (r *HTTPReceiver) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func (r *HTTPReceiver) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := map[string]interface{}{
		"success": true,
		"data":    data,
	}
	if message != "" {
		resp["message"] = message
	}
	json.NewEncoder(w).Encode(resp)
}
