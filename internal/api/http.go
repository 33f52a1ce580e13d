package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/SimplyPrint/pcsc-sim/internal/settings"
	"github.com/SimplyPrint/pcsc-sim/internal/stubbing"
	"github.com/SimplyPrint/pcsc-sim/internal/winscard"
	"github.com/ebfe/scard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// Not set via ldflags: fall back to VCS info from the build
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// shutdownHandler is called when a shutdown is requested via API
var shutdownHandler func()

// SetShutdownHandler sets the callback for shutdown requests
func SetShutdownHandler(handler func()) {
	shutdownHandler = handler
}

// NewRouter constructs the HTTP router for the API.
func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(corsMiddleware)
	r.Use(recoveryMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", handleVersion)
		r.Get("/health", handleHealth)
		r.Get("/logs", handleGetLogs)
		r.Delete("/logs", handleClearLogs)
		r.Get("/crashes", handleCrashes)
		r.Get("/settings", handleGetSettings)
		r.Post("/settings", handleUpdateSettings)
		r.Post("/shutdown", handleShutdown)
		r.Get("/supported", handleSupported)

		r.Route("/contexts", func(r chi.Router) {
			r.Get("/", handleListContexts)
			r.Post("/", handleEstablishContext)
			r.Route("/{context}", func(r chi.Router) {
				r.Get("/", handleValidateContext)
				r.Delete("/", handleReleaseContext)
				r.Post("/cancel", handleCancel)
				r.Post("/status-change", handleStatusChange)
				r.Post("/connect", handleConnect)
				r.Get("/readers", handleListReaders)
				r.Post("/readers", handleAttachReader)
				r.Put("/readers/{reader}/card", handleInsertCard)
				r.Delete("/readers/{reader}/card", handleRemoveCard)
			})
		})

		r.Route("/cards/{card}", func(r chi.Router) {
			r.Delete("/", handleDisconnect)
			r.Get("/status", handleStatus)
			r.Post("/transaction", handleBeginTransaction)
			r.Delete("/transaction", handleEndTransaction)
			r.Post("/transmit", handleTransmit)
		})

		r.Route("/stubs", func(r chi.Router) {
			r.Get("/", handleListStubs)
			r.Delete("/", handleClearStubs)
			r.Put("/return-codes", handleSetReturnCode)
			r.Put("/out-params", handleSetOutParam)
		})

		r.Get("/ws", InitWebSocket())
	})

	return r
}

// requestLogger records each request in the HTTP log category.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug(logging.CatHTTP, "Request", map[string]any{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"bytes":     ww.BytesWritten(),
			"duration":  time.Since(start).String(),
			"requestId": middleware.GetReqID(r.Context()),
		})
	})
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				crashFile := logging.ReportPanic(logging.CatHTTP, fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path), rec, debug.Stack(), map[string]any{
					"method":    r.Method,
					"path":      r.URL.Path,
					"requestId": middleware.GetReqID(r.Context()),
				})

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest
	}
	var code scard.Error
	if !errors.As(err, &code) {
		return http.StatusInternalServerError
	}
	switch code {
	case scard.ErrInvalidHandle, scard.ErrUnknownReader, scard.ErrReaderUnavailable:
		return http.StatusNotFound
	case scard.ErrInvalidValue, scard.ErrInvalidParameter, scard.ErrCardUnsupported,
		scard.ErrReaderUnsupported, scard.ErrInsufficientBuffer:
		return http.StatusBadRequest
	case scard.ErrTimeout:
		return http.StatusRequestTimeout
	case scard.ErrNoSmartcard, scard.ErrRemovedCard, scard.ErrResetCard, core.ErrCardInReader,
		scard.ErrSharingViolation, scard.ErrNotTransacted, scard.ErrCancelled:
		return http.StatusConflict
	case scard.ErrUnsupportedFeature:
		return http.StatusNotImplemented
	case scard.ErrNoReadersAvailable:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.CaptureError(err, "http", nil)
	}
	respondJSON(w, status, errorBody(err))
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func handleParam(r *http.Request, name string) (winscard.Handle, error) {
	return parseHandle(chi.URLParam(r, name))
}

func readerParam(r *http.Request) string {
	raw := chi.URLParam(r, "reader")
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"contexts": len(core.Handles.Contexts()),
	})
}

// Snapshot summarizes live simulator objects for crash reports.
func Snapshot() map[string]any {
	handles := core.Handles.Contexts()
	readers, cards, connections := 0, 0, 0
	for _, h := range handles {
		ctx, err := core.Handles.Context(h)
		if err != nil {
			continue
		}
		for _, rd := range ctx.Readers() {
			readers++
			if rd.HasCard() {
				cards++
			}
		}
		connections += ctx.Connections()
	}
	snap := map[string]any{
		"contexts":    len(handles),
		"readers":     readers,
		"cards":       cards,
		"connections": connections,
	}
	if hub := wsHub.Load(); hub != nil {
		snap["wsClients"] = hub.ClientCount()
	}
	return snap
}

func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	go shutdownHandler()
}

func handleSupported(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"readers": core.SupportedReaders(),
		"cards":   core.SupportedCards(),
	}
	query := r.URL.Query()
	if name := query.Get("reader"); name != "" {
		resp["readerSuggestion"] = core.SuggestReader(name)
	}
	if name := query.Get("card"); name != "" {
		resp["cardSuggestion"] = core.SuggestCard(name)
	}
	respondJSON(w, http.StatusOK, resp)
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Limit (default 100, max 1000)
	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 1000)
		}
	}

	var minLevel *logging.Level
	if levelStr := query.Get("level"); levelStr != "" {
		l := logging.ParseLevel(levelStr)
		minLevel = &l
	}

	var category *logging.Category
	if catStr := query.Get("category"); catStr != "" {
		c := logging.Category(catStr)
		category = &c
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": logging.Get().GetEntries(limit, minLevel, category),
		"stats":   logging.Get().Stats(),
	})
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logging.Get().Clear()
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "logs cleared",
	})
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

func handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s := settings.Get()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashReporting": s.CrashReporting,
		"logLevel":       s.LogLevel,
	})
}

func handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CrashReporting *bool   `json:"crashReporting"`
		LogLevel       *string `json:"logLevel"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	if req.LogLevel != nil {
		if err := settings.SetLogLevel(*req.LogLevel); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, settings.ErrInvalidLogLevel) {
				status = http.StatusBadRequest
			}
			respondJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		logging.Get().SetLevel(logging.ParseLevel(*req.LogLevel))
	}

	if req.CrashReporting != nil {
		if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}
	}

	s := settings.Get()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashReporting": s.CrashReporting,
		"logLevel":       s.LogLevel,
		"message":        "Settings updated. Crash reporting changes take effect after a restart.",
	})
}

func handleListContexts(w http.ResponseWriter, r *http.Request) {
	handles := core.Handles.Contexts()
	ids := make([]uint64, len(handles))
	for i, h := range handles {
		ids[i] = uint64(h)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"contexts": ids})
}

func handleEstablishContext(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	resp, err := establishContext(req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func handleValidateContext(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err == nil {
		err = winscard.IsValidContext(h)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"context": uint64(h), "valid": true})
}

func handleReleaseContext(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err == nil {
		err = releaseContext(h)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "context released"})
}

func handleCancel(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err == nil {
		err = winscard.Cancel(h)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "waits cancelled"})
}

func handleListReaders(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err != nil {
		respondError(w, err)
		return
	}
	body, err := readersBody(h)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

func handleAttachReader(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err != nil {
		respondError(w, err)
		return
	}
	var req attachRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	id, err := attachReader(h, req.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"reader": id})
}

func handleInsertCard(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err != nil {
		respondError(w, err)
		return
	}
	var req cardRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	reader := readerParam(r)
	if err := insertCard(h, reader, req.Card); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reader": reader, "card": req.Card})
}

func handleRemoveCard(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err != nil {
		respondError(w, err)
		return
	}
	if err := removeCard(h, readerParam(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "card removed"})
}

func handleConnect(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err != nil {
		respondError(w, err)
		return
	}
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	resp, err := connect(h, req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// handleStatusChange is a long poll bounded by maxWait. The states are
// returned on timeout too so the caller can carry them into the next poll.
func handleStatusChange(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "context")
	if err != nil {
		respondError(w, err)
		return
	}
	var req statusChangeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	states, err := statusChange(r.Context(), h, req)
	if errors.Is(err, context.Canceled) {
		logging.Debug(logging.CatHTTP, "Status change abandoned by client", map[string]any{
			"context": uint64(h),
		})
		return
	}
	if err != nil {
		var code scard.Error
		if errors.As(err, &code) && states != nil {
			body := errorBody(err)
			body["states"] = states
			respondJSON(w, statusFor(err), body)
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"states": states})
}

func handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "card")
	if err != nil {
		respondError(w, err)
		return
	}
	disp, err := parseDisposition(r.URL.Query().Get("disposition"))
	if err == nil {
		err = winscard.Disconnect(h, disp)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "disconnected"})
}

// handleStatus reports the state word alongside a removed-card outcome.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "card")
	if err != nil {
		respondError(w, err)
		return
	}
	st, err := cardStatus(h)
	if err != nil {
		body := errorBody(err)
		if core.IsWarning(err) {
			body["state"] = st.State
		}
		respondJSON(w, statusFor(err), body)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func handleBeginTransaction(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "card")
	if err == nil {
		err = winscard.BeginTransaction(h)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "transaction started"})
}

func handleEndTransaction(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "card")
	if err != nil {
		respondError(w, err)
		return
	}
	disp, err := parseDisposition(r.URL.Query().Get("disposition"))
	if err == nil {
		err = winscard.EndTransaction(h, disp)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "transaction ended"})
}

func handleTransmit(w http.ResponseWriter, r *http.Request) {
	h, err := handleParam(r, "card")
	if err != nil {
		respondError(w, err)
		return
	}
	var req transmitRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	resp, err := transmit(h, req.APDU)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func handleListStubs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"overrides": stubbing.Default.List(),
		"functions": winscard.Functions,
	})
}

func handleClearStubs(w http.ResponseWriter, r *http.Request) {
	clearStubs(r.URL.Query().Get("module"))
	respondJSON(w, http.StatusOK, map[string]string{"success": "overrides cleared"})
}

func handleSetReturnCode(w http.ResponseWriter, r *http.Request) {
	var req returnCodeRequest
	err := decodeBody(r, &req)
	if err == nil {
		err = setReturnCode(req)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "return code set"})
}

func handleSetOutParam(w http.ResponseWriter, r *http.Request) {
	var req outParamRequest
	err := decodeBody(r, &req)
	if err == nil {
		err = setOutParam(req)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"success": "out parameter set"})
}
