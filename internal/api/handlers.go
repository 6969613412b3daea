package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"layengine/internal/config"
	"layengine/internal/control"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	controller *control.Controller
	cfg        config.ControlConfig
	hub        *Hub
	logger     *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(controller *control.Controller, cfg config.ControlConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		controller: controller,
		cfg:        cfg,
		hub:        hub,
		logger:     logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleState returns the current state snapshot (spec §6).
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	snap := h.controller.Snapshot(r.Context())
	h.writeJSON(w, http.StatusOK, snap)
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client,
// sending an initial state snapshot (spec §6 "live state view").
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), h.cfg, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := NewStateEvent(h.controller.Snapshot(r.Context()))
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

// HandleStart handles POST /control/start.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.controller.Start())
}

// HandleStop handles POST /control/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.controller.Stop())
}

// HandleDryRun handles POST /control/dry-run.
func (h *Handlers) HandleDryRun(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.controller.ToggleDryRun())
}

// HandleWindow handles POST /control/window.
func (h *Handlers) HandleWindow(w http.ResponseWriter, r *http.Request) {
	var body setProcessWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeResult(w, control.Result{Status: "error", Message: "malformed_request"})
		return
	}
	h.writeResult(w, h.controller.SetProcessWindow(body.Minutes))
}

// HandlePointValue handles POST /control/point-value.
func (h *Handlers) HandlePointValue(w http.ResponseWriter, r *http.Request) {
	var body setPointValueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeResult(w, control.Result{Status: "error", Message: "malformed_request"})
		return
	}
	h.writeResult(w, h.controller.SetPointValue(body.Value))
}

// HandleCountries handles POST /control/countries.
func (h *Handlers) HandleCountries(w http.ResponseWriter, r *http.Request) {
	var body setCountriesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeResult(w, control.Result{Status: "error", Message: "malformed_request"})
		return
	}
	h.writeResult(w, h.controller.SetCountries(body.Countries))
}

// HandleSpreadControl handles POST /control/spread-control.
func (h *Handlers) HandleSpreadControl(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.controller.ToggleSpreadControl())
}

// HandleJOFS handles POST /control/jofs.
func (h *Handlers) HandleJOFS(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.controller.ToggleJOFS())
}

// HandleReset handles POST /control/reset.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.controller.ResetBets())
}

func (h *Handlers) writeResult(w http.ResponseWriter, res control.Result) {
	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, res)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func isOriginAllowed(origin string, cfg config.ControlConfig, reqHost string) bool {
	if origin == "" {
		// Non-browser clients often omit Origin; keep this path functional.
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
