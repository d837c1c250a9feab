package web

import (
	"encoding/json"
	"net/http"

	"liuproxy_tunnel/internal/shared/logger"
)

// Controller 是 web 层操作运行时的接口，由 app.AppServer 实现。
type Controller interface {
	Status() any
	Outbounds() any
	Bindings() any
	RecentTargets() []string
	Reload() error
	// RequestShutdown 异步触发关闭，立即返回
	RequestShutdown() error
}

type Handler struct {
	controller Controller
}

func NewHandler(controller Controller) *Handler {
	return &Handler{controller: controller}
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

func (h *Handler) HandleOutbounds(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Outbounds())
}

// HandleNAT 返回当前 UDP 绑定的快照
func (h *Handler) HandleNAT(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Bindings())
}

func (h *Handler) HandleGetRecentTargets(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	targets := h.controller.RecentTargets()
	if targets == nil {
		targets = []string{}
	}
	writeJSON(w, http.StatusOK, targets)
}

// HandleReload 处理 POST /api/reload，重新读取配置文件并替换规则集
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.controller.Reload(); err != nil {
		logger.Warn().Err(err).Msg("Web: rule reload failed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.controller.RequestShutdown(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Web: failed to encode response")
	}
}
