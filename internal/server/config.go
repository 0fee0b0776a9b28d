package server

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/runrelay/config"
)

const (
	defaultChangeLimit = 50
	maxChangeLimit     = 1000
)

// ChangeLog 配置热重载的变更历史
type ChangeLog interface {
	Version() int
	GetChangeLog(limit int) []config.ConfigChange
}

// ConfigHandler 只读的配置变更历史接口，敏感字段的取值已在记录时脱敏
type ConfigHandler struct {
	changes ChangeLog
	logger  *zap.Logger
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(changes ChangeLog, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{changes: changes, logger: logger}
}

// Register 注册路由
func (h *ConfigHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/config/changes", h.HandleChanges)
}

// HandleChanges GET /api/v1/config/changes?limit=N
func (h *ConfigHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit := defaultChangeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxChangeLimit {
			WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 1000", h.logger)
			return
		}
		limit = n
	}

	changes := h.changes.GetChangeLog(limit)
	if changes == nil {
		changes = []config.ConfigChange{}
	}
	WriteSuccess(w, map[string]any{
		"version": h.changes.Version(),
		"changes": changes,
	})
}
