package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vms-registry/internal/media"
	"vms-registry/internal/reconcile"
)

// hookAck 流媒体节点要求的应答格式（code=0 表示接受）
type hookAck struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Close bool   `json:"close,omitempty"`
}

// HookHandler receives the media node's webhook callbacks and translates
// them into engine calls. Every hook is ACKed even when the registry could
// not apply it: the node redelivers on its keepalive cadence, and the
// reconcile path makes duplicates safe.
type HookHandler struct {
	nodes   *reconcile.Engine
	streams *reconcile.Engine
	media   *media.Client // may be nil (dev mode without a media node)
	logger  *zap.Logger
}

func NewHookHandler(nodes, streams *reconcile.Engine, mediaClient *media.Client, logger *zap.Logger) *HookHandler {
	return &HookHandler{
		nodes:   nodes,
		streams: streams,
		media:   mediaClient,
		logger:  logger,
	}
}

// RegisterRoutes 注册 webhook 路由
func (h *HookHandler) RegisterRoutes(r *Router) {
	r.Handle("/index/hook/on_server_started", h.post(h.onServerStarted))
	r.Handle("/index/hook/on_server_keepalive", h.post(h.onServerKeepalive))
	r.Handle("/index/hook/on_stream_changed", h.post(h.onStreamChanged))
	r.Handle("/index/hook/on_stream_none_reader", h.post(h.onStreamNoneReader))
}

func (h *HookHandler) post(fn func(w http.ResponseWriter, req *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fn(w, req)
	}
}

type serverStartedHook struct {
	MediaServerID string `json:"mediaServerId"`
	BootID        string `json:"bootId"` // changes on every node restart
	APIPort       int    `json:"apiPort"`
	Version       string `json:"version"`
}

// onServerStarted 节点（重）启动：upsert 节点记录并补齐节点配置
func (h *HookHandler) onServerStarted(w http.ResponseWriter, req *http.Request) {
	var hook serverStartedHook
	if err := json.NewDecoder(req.Body).Decode(&hook); err != nil || hook.MediaServerID == "" {
		h.ack(w, &hookAck{Code: -1, Msg: "bad hook payload"})
		return
	}

	attrs := map[string]string{}
	if hook.APIPort > 0 {
		attrs["api_port"] = fmt.Sprintf("%d", hook.APIPort)
	}
	if hook.Version != "" {
		attrs["version"] = hook.Version
	}
	if h.media != nil {
		if cfg, err := h.media.GetServerConfig(req.Context()); err == nil {
			for k, v := range cfg {
				attrs[k] = v
			}
		} else {
			h.logger.Warn("could not fetch node config",
				zap.String("media_server_id", hook.MediaServerID),
				zap.Error(err),
			)
		}
	}

	if _, err := h.nodes.Reconcile(req.Context(), reconcile.Mutation{
		NaturalKey: hook.MediaServerID,
		Attributes: attrs,
		Source:     reconcile.SourceNotify,
	}); err != nil {
		h.logger.Warn("on_server_started not applied",
			zap.String("media_server_id", hook.MediaServerID),
			zap.Error(err),
		)
		h.ack(w, &hookAck{Code: 0, Msg: "success"})
		return
	}

	if _, err := h.nodes.MarkOnline(req.Context(), hook.MediaServerID, hook.BootID, time.Now()); err != nil {
		h.logger.Warn("node online transition failed",
			zap.String("media_server_id", hook.MediaServerID),
			zap.Error(err),
		)
	}
	h.ack(w, &hookAck{Code: 0, Msg: "success"})
}

type serverKeepaliveHook struct {
	MediaServerID string `json:"mediaServerId"`
}

func (h *HookHandler) onServerKeepalive(w http.ResponseWriter, req *http.Request) {
	var hook serverKeepaliveHook
	if err := json.NewDecoder(req.Body).Decode(&hook); err != nil || hook.MediaServerID == "" {
		h.ack(w, &hookAck{Code: -1, Msg: "bad hook payload"})
		return
	}

	if _, err := h.nodes.MarkOnline(req.Context(), hook.MediaServerID, "", time.Now()); err != nil {
		h.logger.Warn("on_server_keepalive not applied",
			zap.String("media_server_id", hook.MediaServerID),
			zap.Error(err),
		)
	}
	h.ack(w, &hookAck{Code: 0, Msg: "success"})
}

type streamChangedHook struct {
	MediaServerID string `json:"mediaServerId"`
	App           string `json:"app"`
	Stream        string `json:"stream"`
	Regist        bool   `json:"regist"`
}

// onStreamChanged 流注册/注销：按 app/stream 组合键维护流代理记录
func (h *HookHandler) onStreamChanged(w http.ResponseWriter, req *http.Request) {
	var hook streamChangedHook
	if err := json.NewDecoder(req.Body).Decode(&hook); err != nil || hook.App == "" || hook.Stream == "" {
		h.ack(w, &hookAck{Code: -1, Msg: "bad hook payload"})
		return
	}

	naturalKey := hook.App + "/" + hook.Stream
	var err error
	if hook.Regist {
		_, err = h.streams.MarkOnline(req.Context(), naturalKey, "", time.Now())
	} else {
		_, err = h.streams.MarkOffline(req.Context(), naturalKey, time.Now())
		if errors.Is(err, reconcile.ErrNotFound) {
			err = nil // a stream we never tracked went away, nothing to do
		}
	}
	if err != nil {
		h.logger.Warn("on_stream_changed not applied",
			zap.String("stream", naturalKey),
			zap.Bool("regist", hook.Regist),
			zap.Error(err),
		)
	}
	h.ack(w, &hookAck{Code: 0, Msg: "success"})
}

// onStreamNoneReader 无人观看：答复 close=true 让节点停拉，记录转离线
func (h *HookHandler) onStreamNoneReader(w http.ResponseWriter, req *http.Request) {
	var hook streamChangedHook
	if err := json.NewDecoder(req.Body).Decode(&hook); err != nil || hook.App == "" || hook.Stream == "" {
		h.ack(w, &hookAck{Code: -1, Msg: "bad hook payload"})
		return
	}

	naturalKey := hook.App + "/" + hook.Stream
	if _, err := h.streams.MarkOffline(req.Context(), naturalKey, time.Now()); err != nil && !errors.Is(err, reconcile.ErrNotFound) {
		h.logger.Warn("on_stream_none_reader not applied",
			zap.String("stream", naturalKey),
			zap.Error(err),
		)
	}
	h.ack(w, &hookAck{Code: 0, Msg: "success", Close: true})
}

func (h *HookHandler) ack(w http.ResponseWriter, ack *hookAck) {
	writeJSON(w, http.StatusOK, ack)
}
