package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vms-registry/internal/domain"
	"vms-registry/internal/export"
	"vms-registry/internal/media"
	"vms-registry/internal/reconcile"
	"vms-registry/internal/repository"
)

const registryPrefix = "/registry/api/v1/"

// RegistryHandler serves the administrative surface for the three record
// kinds: create/update (which go through the same reconcile path as
// notifications), lookup by any key, paginated listing, delete, export.
type RegistryHandler struct {
	engines map[string]*reconcile.Engine // path segment -> engine
	media   *media.Client                // may be nil
	logger  *zap.Logger
}

func NewRegistryHandler(devices, streams, nodes *reconcile.Engine, mediaClient *media.Client, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{
		engines: map[string]*reconcile.Engine{
			"devices": devices,
			"streams": streams,
			"nodes":   nodes,
		},
		media:  mediaClient,
		logger: logger,
	}
}

// RegisterRoutes 注册管理端路由
func (h *RegistryHandler) RegisterRoutes(r *Router) {
	r.Handle(registryPrefix, h.dispatch)
}

// dispatch routes /registry/api/v1/{kind}[/{id}|/lookup|/export] by hand;
// the surface is small enough that ServeMux plus a prefix switch stays
// simpler than pulling in a router dependency.
func (h *RegistryHandler) dispatch(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, registryPrefix)
	parts := strings.SplitN(rest, "/", 2)
	engine, ok := h.engines[parts[0]]
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("unknown collection"))
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && req.Method == http.MethodGet:
		h.list(w, req, engine)
	case sub == "" && req.Method == http.MethodPost:
		h.create(w, req, engine, parts[0])
	case sub == "lookup" && req.Method == http.MethodGet:
		h.lookup(w, req, engine)
	case sub == "export" && req.Method == http.MethodGet:
		h.export(w, req, engine)
	case sub != "" && req.Method == http.MethodGet:
		h.get(w, req, engine, sub)
	case sub != "" && req.Method == http.MethodPut:
		h.update(w, req, engine, sub)
	case sub != "" && req.Method == http.MethodDelete:
		h.delete(w, req, engine, parts[0], sub)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// recordView 对外返回的记录格式
type recordView struct {
	ID           string            `json:"id"`
	NaturalKey   string            `json:"naturalKey"`
	SecondaryKey string            `json:"secondaryKey,omitempty"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes"`
	LastSeen     string            `json:"lastSeen,omitempty"`
	CreatedAt    string            `json:"createdAt"`
	UpdatedAt    string            `json:"updatedAt"`
}

func toView(rec *domain.Record) recordView {
	v := recordView{
		ID:           rec.ID,
		NaturalKey:   rec.NaturalKey,
		SecondaryKey: rec.SecondaryKey,
		Status:       string(rec.Status),
		Attributes:   rec.Attributes,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !rec.LastSeen.IsZero() {
		v.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	return v
}

type mutateRequest struct {
	NaturalKey string            `json:"naturalKey"`
	Attributes map[string]string `json:"attributes"`
}

func (h *RegistryHandler) create(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine, collection string) {
	var body mutateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}
	if body.NaturalKey == "" {
		writeJSON(w, http.StatusBadRequest, Fail("naturalKey is required"))
		return
	}

	rec, err := engine.Reconcile(req.Context(), reconcile.Mutation{
		NaturalKey: body.NaturalKey,
		Attributes: body.Attributes,
		Source:     reconcile.SourceAdmin,
	})
	if err != nil {
		h.writeEngineError(w, err, "create failed")
		return
	}

	// creating a stream proxy also asks the media node to start pulling;
	// the proxy key it issues becomes the record's secondary key
	if collection == "streams" && h.media != nil {
		if url := rec.Attr("url"); url != "" && rec.SecondaryKey == "" {
			if key, merr := h.media.AddStreamProxy(req.Context(), appOf(rec.NaturalKey), streamOf(rec.NaturalKey), url, rec.Attr("rtp_type")); merr == nil {
				if updated, uerr := engine.Reconcile(req.Context(), reconcile.Mutation{
					SurrogateID: rec.ID,
					Attributes:  map[string]string{"proxy_key": key},
					Source:      reconcile.SourceAdmin,
				}); uerr == nil {
					rec = updated
				} else {
					// the node is already pulling under this key; an operator
					// has to reconcile the orphaned proxy by hand
					h.logger.Warn("proxy key not recorded",
						zap.String("stream", rec.NaturalKey),
						zap.String("key", key),
						zap.Error(uerr),
					)
				}
			} else {
				h.logger.Warn("media node refused stream proxy",
					zap.String("stream", rec.NaturalKey),
					zap.Error(merr),
				)
			}
		}
	}

	writeJSON(w, http.StatusOK, Ok(toView(rec)))
}

func (h *RegistryHandler) update(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine, id string) {
	var body mutateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}

	rec, err := engine.Reconcile(req.Context(), reconcile.Mutation{
		SurrogateID: id,
		NaturalKey:  body.NaturalKey,
		Attributes:  body.Attributes,
		Source:      reconcile.SourceAdmin,
	})
	if err != nil {
		h.writeEngineError(w, err, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, Ok(toView(rec)))
}

func (h *RegistryHandler) get(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine, id string) {
	rec, err := engine.GetBySurrogate(req.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, Ok(toView(rec)))
}

// lookup 按 natural/secondary key 查询（natural key 可能含 "/"，走 query 参数）
func (h *RegistryHandler) lookup(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine) {
	q := req.URL.Query()
	var (
		rec *domain.Record
		err error
	)
	switch {
	case q.Get("naturalKey") != "":
		rec, err = engine.GetByNatural(req.Context(), q.Get("naturalKey"))
	case q.Get("secondaryKey") != "":
		rec, err = engine.GetBySecondary(req.Context(), q.Get("secondaryKey"))
	default:
		writeJSON(w, http.StatusBadRequest, Fail("naturalKey or secondaryKey is required"))
		return
	}
	if err != nil {
		h.writeEngineError(w, err, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, Ok(toView(rec)))
}

type listResponse struct {
	Items []recordView `json:"items"`
	Total int          `json:"total"`
}

func (h *RegistryHandler) list(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine) {
	q := req.URL.Query()

	filters := repository.ListFilters{
		SearchKeyword: q.Get("search"),
	}
	if st := q.Get("status"); st != "" {
		filters.Status = strings.Split(st, ",")
		for i := range filters.Status {
			filters.Status[i] = strings.TrimSpace(filters.Status[i])
		}
	}

	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	items, total, err := engine.Store().List(req.Context(), filters, page, size)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("list failed"))
		return
	}

	views := make([]recordView, len(items))
	for i, rec := range items {
		views[i] = toView(rec)
	}
	writeJSON(w, http.StatusOK, Ok(listResponse{Items: views, Total: total}))
}

func (h *RegistryHandler) delete(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine, collection, id string) {
	// tear down the media-side pull before dropping a stream record; a key
	// the node already forgot is fine
	if collection == "streams" && h.media != nil {
		if rec, err := engine.GetBySurrogate(req.Context(), id); err == nil && rec.SecondaryKey != "" {
			if merr := h.media.DelStreamProxy(req.Context(), rec.SecondaryKey); merr != nil {
				h.logger.Warn("could not remove stream proxy",
					zap.String("stream", rec.NaturalKey),
					zap.Error(merr),
				)
			}
		}
	}

	if err := engine.Delete(req.Context(), id); err != nil {
		h.writeEngineError(w, err, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, Ok(true))
}

func (h *RegistryHandler) export(w http.ResponseWriter, req *http.Request, engine *reconcile.Engine) {
	items, _, err := engine.Store().List(req.Context(), repository.ListFilters{}, 1, 10000)
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("export failed"))
		return
	}

	f, err := export.RecordsXLSX(engine.Kind().Name, items)
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("export failed"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+engine.Kind().Name+`-records.xlsx"`)
	if err := f.Write(w); err != nil {
		h.logger.Error("export write failed", zap.Error(err))
	}
}

func (h *RegistryHandler) writeEngineError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, reconcile.ErrContended):
		writeJSON(w, http.StatusConflict, Busy("record busy, try again"))
	case errors.Is(err, reconcile.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail("record not found"))
	case errors.Is(err, reconcile.ErrNoIdentity):
		writeJSON(w, http.StatusBadRequest, Fail("no usable identity in request"))
	default:
		h.logger.Error(msg, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(msg))
	}
}

func appOf(naturalKey string) string {
	if i := strings.Index(naturalKey, "/"); i >= 0 {
		return naturalKey[:i]
	}
	return naturalKey
}

func streamOf(naturalKey string) string {
	if i := strings.Index(naturalKey, "/"); i >= 0 {
		return naturalKey[i+1:]
	}
	return ""
}
