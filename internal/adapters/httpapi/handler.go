package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/usecase"
)

const (
	timeFormat      = "2006-01-02T15:04:05.999999999Z07:00"
	maxJSONBodySize = 1 << 20
	defaultLimit    = 100
	actorHeader     = "X-Actor"
)

// StateCodec converts entity state to and from its JSON document form.
type StateCodec interface {
	EncodeState(entity domain.EntityName, state domain.State) (json.RawMessage, error)
	DecodeState(entity domain.EntityName, raw json.RawMessage) (domain.State, error)
}

type Handler struct {
	entities *usecase.EntityService
	engine   *usecase.Engine
	states   StateCodec
	codec    *domain.IdentifierCodec
	metrics  http.Handler
	log      logrus.FieldLogger
}

// NewHandler builds the HTTP surface. metrics may be nil, in which case
// /metrics is not served.
func NewHandler(entities *usecase.EntityService, engine *usecase.Engine, states StateCodec, metrics http.Handler, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		entities: entities,
		engine:   engine,
		states:   states,
		codec:    domain.NewIdentifierCodec(engine.Metadata()),
		metrics:  metrics,
		log:      log,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(withActor)
		pr.Get("/v1/entities/{entity}/{id}", h.getEntity)
		pr.Put("/v1/entities/{entity}/{id}", h.saveEntity)
		pr.Delete("/v1/entities/{entity}/{id}", h.deleteEntity)
		pr.Post("/v1/entities:batch", h.batch)

		pr.Get("/v1/history/{entity}", h.revisionsOfEntity)
		pr.Get("/v1/history/{entity}/{id}", h.entityRevisions)
		pr.Get("/v1/history/{entity}/{id}/{rev}", h.findEntity)

		pr.Get("/v1/revisions:for-date", h.revisionForDate)
		pr.Get("/v1/revisions/{rev}", h.revisionInfo)
		pr.Get("/v1/revisions/{rev}/entity-types", h.entityTypesChanged)
		pr.Get("/v1/revisions/{rev}/entities/{entity}", h.entitiesAtRevision)
	})

	return r
}

type entityResponse struct {
	Entity    domain.EntityName `json:"entity"`
	ID        domain.Identifier `json:"id"`
	State     json.RawMessage   `json:"state"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

type writeResponse struct {
	Entity   domain.EntityName `json:"entity"`
	ID       domain.Identifier `json:"id"`
	Created  bool              `json:"created,omitempty"`
	Deleted  bool              `json:"deleted,omitempty"`
	Revision int64             `json:"revision,omitempty"`
}

type batchRequest struct {
	Ops []batchOp `json:"ops"`
}

type batchOp struct {
	Op     string            `json:"op"`
	Entity string            `json:"entity"`
	ID     domain.Identifier `json:"id"`
	State  json.RawMessage   `json:"state,omitempty"`
}

type batchResponse struct {
	Revision int64           `json:"revision,omitempty"`
	Results  []writeResponse `json:"results"`
}

type snapshotResponse struct {
	Entity      domain.EntityName   `json:"entity"`
	ID          domain.Identifier   `json:"id"`
	Revision    int64               `json:"revision"`
	RowRevision int64               `json:"row_revision"`
	Type        domain.RevisionType `json:"type"`
	Modified    []string            `json:"modified,omitempty"`
	State       json.RawMessage     `json:"state"`
}

type historyResponse struct {
	Revision  int64               `json:"revision"`
	Timestamp string              `json:"timestamp"`
	Type      domain.RevisionType `json:"type"`
	Snapshot  snapshotResponse    `json:"snapshot"`
}

type revisionResponse struct {
	ID        int64             `json:"id"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.entityAndID(w, r)
	if !ok {
		return
	}
	stored, err := h.entities.Get(r.Context(), entity, id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	state, err := h.states.EncodeState(entity, stored.State)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	resp := entityResponse{Entity: stored.Entity, ID: stored.ID, State: state}
	if !stored.CreatedAt.IsZero() {
		resp.CreatedAt = stored.CreatedAt.UTC().Format(timeFormat)
		resp.UpdatedAt = stored.UpdatedAt.UTC().Format(timeFormat)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) saveEntity(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.entityAndID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	state, err := h.states.DecodeState(entity, raw)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	res, rev, err := h.entities.Save(r.Context(), entity, id, state)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWriteResponse(res, rev))
}

func (h *Handler) deleteEntity(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.entityAndID(w, r)
	if !ok {
		return
	}
	res, rev, err := h.entities.Delete(r.Context(), entity, id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWriteResponse(res, rev))
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req batchRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ops := make([]usecase.EntityOp, 0, len(req.Ops))
	for n, op := range req.Ops {
		entity := domain.EntityName(op.Entity)
		id, err := h.codec.Normalize(entity, op.ID)
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		var state domain.State
		if usecase.OpKind(op.Op) == usecase.OpSave {
			state, err = h.states.DecodeState(entity, op.State)
			if err != nil {
				h.handleDomainError(w, err)
				return
			}
		} else if len(op.State) > 0 {
			writeError(w, http.StatusBadRequest, "ops["+strconv.Itoa(n)+"]: state is only allowed for save")
			return
		}
		ops = append(ops, usecase.EntityOp{Kind: usecase.OpKind(op.Op), Entity: entity, ID: id, State: state})
	}

	res, err := h.entities.Apply(r.Context(), ops)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	out := batchResponse{Revision: res.Revision, Results: make([]writeResponse, 0, len(res.Results))}
	for _, item := range res.Results {
		out.Results = append(out.Results, toWriteResponse(item, 0))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) entityRevisions(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.entityAndID(w, r)
	if !ok {
		return
	}
	reader := h.engine.NewReader()
	defer reader.Close()

	revs, err := reader.Revisions(r.Context(), entity, id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (h *Handler) findEntity(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.entityAndID(w, r)
	if !ok {
		return
	}
	rev, ok := parseRevision(w, chi.URLParam(r, "rev"))
	if !ok {
		return
	}
	reader := h.engine.NewReader()
	defer reader.Close()

	snap, err := reader.Find(r.Context(), entity, id, rev)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "entity did not exist at revision "+strconv.FormatInt(rev, 10))
		return
	}
	resp, err := h.toSnapshotResponse(snap)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) revisionsOfEntity(w http.ResponseWriter, r *http.Request) {
	entity := domain.EntityName(chi.URLParam(r, "entity"))
	q := r.URL.Query()
	reader := h.engine.NewReader()
	defer reader.Close()

	query := reader.RevisionsOfEntity(entity)
	if raw := q.Get("id"); raw != "" {
		id, err := h.codec.Decode(entity, domain.CanonicalKey(raw))
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		query.ID(id)
	}
	if q.Get("from") != "" || q.Get("to") != "" {
		from, ok := parseOptionalInt(w, q.Get("from"), "from")
		if !ok {
			return
		}
		to, ok := parseOptionalInt(w, q.Get("to"), "to")
		if !ok {
			return
		}
		query.Between(from, to)
	}
	if raw := q.Get("types"); raw != "" {
		var types []domain.RevisionType
		for _, part := range strings.Split(raw, ",") {
			t, err := domain.ParseRevisionType(strings.TrimSpace(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			types = append(types, t)
		}
		query.Types(types...)
	}
	if !h.applyCommonFilters(w, r, entity, query) {
		return
	}

	entries, err := query.Results(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	items := make([]historyResponse, 0, len(entries))
	for _, entry := range entries {
		snap, err := h.toSnapshotResponse(entry.Snapshot)
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		items = append(items, historyResponse{
			Revision:  entry.Revision,
			Timestamp: entry.Timestamp.UTC().Format(timeFormat),
			Type:      entry.Type,
			Snapshot:  snap,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) entitiesAtRevision(w http.ResponseWriter, r *http.Request) {
	entity := domain.EntityName(chi.URLParam(r, "entity"))
	rev, ok := parseRevision(w, chi.URLParam(r, "rev"))
	if !ok {
		return
	}
	reader := h.engine.NewReader()
	defer reader.Close()

	query := reader.EntitiesAtRevision(entity, rev)
	if !h.applyCommonFilters(w, r, entity, query) {
		return
	}
	snaps, err := query.Snapshots(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	items := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		resp, err := h.toSnapshotResponse(snap)
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		items = append(items, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) revisionInfo(w http.ResponseWriter, r *http.Request) {
	rev, ok := parseRevision(w, chi.URLParam(r, "rev"))
	if !ok {
		return
	}
	reader := h.engine.NewReader()
	defer reader.Close()

	info, err := reader.FindRevision(r.Context(), rev)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revisionResponse{
		ID:        info.ID,
		Timestamp: info.Timestamp.UTC().Format(timeFormat),
		Metadata:  info.Metadata,
	})
}

func (h *Handler) revisionForDate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("at")
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
		return
	}
	reader := h.engine.NewReader()
	defer reader.Close()

	rev, err := reader.RevisionForDate(r.Context(), at)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revision": rev})
}

func (h *Handler) entityTypesChanged(w http.ResponseWriter, r *http.Request) {
	rev, ok := parseRevision(w, chi.URLParam(r, "rev"))
	if !ok {
		return
	}
	reader := h.engine.NewReader()
	defer reader.Close()

	types, err := reader.EntityTypesChangedAt(r.Context(), rev)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	if types == nil {
		types = []domain.EntityName{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_types": types})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// applyCommonFilters reads the query parameters shared by both range
// queries: where.<property>, changed, include_deleted, desc, limit and
// offset.
func (h *Handler) applyCommonFilters(w http.ResponseWriter, r *http.Request, entity domain.EntityName, query *usecase.AuditQuery) bool {
	q := r.URL.Query()
	for key, values := range q {
		property, ok := strings.CutPrefix(key, "where.")
		if !ok || len(values) == 0 {
			continue
		}
		query.Where(property, h.filterValue(entity, property, values[0]))
	}
	for _, property := range q["changed"] {
		query.Changed(property)
	}
	if parseBool(q.Get("include_deleted")) {
		query.IncludeDeleted()
	}
	if parseBool(q.Get("desc")) {
		query.Descending()
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return false
	}
	query.Limit(limit)
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return false
		}
		query.Offset(offset)
	}
	return true
}

// filterValue turns a query string value into what AuditQuery.Where expects:
// a Ref for to-one properties, nil for the literal "null".
func (h *Handler) filterValue(entity domain.EntityName, property, raw string) any {
	if raw == "null" {
		return nil
	}
	props, err := h.engine.Metadata().TrackedProperties(entity)
	if err != nil {
		return raw
	}
	for _, p := range props {
		if p.Name != property || p.Kind != domain.PropertyToOne {
			continue
		}
		id, err := h.codec.Decode(p.Target, domain.CanonicalKey(raw))
		if err != nil {
			return raw
		}
		return domain.Ref{Entity: p.Target, ID: id}
	}
	return raw
}

func (h *Handler) entityAndID(w http.ResponseWriter, r *http.Request) (domain.EntityName, domain.Identifier, bool) {
	entity := domain.EntityName(chi.URLParam(r, "entity"))
	id, err := h.codec.Decode(entity, domain.CanonicalKey(chi.URLParam(r, "id")))
	if err != nil {
		h.handleDomainError(w, err)
		return "", domain.Identifier{}, false
	}
	return entity, id, true
}

func (h *Handler) toSnapshotResponse(snap *usecase.Snapshot) (snapshotResponse, error) {
	state, err := h.states.EncodeState(snap.Entity, snap.State())
	if err != nil {
		return snapshotResponse{}, err
	}
	return snapshotResponse{
		Entity:      snap.Entity,
		ID:          snap.ID,
		Revision:    snap.Revision,
		RowRevision: snap.RowRevision,
		Type:        snap.Type,
		Modified:    snap.Modified,
		State:       state,
	}, nil
}

func toWriteResponse(res usecase.OpResult, rev int64) writeResponse {
	return writeResponse{
		Entity:   res.Entity,
		ID:       res.ID,
		Created:  res.Created,
		Deleted:  res.Deleted,
		Revision: rev,
	}
}

func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
			r = r.WithContext(usecase.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

func parseRevision(w http.ResponseWriter, raw string) (int64, bool) {
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev <= 0 {
		writeError(w, http.StatusBadRequest, "revision must be a positive integer")
		return 0, false
	}
	return rev, true
}

func parseOptionalInt(w http.ResponseWriter, raw, name string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be integer")
		return 0, false
	}
	return v, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logrus.WithError(err).Error("encode json response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		logrus.WithError(err).Warn("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMapping), errors.Is(err, usecase.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrRevisionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAudit):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}
