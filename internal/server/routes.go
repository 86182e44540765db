package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/query"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxCommandBytes = 64 << 10

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path, endpoint string
		h                      runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{trader}", "get_account", s.getAccount},
		{"GET", "/v1/accounts/{trader}/positions/{market}", "get_position", s.getPosition},
		{"GET", "/v1/accounts/{trader}/funding", "list_funding", s.listFunding},
		{"GET", "/v1/accounts/{trader}/journal", "list_journal", s.listJournal},
		{"GET", "/v1/markets/{market}", "get_market", s.getMarket},
		{"GET", "/v1/admin/integrity", "verify_integrity", s.verifyIntegrity},
		{"GET", "/v1/admin/event-log", "event_log_info", s.eventLogInfo},
		{"POST", "/v1/admin/commands", "submit_command", s.submitCommand},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", s.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, s.instrument(r.endpoint, r.h)); err != nil {
			return err
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request, p map[string]string) {
	trader, ok := s.traderParam(w, p)
	if !ok {
		return
	}
	v, err := s.deps.QueryService.GetAccount(r.Context(), trader)
	s.respond(w, v, err)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	trader, ok := s.traderParam(w, p)
	if !ok {
		return
	}
	v, err := s.deps.QueryService.GetPosition(r.Context(), trader, p["market"])
	s.respond(w, v, err)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request, p map[string]string) {
	v, err := s.deps.QueryService.GetMarket(r.Context(), p["market"])
	s.respond(w, v, err)
}

func (s *Server) listFunding(w http.ResponseWriter, r *http.Request, p map[string]string) {
	trader, ok := s.traderParam(w, p)
	if !ok {
		return
	}
	limit := pageSize(r, 50, 100)
	v, err := s.deps.QueryService.GetFundingHistory(r.Context(), trader, limit)
	s.respond(w, map[string]any{"payments": v}, err)
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request, p map[string]string) {
	trader, ok := s.traderParam(w, p)
	if !ok {
		return
	}
	limit := pageSize(r, 100, 500)
	var before *int64
	if raw := r.URL.Query().Get("before_sequence"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq <= 0 {
			writeError(w, http.StatusBadRequest, "invalid before_sequence")
			return
		}
		before = &seq
	}
	v, err := s.deps.QueryService.GetJournalHistory(r.Context(), trader, limit, before)
	s.respond(w, map[string]any{"journals": v}, err)
}

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	v, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	s.respond(w, v, err)
}

func (s *Server) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.EventLog == nil {
		s.respond(w, nil, query.ErrNoDatabase)
		return
	}
	seq, err := s.deps.EventLog.LatestSequence(r.Context())
	s.respond(w, map[string]int64{"last_sequence": seq}, err)
}

func (s *Server) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.DB == nil {
		s.respond(w, nil, query.ErrNoDatabase)
		return
	}
	err := projection.RebuildProjections(r.Context(), s.deps.DB, s.logger)
	s.respond(w, map[string]bool{"rebuilt": err == nil}, err)
}

// commandResponse is the outcome of an admin command.
type commandResponse struct {
	Op       string `json:"op"`
	Sequence int64  `json:"sequence,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// submitCommand runs one command through the processor. ?kind=price sends
// it as an index price update.
func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, "command intake disabled")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := ingestion.KindCommand
	if r.URL.Query().Get("kind") == "price" {
		kind = ingestion.KindPrice
	}

	out, err := s.deps.Admin.Submit(r.Context(), kind, data)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	resp := commandResponse{Op: out.Op, Sequence: out.Sequence, Result: out.Result}
	status := http.StatusOK
	switch {
	case out.Err == nil:
	case errors.Is(out.Err, ingestion.ErrMalformed):
		status, resp.Error = http.StatusBadRequest, out.Err.Error()
	case errors.Is(out.Err, core.ErrDuplicateCommand):
		status, resp.Error = http.StatusConflict, out.Err.Error()
	default:
		status, resp.Error, resp.Kind = http.StatusUnprocessableEntity, out.Err.Error(), core.KindOf(out.Err).String()
	}
	writeJSON(w, status, resp)
}

func (s *Server) traderParam(w http.ResponseWriter, p map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(p["trader"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, state.ErrMarketNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrNoDatabase):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, core.ErrUnknownAsset):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pageSize(r *http.Request, def, limit int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("page_size"))
	if err != nil || n <= 0 || n > limit {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
