package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/svcregistry"
	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// ServiceView is the JSON form of a registration.
type ServiceView struct {
	ID         registry.ServiceID `json:"id"`
	Contract   string             `json:"contract"`
	Owner      string             `json:"owner,omitempty"`
	Ranking    int64              `json:"ranking"`
	Sequence   uint64             `json:"sequence"`
	Properties map[string]any     `json:"properties"`
	InUse      *int               `json:"in_use,omitempty"`
}

// ContractView summarizes one contract.
type ContractView struct {
	Contract string `json:"contract"`
	Services int    `json:"services"`
}

// FilterValidation is the response of POST /v1/filters/validate.
type FilterValidation struct {
	Valid     bool   `json:"valid"`
	Canonical string `json:"canonical,omitempty"`
	Error     string `json:"error,omitempty"`
	Offset    *int   `json:"offset,omitempty"`
}

// DeclarationsView is the response of GET /v1/declarations.
type DeclarationsView struct {
	Published []string   `json:"published"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps lookup errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, svcregistry.ErrInvalidContract), errors.Is(err, filter.ErrMalformedFilter):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrUnavailable):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("HTTP API request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) view(reg svcregistry.Registration) ServiceView {
	v := ServiceView{
		ID:         reg.ID,
		Contract:   string(reg.Contract),
		Owner:      reg.Owner,
		Ranking:    reg.Ranking,
		Sequence:   reg.Sequence,
		Properties: reg.Properties.Map(),
	}
	if rc, ok := s.sc.Registry().(registry.RefCounter); ok {
		// the view itself holds one borrow
		n := rc.UsageCount(reg.ID) - 1
		if n < 0 {
			n = 0
		}
		v.InUse = &n
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.sc.Registry().(registry.Lister)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "registry cannot enumerate contracts"})
		return
	}
	recs, err := lister.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts := make(map[string]int)
	for _, rec := range recs {
		counts[rec.Contract]++
	}
	out := make([]ContractView, 0, len(counts))
	for c, n := range counts {
		out = append(out, ContractView{Contract: c, Services: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	writeJSON(w, http.StatusOK, out)
}

// contractParam decodes the {contract} segment. Contract names usually contain
// slashes, so clients send them percent-encoded as a single segment.
func contractParam(r *http.Request) (svcregistry.Contract, error) {
	raw := chi.URLParam(r, "contract")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a valid path segment", svcregistry.ErrInvalidContract, raw)
	}
	return svcregistry.Contract(decoded), nil
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	contract, err := contractParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	refs, err := s.sc.FindMany(r.Context(), contract, r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer svcregistry.ReleaseAll(refs)

	out := make([]ServiceView, 0, len(refs))
	for _, ref := range refs {
		out = append(out, s.view(ref.Registration))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	contract, err := contractParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	found, err := s.sc.FindOne(r.Context(), contract, r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref, ok := found.Get()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no matching service"})
		return
	}
	defer ref.Release()
	writeJSON(w, http.StatusOK, s.view(ref.Registration))
}

func (s *Server) handleValidateFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter string `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	f, err := s.sc.CompileFilter(req.Filter)
	if err != nil {
		res := FilterValidation{Error: err.Error()}
		var syn *filter.SyntaxError
		if errors.As(err, &syn) {
			off := syn.Offset
			res.Offset = &off
		}
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, FilterValidation{Valid: true, Canonical: f.String()})
}

func (s *Server) handleDeclarations(w http.ResponseWriter, _ *http.Request) {
	view := DeclarationsView{Published: s.declarations.Published()}
	at, err := s.declarations.LastSync()
	if !at.IsZero() {
		view.LastSync = &at
	}
	if err != nil {
		view.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}
