// Package httpapi serves the read-only operational surface: liveness, sync
// status, node health, derived group state and prometheus metrics. It never
// mutates state; writes go through the ledger, not this server.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/groupledger/groupsync/internal/cache"
	"github.com/groupledger/groupsync/internal/group"
	"github.com/groupledger/groupsync/internal/nodepool"
	"github.com/groupledger/groupsync/internal/payments"
	"github.com/groupledger/groupsync/internal/syncer"
)

// StateSource is the read side of the sync orchestrator.
type StateSource interface {
	Registry() *group.Registry
	LastCycle() syncer.CycleStats
	Tracked() []string
}

// Server wires the routes over a state source and the node tracker.
type Server struct {
	state   StateSource
	tracker *nodepool.Tracker
	store   cache.Store
	now     func() time.Time
	router  *mux.Router
}

// New builds the server. store enriches request views with payment proofs and
// may be nil; gatherer may be nil to disable /metrics.
func New(state StateSource, tracker *nodepool.Tracker, store cache.Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		state:   state,
		tracker: tracker,
		store:   store,
		now:     time.Now,
		router:  mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/groups", s.handleGroups).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/groups/{id}", s.handleGroup).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/groups/{id}/requests", s.handleRequests).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs until ctx is done, then drains with a short grace
// period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("HTTP API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusBody struct {
	Tracked []string          `json:"tracked_accounts"`
	Cycle   syncer.CycleStats `json:"last_cycle"`
	Nodes   []nodepool.Health `json:"nodes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := statusBody{
		Tracked: s.state.Tracked(),
		Cycle:   s.state.LastCycle(),
	}
	if s.tracker != nil {
		body.Nodes = s.tracker.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

type groupSummary struct {
	GroupID  string `json:"group_id"`
	Name     string `json:"name"`
	Creator  string `json:"creator"`
	Version  int64  `json:"version"`
	Members  int    `json:"members"`
	Pending  int    `json:"pending_requests"`
	Payments bool   `json:"payments_enabled"`
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	reg := s.state.Registry()
	out := make([]groupSummary, 0)
	for _, id := range sortedGroupIDs(reg) {
		g := reg.Get(id)
		if !g.Created() {
			continue
		}
		out = append(out, groupSummary{
			GroupID:  g.GroupID,
			Name:     g.Name,
			Creator:  g.Creator,
			Version:  g.Version,
			Members:  len(g.Members),
			Pending:  len(g.PendingRequests()),
			Payments: g.Payment != nil && g.Payment.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g := s.state.Registry().Get(id)
	if g == nil || !g.Created() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "group not found"})
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type requestView struct {
	group.JoinRequest
	Proof         *payments.Proof      `json:"proof,omitempty"`
	PaymentStatus payments.ProofStatus `json:"payment_status,omitempty"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g := s.state.Registry().Get(id)
	if g == nil || !g.Created() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "group not found"})
		return
	}

	var proofs map[string]payments.Proof
	if s.store != nil {
		if err := s.store.Get(r.Context(), cache.ProofsKey(id), &proofs); err != nil && err != cache.ErrNotFound {
			log.Debug().Err(err).Str("group", id).Msg("Proof lookup failed")
		}
	}

	out := make([]requestView, 0, len(g.Requests))
	for _, req := range g.PendingRequests() {
		v := requestView{JoinRequest: *req}
		if p, ok := proofs[req.RequestID]; ok {
			proof := p
			v.Proof = &proof
			v.PaymentStatus = p.Status(s.now())
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func sortedGroupIDs(reg *group.Registry) []string {
	ids := reg.GroupIDs()
	sort.Strings(ids)
	return ids
}
