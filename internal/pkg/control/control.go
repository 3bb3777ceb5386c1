// Package control exposes a JSON admin API over a unix domain socket,
// the local counterpart to partisanctl. Grounded on ctrliq-beskar's
// internal/pkg/pluginsrv service, which serves a chi.Mux over a
// net.Listener handed to it by the caller; here the listener is
// always a unix socket at the configured control_socket path rather
// than a TCP port.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"

	"go.ciq.dev/partisan/internal/pkg/dispatch"
	"go.ciq.dev/partisan/internal/pkg/membership"
	"go.ciq.dev/partisan/internal/pkg/nodespec"
)

// Membership is the subset of *membership.Manager the control surface
// needs, so tests can swap in a fake.
type Membership interface {
	Join(ctx context.Context, peer nodespec.NodeSpec) error
	Leave(ctx context.Context, peer nodespec.NodeSpec) error
	Members(ctx context.Context) []nodespec.NodeSpec
	GetLocalState(ctx context.Context) (active, passive []nodespec.NodeSpec)
}

// Filters is the subset of *dispatch.InterpositionTable the
// partitions endpoints drive.
type Filters interface {
	AddInterpositionFun(peer string, tag string, fn dispatch.FilterFunc)
	RemoveInterpositionFun(peer string)
}

// Server serves the admin API over a unix socket at SockPath.
type Server struct {
	SockPath string

	mgr     Membership
	filters Filters

	srv *http.Server
	ln  net.Listener
}

// New builds a control server backed by mgr and filters.
func New(sockPath string, mgr Membership, filters Filters) *Server {
	s := &Server{SockPath: sockPath, mgr: mgr, filters: filters}

	r := chi.NewRouter()
	r.Get("/v1/members", s.handleMembers)
	r.Post("/v1/join", s.handleJoin)
	r.Post("/v1/leave", s.handleLeave)
	r.Post("/v1/partitions/{peer}", s.handlePartition)
	r.Delete("/v1/partitions/{peer}", s.handleHeal)

	s.srv = &http.Server{Handler: r}
	return s
}

// Serve binds the unix socket and serves until ctx is cancelled. A
// stale socket file left behind by an unclean shutdown is removed
// before binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := removeStaleSocket(s.SockPath); err != nil {
		return fmt.Errorf("control: %w", err)
	}

	ln, err := net.Listen("unix", s.SockPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.SockPath, err)
	}
	s.ln = ln

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func removeStaleSocket(path string) error {
	if path == "" {
		return fmt.Errorf("empty socket path")
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	return nil
}

type memberView struct {
	Active  []nodespec.NodeSpec `json:"active"`
	Passive []nodespec.NodeSpec `json:"passive"`
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	active, passive := s.mgr.GetLocalState(r.Context())
	writeJSON(w, http.StatusOK, memberView{Active: active, Passive: passive})
}

type peerRequest struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	peer := nodespec.NodeSpec{Name: req.Name, Addrs: req.Addrs}
	if err := s.mgr.Join(r.Context(), peer); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	peer := nodespec.NodeSpec{Name: req.Name}
	if err := s.mgr.Leave(r.Context(), peer); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePartition simulates a network partition against one peer: it
// installs a drop filter on both the forward_message and
// receive_message tags for that peer.
func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	if peer == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing peer"))
		return
	}
	drop := func(tag, p string, payload []byte) dispatch.FilterResult {
		return dispatch.FilterResult{Action: dispatch.Drop}
	}
	s.filters.AddInterpositionFun(peer, dispatch.TagForwardMessage, drop)
	s.filters.AddInterpositionFun(peer, dispatch.TagReceiveMessage, drop)
	w.WriteHeader(http.StatusNoContent)
}

// handleHeal removes a previously installed partition filter.
func (s *Server) handleHeal(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	if peer == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing peer"))
		return
	}
	s.filters.RemoveInterpositionFun(peer)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
