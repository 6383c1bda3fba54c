// Package status provides the observability HTTP server of a node.
// It exposes the node state, its routing table, the announcements it stores and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/oid"
	"gitdht/swarm/routing"
	"gitdht/swarm/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

// Node is the part of a DHT node the status server reads.
type Node interface {
	Self() peer.Peer
	Bootstrapped() bool
	RoutingPeers() []peer.Peer
	Buckets() []routing.BucketInfo
	Announcements(key oid.Oid) []storage.Announcement
	StoredAnnouncements() int
}

// Server is the status HTTP server.
type Server struct {
	node Node
}

// NewServer creates a new status server.
func NewServer(node Node) *Server {
	return &Server{node: node}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/contacts", s.handleContacts)
	r.Get("/buckets", s.handleBuckets)
	r.Get("/peers/{key}", s.handlePeers)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Status server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	NodeID       oid.Oid `json:"node_id"`
	Address      string  `json:"address"`
	Bootstrapped bool    `json:"bootstrapped"`
	Peers        int     `json:"peers"`
	Buckets      int     `json:"buckets"`
	Stored       int     `json:"stored_announcements"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	self := s.node.Self()
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:       self.ID,
		Address:      self.Addr.String(),
		Bootstrapped: s.node.Bootstrapped(),
		Peers:        len(s.node.RoutingPeers()),
		Buckets:      len(s.node.Buckets()),
		Stored:       s.node.StoredAnnouncements(),
	})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	peers := s.node.RoutingPeers()
	routing.SortByDistance(s.node.Self().ID, peers)
	writeJSON(w, http.StatusOK, peers)
}

type bucketResponse struct {
	Low     oid.Oid     `json:"low"`
	High    oid.Oid     `json:"high"`
	Changed time.Time   `json:"changed"`
	Peers   []peer.Peer `json:"peers"`
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	buckets := s.node.Buckets()
	resp := make([]bucketResponse, len(buckets))
	for i, b := range buckets {
		resp[i] = bucketResponse{Low: b.Low, High: b.High, Changed: b.Changed, Peers: b.Peers}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	key, err := oid.FromString(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	anns := s.node.Announcements(key)
	if anns == nil {
		anns = []storage.Announcement{}
	}
	writeJSON(w, http.StatusOK, anns)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
