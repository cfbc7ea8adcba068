// Package rpc is rasd's local control plane (spec.md §4.7, §8 Scenario
// 1): the loopback surface cmd/ras uses to trigger pairing, list
// devices, and unpair, over a Unix domain socket the same way the
// reference daemon's own internal/transport serves its task queue.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ras-daemon/rasd/internal/config"
	"github.com/ras-daemon/rasd/internal/connmgr"
	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/logger"
	"github.com/ras-daemon/rasd/internal/ntfy"
	"github.com/ras-daemon/rasd/internal/pairing"
	"github.com/ras-daemon/rasd/internal/sessionmgr"
)

// Server exposes the running daemon's pairing coordinator, device
// store, and connection/session managers to cmd/ras over a Unix
// socket.
type Server struct {
	Devices  *devicestore.Store
	Conns    *connmgr.Manager
	Sessions *sessionmgr.Manager
	Coord    *pairing.Coordinator
	Config   *config.Config

	socketPath string

	mu      sync.Mutex
	httpSrv *http.Server
	relayed map[string]*ntfy.Client // pairing session id -> its relay subscription
}

// NewServer builds a Server listening on socketPath once ListenAndServe
// runs.
func NewServer(socketPath string, devices *devicestore.Store, conns *connmgr.Manager, sessions *sessionmgr.Manager, coord *pairing.Coordinator, cfg *config.Config) *Server {
	return &Server{
		Devices:    devices,
		Conns:      conns,
		Sessions:   sessions,
		Coord:      coord,
		Config:     cfg,
		socketPath: socketPath,
		relayed:    make(map[string]*ntfy.Client),
	}
}

// ListenAndServe serves the control plane until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	httpSrv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.httpSrv = httpSrv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.Close()
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

// Close shuts the control plane down: in-flight requests get 5 seconds
// to finish, then every pending relay subscription is torn down. Safe
// to call even if ListenAndServe never started serving.
func (s *Server) Close() error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.mu.Unlock()
	if httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
	}
	s.stopAllRelays()
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.HandleFunc("GET /pair/{id}", s.handlePairStatus)
	mux.HandleFunc("POST /unpair", s.handleUnpair)
	mux.HandleFunc("GET /status", s.handleStatus)
}

type pairResponse struct {
	SessionID string `json:"session_id"`
	NtfyTopic string `json:"ntfy_topic"`
	QRText    string `json:"qr_text"`
	ExpiresAt string `json:"expires_at"`
}

type pairStatusResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type unpairRequest struct {
	DeviceID string `json:"device_id"`
}

type statusDevice struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	PairedAt    string `json:"paired_at"`
	LastSeen    string `json:"last_seen"`
	Connected   bool   `json:"connected"`
}

type statusResponse struct {
	DeviceName     string         `json:"device_name"`
	ConnectionMode string         `json:"connection_mode"`
	ActiveSessions int            `json:"active_sessions"`
	Devices        []statusDevice `json:"devices"`
}

// handlePair mints a pairing session and, unless the daemon is
// configured for direct-LAN-only pairing, subscribes it to its relay
// topic so a phone scanning the returned QR code can reach
// HandleRelayMessage through ntfy (spec.md §4.7, §8 Scenario 1).
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	session, err := s.Coord.StartSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.Config.ConnectionMode != "direct" && s.Config.RelayServer != "" {
		s.subscribeRelay(session)
	}

	qr, err := session.RenderTerminalQR()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render qr: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, pairResponse{
		SessionID: session.SessionID,
		NtfyTopic: session.NtfyTopic,
		QRText:    qr,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// subscribeRelay opens session's ntfy topic and feeds every message
// that arrives on it into the coordinator, tearing the subscription
// down once the session can no longer progress.
func (s *Server) subscribeRelay(session *pairing.Session) {
	client := ntfy.New(s.Config.RelayServer, session.NtfyTopic, func(payload string) {
		s.Coord.HandleRelayMessage(context.Background(), session, client, payload)
	})

	s.mu.Lock()
	s.relayed[session.SessionID] = client
	s.mu.Unlock()

	client.Start(context.Background())

	go func() {
		<-time.After(time.Until(session.ExpiresAt) + time.Second)
		s.mu.Lock()
		delete(s.relayed, session.SessionID)
		s.mu.Unlock()
		client.Stop()
	}()
}

func (s *Server) stopAllRelays() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.relayed {
		c.Stop()
		delete(s.relayed, id)
	}
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.Coord.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "pairing session not found")
		return
	}
	writeJSON(w, http.StatusOK, pairStatusResponse{SessionID: session.SessionID, State: string(session.State())})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	var req unpairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if err := s.Devices.Remove(req.DeviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Conns.Remove(req.DeviceID)
	logger.Info("device unpaired", "device_id", req.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.Devices.List()
	out := make([]statusDevice, len(devices))
	for i, d := range devices {
		_, connected := s.Conns.Get(d.DeviceID)
		out[i] = statusDevice{
			DeviceID:    d.DeviceID,
			DisplayName: d.DisplayName,
			PairedAt:    d.PairedAt.UTC().Format(time.RFC3339),
			LastSeen:    d.LastSeen.UTC().Format(time.RFC3339),
			Connected:   connected,
		}
	}

	sessions, err := s.Sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		DeviceName:     s.Config.DeviceName,
		ConnectionMode: s.Config.ConnectionMode,
		ActiveSessions: len(sessions),
		Devices:        out,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
