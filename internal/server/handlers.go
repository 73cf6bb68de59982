package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/models"
	"github.com/woozymasta/herald/internal/vars"
)

const liveQueryTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseAddr reads the ip and port query parameters.
func parseAddr(r *http.Request) (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(r.URL.Query().Get("ip"))
	if err != nil {
		return netip.AddrPort{}, false
	}
	port, err := strconv.ParseUint(r.URL.Query().Get("port"), 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), true
}

// handleVersion returns the build information.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, vars.Info())
}

// handleStats returns the load of the query and console messengers.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"a2s_pending":  s.source.Pending(),
		"a2s_queued":   s.source.Queued(),
		"rcon_pending": s.rcon.Pending(),
	})
}

// handleServers returns a JSON list of all tracked servers.
func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers, err := s.storage.GetServers()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch servers")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	if servers == nil {
		servers = []models.Server{}
	}

	writeJSON(w, http.StatusOK, servers)
}

// handleServerQuery performs a live A2S query to a specific game server IP and port.
// Results are cached for a short time and not recorded.
// Query params: ?ip=1.2.3.4&port=2302
func (s *Server) handleServerQuery(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddr(r)
	if !ok {
		http.Error(w, "Missing or invalid ip or port", http.StatusBadRequest)
		return
	}
	key := addr.String()

	if s.live != nil {
		if v, found := s.live.Get(key); found {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), liveQueryTimeout)
	defer cancel()

	info, err := s.source.Info(ctx, addr).Wait(ctx)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}

	if s.live != nil {
		s.live.Set(key, info, cache.DefaultExpiration)
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGetServer returns details for a specific server.
// Query params: ?ip=1.2.3.4&port=2302
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddr(r)
	if !ok {
		http.Error(w, "Missing or invalid ip or port", http.StatusBadRequest)
		return
	}

	srv, err := s.storage.GetServer(addr.Addr().String(), int(addr.Port()))
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch server")
		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	if srv == nil {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, srv)
}

// handleDeleteServer stops tracking a server.
// Query params: ?ip=1.2.3.4&port=2302
func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddr(r)
	if !ok {
		http.Error(w, "Missing or invalid ip or port", http.StatusBadRequest)
		return
	}
	ip, port := addr.Addr().String(), int(addr.Port())

	if err := s.storage.DeleteServer(ip, port); err != nil {
		log.Error().Err(err).
			Str("ip", ip).
			Int("port", port).
			Msg("Failed to delete server")

		http.Error(w, "Database Error", http.StatusInternalServerError)
		return
	}

	log.Info().
		Str("ip", ip).
		Int("port", port).
		Msg("Server deleted manually")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Server deleted"})
}

