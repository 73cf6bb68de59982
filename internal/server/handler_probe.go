package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/messenger"
	"github.com/woozymasta/herald/internal/models"
)

var (
	errInvalidAddress = errors.New("invalid ip or port")
	errInvalidBody    = errors.New("invalid request body")
	errForeignTarget  = errors.New("servers may only register themselves")
)

// handleProbe registers a server for tracking by queueing a probe of it. Servers
// announce themselves: the probe always targets the caller's address, and a body
// IP naming another host is refused. Repeated requests for a server probed within
// the soft limit are acknowledged and skipped. A full queue is answered at once.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	ip := GetRealIP(r, s.trustProxy)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req models.ProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug().
			Err(err).
			Str("ip", ip).
			Msg("Invalid JSON")

		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}

	addr, err := probeAddr(models.ProbeRequest{IP: ip, Port: req.Port})
	if err != nil {
		log.Debug().
			Str("ip", ip).
			Int("port", req.Port).
			Msg("Invalid probe address")

		writeError(w, http.StatusBadRequest, errInvalidAddress)
		return
	}

	if req.IP != "" {
		target, err := probeAddr(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, errInvalidAddress)
			return
		}
		if target.Addr() != addr.Addr() {
			log.Debug().
				Str("ip", ip).
				Str("target", req.IP).
				Msg("Probe of foreign host refused")

			writeError(w, http.StatusForbidden, errForeignTarget)
			return
		}
	}

	if s.softLimitDur > 0 {
		if err := s.seen.Add(addr.String(), struct{}{}, cache.DefaultExpiration); err != nil {
			log.Trace().
				Str("addr", addr.String()).
				Msg("Dropped by soft limit hit")

			writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
			return
		}
	}

	if err := s.prober.TryEnqueue(s.ctx, addr).Err(); errors.Is(err, messenger.ErrQueueFull) {
		s.seen.Delete(addr.String())
		log.Warn().
			Str("addr", addr.String()).
			Msg("Queue full, probe dropped")

		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "busy"})
		return
	}

	log.Trace().
		Str("addr", addr.String()).
		Str("from", ip).
		Msg("Probe queued")

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// probeAddr validates the probe target. The loopback address of IPv6 clients is
// mapped to IPv4, where game servers listen.
func probeAddr(req models.ProbeRequest) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(req.IP)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if ip == netip.IPv6Loopback() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	if req.Port <= 0 || req.Port > 65535 {
		return netip.AddrPort{}, errInvalidAddress
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(req.Port)), nil
}
