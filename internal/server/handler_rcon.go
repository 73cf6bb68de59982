package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/models"
	"github.com/woozymasta/herald/internal/rcon"
)

const rconTimeout = 15 * time.Second

var errTargetNotAllowed = errors.New("target not allowed")

// handleRCON authenticates on the target and runs one command. Authentication is
// per connection, so it precedes every command; the pool hands the just
// authenticated connection to the command.
func (s *Server) handleRCON(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req models.RCONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}

	addr, err := probeAddr(models.ProbeRequest{IP: req.IP, Port: req.Port})
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidAddress)
		return
	}

	if len(s.allowedTargets) > 0 {
		if _, allowed := s.allowedTargets[xxhash.Sum64String(addr.String())]; !allowed {
			log.Warn().
				Str("addr", addr.String()).
				Str("ip", GetRealIP(r, s.trustProxy)).
				Msg("RCON target not allowed")

			writeError(w, http.StatusForbidden, errTargetNotAllowed)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), rconTimeout)
	defer cancel()

	if _, err := s.rcon.Authenticate(ctx, addr, req.Password).Wait(ctx); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, rcon.ErrAuthFailed) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}

	output, err := s.rcon.Execute(ctx, addr, req.Command).Wait(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	log.Info().
		Str("addr", addr.String()).
		Str("command", req.Command).
		Msg("RCON command executed")

	writeJSON(w, http.StatusOK, models.RCONResponse{Output: output})
}
