// Package models defines the data structures used for API requests and database persistence.
package models

import (
	"net/netip"
	"time"

	"github.com/woozymasta/a2s/pkg/a2s"
)

// ProbeRequest asks for a server to be queried and tracked. Servers register
// themselves: IP may be blank and otherwise must be the caller's address.
type ProbeRequest struct {
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port"`
}

// RCONRequest runs a console command on a server.
type RCONRequest struct {
	IP       string `json:"ip"`
	Password string `json:"password"`
	Command  string `json:"command"`
	Port     int    `json:"port"`
}

// RCONResponse carries the command output.
type RCONResponse struct {
	Output string `json:"output"`
}

// Server represents a tracked game server stored in the database.
type Server struct {
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	LastProbe   time.Time `json:"last_probe"`
	IP          string    `json:"ip"`
	CountryCode string    `json:"country_code"`
	ServerName  string    `json:"server_name"`
	MapName     string    `json:"map_name"`
	GameVersion string    `json:"game_version"`
	GameName    string    `json:"game_name"`
	ServerOS    string    `json:"server_os"`
	LastError   string    `json:"last_error,omitempty"`
	Port        int       `json:"port"`
	Probes      int64     `json:"probes"`
	Failures    int64     `json:"failures"`
	Players     byte      `json:"players"`
	MaxPlayers  byte      `json:"max_players"`
	Online      bool      `json:"online"`
}

// Address returns the query address of the server.
func (s Server) Address() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(s.IP)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(s.Port)), nil
}

// Apply copies the fields of a successful A2S_INFO answer.
func (s *Server) Apply(info *a2s.Info) {
	s.ServerName = info.Name
	s.MapName = info.Map
	s.Players = info.Players
	s.MaxPlayers = info.MaxPlayers
	s.GameVersion = info.Version
	s.GameName = info.Game
	s.ServerOS = info.Environment.String()
	s.Online = true
	s.LastError = ""
}
