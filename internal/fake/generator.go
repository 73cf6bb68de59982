// Package fake generates random server records for development.
package fake

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/models"
	"github.com/woozymasta/herald/internal/storage"
)

var (
	maps      = []string{"chernarusplus", "livonia", "namalsk", "takistan", "enoch", "sakhal", "deerisle"}
	osTypes   = []string{"Windows", "Linux"}
	gameVers  = []string{"1.26.159040", "1.27.160132", "1.28.161464"}
	countries = []string{"US", "DE", "RU", "BR", "FR", "GB", "PL", "CZ", "CA", "AU", "NL", "SE", "JP", "FI"}
)

// GenerateData stores count random servers, each with a history of probes, some
// of them failed.
func GenerateData(store *storage.Repository, count int) {
	for range count {
		firstSeen := time.Now().Add(-time.Duration(rand.IntN(30*24)) * time.Hour)

		s := models.Server{
			IP:          fmt.Sprintf("%d.%d.%d.%d", rand.IntN(220)+1, rand.IntN(255), rand.IntN(255), rand.IntN(255)),
			Port:        2302 + rand.IntN(100),
			CountryCode: countries[rand.IntN(len(countries))],
			ServerName:  fmt.Sprintf("DayZ Server #%d [PvP]", rand.IntN(1000)),
			MapName:     maps[rand.IntN(len(maps))],
			Players:     byte(rand.IntN(60)),
			MaxPlayers:  60,
			GameVersion: gameVers[rand.IntN(len(gameVers))],
			GameName:    "DayZ",
			ServerOS:    osTypes[rand.IntN(len(osTypes))],
			FirstSeen:   firstSeen,
		}

		probes := 1 + rand.IntN(5)
		for i := range probes {
			s.LastProbe = firstSeen.Add(time.Duration(i) * time.Hour)
			s.Online = rand.Float32() > 0.15
			s.LastError = ""
			if !s.Online {
				s.LastError = "i/o timeout"
			}

			if err := store.UpsertServer(s); err != nil {
				log.Warn().Err(err).Msg("Failed to generate fake server")
				break
			}
		}
	}
}
