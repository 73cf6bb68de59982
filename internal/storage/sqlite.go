// Package storage handles database connections, schema migrations, and data operations using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/woozymasta/herald/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

const selectServers = `
	SELECT ip, port, country_code, server_name, map_name, players, max_players,
	       game_version, game_name, server_os, online, last_error, probes, failures,
	       first_seen, last_seen, last_probe
	FROM servers
`

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New initializes a new SQLite connection, sets connection pool parameters, and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertServer records a probe of a server. A successful probe (Online) refreshes
// the A2S fields and last_seen; a failed one only counts the failure and keeps
// the last known data.
func (r *Repository) UpsertServer(s models.Server) error {
	query := `
	INSERT INTO servers (
		ip, port, country_code, server_name, map_name, players, max_players,
		game_version, game_name, server_os, online, last_error, probes, failures,
		first_seen, last_seen, last_probe
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
	ON CONFLICT(ip, port) DO UPDATE SET
		probes     = probes + 1,
		failures   = failures + excluded.failures,
		online     = excluded.online,
		last_error = excluded.last_error,
		last_probe = excluded.last_probe,

		country_code = CASE WHEN excluded.country_code != '' THEN excluded.country_code ELSE servers.country_code END,

		last_seen    = CASE WHEN excluded.online THEN excluded.last_seen ELSE servers.last_seen END,
		server_name  = CASE WHEN excluded.online THEN excluded.server_name ELSE servers.server_name END,
		map_name     = CASE WHEN excluded.online THEN excluded.map_name ELSE servers.map_name END,
		players      = CASE WHEN excluded.online THEN excluded.players ELSE servers.players END,
		max_players  = CASE WHEN excluded.online THEN excluded.max_players ELSE servers.max_players END,
		game_version = CASE WHEN excluded.online THEN excluded.game_version ELSE servers.game_version END,
		game_name    = CASE WHEN excluded.online THEN excluded.game_name ELSE servers.game_name END,
		server_os    = CASE WHEN excluded.online THEN excluded.server_os ELSE servers.server_os END;
	`

	var (
		failures int64
		lastSeen sql.NullTime
	)
	if s.Online {
		lastSeen = sql.NullTime{Time: s.LastProbe, Valid: true}
	} else {
		failures = 1
	}

	firstSeen := s.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = s.LastProbe
	}

	_, err := r.db.Exec(query,
		s.IP, s.Port, s.CountryCode, s.ServerName, s.MapName, s.Players, s.MaxPlayers,
		s.GameVersion, s.GameName, s.ServerOS, s.Online, s.LastError, failures,
		firstSeen, lastSeen, s.LastProbe,
	)

	return err
}

// GetServers retrieves all servers, most recently seen first.
func (r *Repository) GetServers() ([]models.Server, error) {
	return r.queryServers(selectServers+" ORDER BY last_seen DESC")
}

// GetServer retrieves a server by address. It returns nil when none is stored.
func (r *Repository) GetServer(ip string, port int) (*models.Server, error) {
	row := r.db.QueryRow(selectServers+" WHERE ip = ? AND port = ?", ip, port)

	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// DeleteDownServers removes servers whose last probe failed.
// If game is not empty, deletion is restricted to that game.
func (r *Repository) DeleteDownServers(game string) (int64, error) {
	query := `DELETE FROM servers WHERE online = 0`
	var args []any

	if game != "" {
		query += ` AND game_name = ?`
		args = append(args, game)
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteServer removes a server.
func (r *Repository) DeleteServer(ip string, port int) error {
	_, err := r.db.Exec(`DELETE FROM servers WHERE ip = ? AND port = ?`, ip, port)
	return err
}

// GetServersSubset retrieves servers for maintenance.
// if onlyDown is true, it returns only servers whose last probe failed.
// if game is provided, it filters by game name.
func (r *Repository) GetServersSubset(game string, onlyDown bool) ([]models.Server, error) {
	query := selectServers + " WHERE 1=1"
	var args []any

	if game != "" {
		query += " AND game_name = ?"
		args = append(args, game)
	}

	if onlyDown {
		query += " AND online = 0"
	}

	return r.queryServers(query, args...)
}

func (r *Repository) queryServers(query string, args ...any) ([]models.Server, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			continue
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return servers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (models.Server, error) {
	var (
		s        models.Server
		lastSeen sql.NullTime
	)
	err := row.Scan(
		&s.IP, &s.Port, &s.CountryCode, &s.ServerName, &s.MapName, &s.Players, &s.MaxPlayers,
		&s.GameVersion, &s.GameName, &s.ServerOS, &s.Online, &s.LastError, &s.Probes, &s.Failures,
		&s.FirstSeen, &lastSeen, &s.LastProbe,
	)
	if lastSeen.Valid {
		s.LastSeen = lastSeen.Time
	}
	return s, err
}
