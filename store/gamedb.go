package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// GameDB indexes completed self-play games so runs can be audited and
// resumed without scanning the chunk store.
type GameDB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// GameRecord is one completed game.
type GameRecord struct {
	ID        string
	GameIdx   int
	Plys      int
	Result    int
	StartIdx  int
	ModelPath string
	CreatedAt time.Time
}

// NewGameDB opens (or creates) the index database.
func NewGameDB(dbPath string) (*GameDB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &GameDB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *GameDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS games (
		id         TEXT PRIMARY KEY,
		game_idx   INTEGER NOT NULL,
		plys       INTEGER NOT NULL,
		result     INTEGER NOT NULL,
		start_idx  INTEGER NOT NULL,
		model_path TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_games_game_idx ON games(game_idx);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// RecordGame inserts or replaces one completed game.
func (db *GameDB) RecordGame(g GameRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO games (id, game_idx, plys, result, start_idx, model_path) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.GameIdx, g.Plys, g.Result, g.StartIdx, g.ModelPath,
	)
	if err != nil {
		return fmt.Errorf("failed to record game: %w", err)
	}
	return nil
}

// CountGames returns the number of indexed games.
func (db *GameDB) CountGames() (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM games`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count games: %w", err)
	}
	return n, nil
}

func (db *GameDB) Close() error {
	return db.conn.Close()
}
