package store

import (
	"path/filepath"
	"testing"
)

func TestGameDBRecordAndCount(t *testing.T) {
	db, err := NewGameDB(filepath.Join(t.TempDir(), "games.db"))
	if err != nil {
		t.Fatalf("NewGameDB: %v", err)
	}
	defer db.Close()

	rec := GameRecord{
		ID:        "selfplay_42_0",
		GameIdx:   0,
		Plys:      7,
		Result:    1,
		StartIdx:  0,
		ModelPath: "models/net.onnx",
	}
	if err := db.RecordGame(rec); err != nil {
		t.Fatalf("RecordGame: %v", err)
	}
	n, err := db.CountGames()
	if err != nil {
		t.Fatalf("CountGames: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountGames = %d, want 1", n)
	}

	// Same ID replaces instead of duplicating.
	rec.Plys = 9
	if err := db.RecordGame(rec); err != nil {
		t.Fatalf("RecordGame (replace): %v", err)
	}
	if n, _ = db.CountGames(); n != 1 {
		t.Errorf("CountGames after replace = %d, want 1", n)
	}

	rec.ID = "selfplay_43_0"
	rec.GameIdx = 1
	if err := db.RecordGame(rec); err != nil {
		t.Fatalf("RecordGame (second): %v", err)
	}
	if n, _ = db.CountGames(); n != 2 {
		t.Errorf("CountGames = %d, want 2", n)
	}
}

func TestGameDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.db")
	db, err := NewGameDB(path)
	if err != nil {
		t.Fatalf("NewGameDB: %v", err)
	}
	if err := db.RecordGame(GameRecord{ID: "g1", Plys: 3}); err != nil {
		t.Fatalf("RecordGame: %v", err)
	}
	db.Close()

	db2, err := NewGameDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	n, err := db2.CountGames()
	if err != nil {
		t.Fatalf("CountGames: %v", err)
	}
	if n != 1 {
		t.Errorf("CountGames = %d, want 1", n)
	}
}
