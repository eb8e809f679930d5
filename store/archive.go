// Package store persists self-play byproducts: a parquet archive of
// per-ply search summaries and a SQLite index of completed games.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// ArchivePlyRow is a single (game, ply) search summary intended for
// long-term storage and debugging. The chunk store holds the actual
// training tensors; the archive keeps the human-auditable trail:
// which move was picked, with what visit distribution and Q.
//
// Value is the final outcome target in [-1..1] from the perspective of
// the side to move at this ply; it is assigned once the game completes.
type ArchivePlyRow struct {
	GameID string `parquet:"game_id,dict"`
	Ply    int32  `parquet:"ply"`

	SideToMove int32 `parquet:"side_to_move"`

	// MoveIndex is the chosen move's index into the root's legal move
	// list; PolicyProbs is the search's final distribution over that list.
	MoveIndex   int32     `parquet:"move_index"`
	PolicyProbs []float32 `parquet:"policy_probs"`

	BestMoveQ float32 `parquet:"best_move_q"`
	Nodes     float32 `parquet:"nodes"`
	Value     float32 `parquet:"value"`

	Source string `parquet:"source,dict"`

	// ModelPath is the network that generated this game; empty for
	// uniform-evaluator runs.
	ModelPath string `parquet:"model_path,dict,optional"`
}

// WriteArchiveParquet writes rows to outPath via a temp file and an
// atomic rename.
func WriteArchiveParquet(outPath string, rows []ArchivePlyRow) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + ".tmp"
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", "archive_ply_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename parquet: %w", err)
	}
	return nil
}

// WriteArchiveBatchParquetAtomic writes a batch file into outDir/tmp and
// atomically moves it into outDir, so long-running readers never observe
// a partially written file. Returns the final path.
func WriteArchiveBatchParquetAtomic(outDir string, rows []ArchivePlyRow) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", "archive_ply_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}
	return finalPath, nil
}
