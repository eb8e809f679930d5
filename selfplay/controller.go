// Package selfplay drives whole games through the search engine and
// hands every ply to the training-data exporter, with a parquet archive
// and a SQLite index as audit trail.
package selfplay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lingsond/CrazyAra/engine/board"
	"github.com/lingsond/CrazyAra/engine/mcts"
	"github.com/lingsond/CrazyAra/rl/exporter"
	"github.com/lingsond/CrazyAra/store"
)

// Config tunes one self-play controller.
type Config struct {
	// Nodes is the per-move node budget handed to the search.
	Nodes int

	// MoveTime caps one search; 0 disables the clock.
	MoveTime time.Duration

	// TemperatureMoves samples the move from the MCTS policy for the
	// first N plies (exploration); afterwards the best move is played.
	TemperatureMoves int

	// ArchiveDir receives one parquet batch file per game; empty disables
	// the archive.
	ArchiveDir string

	ModelPath string
	Source    string
}

// GameResult summarizes one completed self-play game.
type GameResult struct {
	GameID string
	Plys   int
	// Result is from the first ply's side to move.
	Result int16
}

// Controller plays games on one position type. It is single-threaded;
// parallelism lives inside the search (worker threads share each move's
// tree).
type Controller struct {
	cfg      Config
	search   *mcts.Search
	exp      *exporter.TrainDataExporter
	db       *store.GameDB
	newPos   func() board.Position
	workerID int
	rng      *rand.Rand
	log      *slog.Logger
}

func NewController(cfg Config, search *mcts.Search, exp *exporter.TrainDataExporter, db *store.GameDB, newPos func() board.Position, workerID int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Source == "" {
		cfg.Source = "selfplay"
	}
	return &Controller{
		cfg:      cfg,
		search:   search,
		exp:      exp,
		db:       db,
		newPos:   newPos,
		workerID: workerID,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)*1000003)),
		log:      log,
	}
}

// PlayGame plays a single game to completion: one search per ply, one
// exporter sample per ply, finalization once the terminal state is
// reached.
func (c *Controller) PlayGame(ctx context.Context) (GameResult, error) {
	gameID := fmt.Sprintf("selfplay_%d_%d", time.Now().UnixNano(), c.workerID)
	pos := c.newPos()
	startIdx := c.exp.StartIdx()
	c.exp.NewGame()

	rows := make([]store.ArchivePlyRow, 0, 64)
	ply := 0

	var terminalValue float32
	for {
		if err := ctx.Err(); err != nil {
			return GameResult{}, err
		}
		if v, terminal := pos.TerminalValue(); terminal {
			terminalValue = v
			break
		}

		if err := c.search.SetRootPos(pos); err != nil {
			return GameResult{}, fmt.Errorf("prepare root: %w", err)
		}
		c.search.SetSearchLimits(&mcts.SearchLimits{Nodes: c.cfg.Nodes, MoveTime: c.cfg.MoveTime})
		if err := c.search.Start(ctx); err != nil {
			return GameResult{}, fmt.Errorf("search ply %d: %w", ply, err)
		}
		eval := c.search.Evaluate()

		c.exp.SaveSample(pos, eval, ply)

		moveIdx := eval.BestMoveIdx
		if ply < c.cfg.TemperatureMoves {
			moveIdx = sampleIndex(c.rng, eval.PolicyProbSmall)
		}
		move := eval.LegalMoves[moveIdx]

		rows = append(rows, store.ArchivePlyRow{
			GameID:      gameID,
			Ply:         int32(ply),
			SideToMove:  int32(pos.SideToMove()),
			MoveIndex:   int32(moveIdx),
			PolicyProbs: append([]float32(nil), eval.PolicyProbSmall...),
			BestMoveQ:   eval.BestMoveQ,
			Nodes:       eval.Nodes,
			Source:      c.cfg.Source,
			ModelPath:   c.cfg.ModelPath,
		})

		st := &board.StateInfo{}
		pos.DoMove(move, st)
		ply++
	}

	// terminalValue is from the side to move at ply `ply`; flip back to
	// the first ply's perspective.
	result := resultFromValue(terminalValue)
	if ply%2 == 1 {
		result = -result
	}

	if err := c.exp.ExportGameSamples(result, ply); err != nil {
		return GameResult{}, fmt.Errorf("export game: %w", err)
	}

	for i := range rows {
		v := float32(result)
		if i%2 == 1 {
			v = -v
		}
		rows[i].Value = v
	}
	if c.cfg.ArchiveDir != "" && len(rows) > 0 {
		if _, err := store.WriteArchiveBatchParquetAtomic(c.cfg.ArchiveDir, rows); err != nil {
			return GameResult{}, fmt.Errorf("archive game: %w", err)
		}
	}
	if c.db != nil {
		err := c.db.RecordGame(store.GameRecord{
			ID:        gameID,
			GameIdx:   c.exp.GameIdx() - 1,
			Plys:      ply,
			Result:    int(result),
			StartIdx:  startIdx,
			ModelPath: c.cfg.ModelPath,
		})
		if err != nil {
			return GameResult{}, err
		}
	}

	c.log.Info("game finished",
		"game_id", gameID, "plys", ply, "result", result, "start_idx", startIdx)
	return GameResult{GameID: gameID, Plys: ply, Result: result}, nil
}

// RunGames plays up to n games, stopping early when the exporter is full
// or ctx is cancelled. onGame, when set, is called after every game.
func (c *Controller) RunGames(ctx context.Context, n int, onGame func(GameResult)) error {
	for i := 0; i < n; i++ {
		if c.exp.IsFileFull() {
			c.log.Warn("export store is full, stopping self-play", "games", i)
			return nil
		}
		res, err := c.PlayGame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if onGame != nil {
			onGame(res)
		}
	}
	return nil
}

func resultFromValue(v float32) int16 {
	switch {
	case v > 0.5:
		return exporter.Win
	case v < -0.5:
		return exporter.Loss
	default:
		return exporter.Draw
	}
}

func sampleIndex(rng *rand.Rand, probs []float32) int {
	r := rng.Float32()
	sum := float32(0)
	for i, p := range probs {
		sum += p
		if r < sum {
			return i
		}
	}
	return len(probs) - 1
}
