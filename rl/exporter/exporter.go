// Package exporter records self-play training samples into a chunked
// array store: input planes, one-hot-weighted policy targets, best-move Q
// and the game outcome assigned at game end.
package exporter

import (
	"fmt"
	"log/slog"

	"github.com/lingsond/CrazyAra/engine/board"
	"github.com/lingsond/CrazyAra/engine/mcts"
	"github.com/lingsond/CrazyAra/rl/chunkstore"
)

// Game results from the perspective of the side to move on the first ply.
const (
	Loss int16 = -1
	Draw int16 = 0
	Win  int16 = 1
)

// TrainDataExporter accumulates one game's samples in memory and flushes
// them into the store when the game finishes. It is single-writer: one
// exporter per self-play controller.
type TrainDataExporter struct {
	dims   board.Dims
	mapper board.PolicyMapper
	log    *slog.Logger

	store         *chunkstore.File
	dX            *chunkstore.Dataset
	dValue        *chunkstore.Dataset
	dPolicy       *chunkstore.Dataset
	dBestMoveQ    *chunkstore.Dataset
	dStartIndices *chunkstore.Dataset

	numberChunks  int
	chunkSize     int
	numberSamples int

	startIdx int
	gameIdx  int

	firstMove bool

	gamePlanes    []int16
	gamePolicy    []float32
	gameBestMoveQ []float32
}

// New opens or creates the store at fileName. An existing store is reused
// with overwrite semantics: the sample cursor restarts at zero and the
// already-used prefix is rewritten.
func New(fileName string, numberChunks, chunkSize int, dims board.Dims, mapper board.PolicyMapper, log *slog.Logger) (*TrainDataExporter, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &TrainDataExporter{
		dims:          dims,
		mapper:        mapper,
		log:           log,
		numberChunks:  numberChunks,
		chunkSize:     chunkSize,
		numberSamples: numberChunks * chunkSize,
		firstMove:     true,
	}

	if chunkstore.Exists(fileName) {
		log.Warn("export store already exists, it will be overwritten", "path", fileName)
		if err := e.openDatasets(fileName); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.createDatasets(fileName); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *TrainDataExporter) openDatasets(fileName string) error {
	store, err := chunkstore.Open(fileName)
	if err != nil {
		return fmt.Errorf("open export store: %w", err)
	}
	e.store = store
	if e.dStartIndices, err = store.OpenDataset("start_indices"); err != nil {
		return err
	}
	if e.dX, err = store.OpenDataset("x"); err != nil {
		return err
	}
	if e.dValue, err = store.OpenDataset("y_value"); err != nil {
		return err
	}
	if e.dPolicy, err = store.OpenDataset("y_policy"); err != nil {
		return err
	}
	if e.dBestMoveQ, err = store.OpenDataset("y_best_move_q"); err != nil {
		return err
	}
	return nil
}

func (e *TrainDataExporter) createDatasets(fileName string) error {
	store, err := chunkstore.Create(fileName)
	if err != nil {
		return fmt.Errorf("create export store: %w", err)
	}
	e.store = store

	n := e.numberSamples
	c, h, w := e.dims.Channels, e.dims.Height, e.dims.Width
	labels := e.mapper.Len()

	if e.dStartIndices, err = store.CreateDataset("start_indices", chunkstore.DtypeInt32, []int{n}, []int{e.chunkSize}); err != nil {
		return err
	}
	if e.dX, err = store.CreateDataset("x", chunkstore.DtypeInt16, []int{n, c, h, w}, []int{e.chunkSize, c, h, w}); err != nil {
		return err
	}
	if e.dValue, err = store.CreateDataset("y_value", chunkstore.DtypeInt16, []int{n}, []int{e.chunkSize}); err != nil {
		return err
	}
	if e.dPolicy, err = store.CreateDataset("y_policy", chunkstore.DtypeFloat32, []int{n, labels}, []int{e.chunkSize, labels}); err != nil {
		return err
	}
	if e.dBestMoveQ, err = store.CreateDataset("y_best_move_q", chunkstore.DtypeFloat32, []int{n}, []int{e.chunkSize}); err != nil {
		return err
	}
	return e.saveStartIdx()
}

func (e *TrainDataExporter) NumberSamples() int { return e.numberSamples }
func (e *TrainDataExporter) StartIdx() int { return e.startIdx }
func (e *TrainDataExporter) GameIdx() int { return e.gameIdx }

// IsFileFull reports whether the store has no free sample slots left.
func (e *TrainDataExporter) IsFileFull() bool { return e.startIdx >= e.numberSamples }

// NewGame resets the game-local buffers; they are overwritten by the next
// SaveSample.
func (e *TrainDataExporter) NewGame() { e.firstMove = true }

// SaveSample buffers one ply: the serialized position, the policy target
// built from the search's move distribution and the best-move Q. Samples
// past the store capacity are dropped with a warning (soft overflow).
// The value target is assigned later by ExportGameSamples.
func (e *TrainDataExporter) SaveSample(pos board.Position, eval *mcts.EvalInfo, idxOffset int) {
	if e.startIdx+idxOffset >= e.numberSamples {
		e.log.Warn("extended number of maximum samples, dropping sample",
			"start_idx", e.startIdx, "idx_offset", idxOffset, "capacity", e.numberSamples)
		return
	}
	if e.firstMove {
		e.gamePlanes = e.gamePlanes[:0]
		e.gamePolicy = e.gamePolicy[:0]
		e.gameBestMoveQ = e.gameBestMoveQ[:0]
	}

	planes := make([]float32, e.dims.Size())
	pos.WritePlanes(planes)
	for _, v := range planes {
		e.gamePlanes = append(e.gamePlanes, int16(v))
	}

	side := pos.SideToMove()
	policy := make([]float32, e.mapper.Len())
	for j, m := range eval.LegalMoves {
		policy[e.mapper.PolicyIndex(side, m)] = eval.PolicyProbSmall[j]
	}
	e.gamePolicy = append(e.gamePolicy, policy...)

	e.gameBestMoveQ = append(e.gameBestMoveQ, eval.BestMoveQ)

	e.firstMove = false
}

// ExportGameSamples assigns the outcome to the buffered plies and writes
// the four arrays into the store at the current cursor. result is from
// the first ply's side to move; the sign alternates on odd plies.
func (e *TrainDataExporter) ExportGameSamples(result int16, plys int) error {
	if e.startIdx >= e.numberSamples {
		e.log.Warn("extended number of maximum samples, dropping game",
			"game_idx", e.gameIdx, "plys", plys)
		return nil
	}
	if e.startIdx+plys > e.numberSamples {
		plys = e.numberSamples - e.startIdx
		e.log.Warn("adjusted number of samples to export", "plys", plys)
	}
	if buffered := len(e.gameBestMoveQ); plys > buffered {
		plys = buffered
	}
	if plys <= 0 {
		return nil
	}

	values := make([]int16, plys)
	for i := range values {
		values[i] = result
	}
	if result != Draw {
		for i := 1; i < plys; i += 2 {
			values[i] = -result
		}
	}

	if err := chunkstore.Write(e.dX, e.startIdx, e.gamePlanes[:plys*e.dims.Size()]); err != nil {
		return fmt.Errorf("export planes: %w", err)
	}
	if err := chunkstore.Write(e.dValue, e.startIdx, values); err != nil {
		return fmt.Errorf("export values: %w", err)
	}
	if err := chunkstore.Write(e.dPolicy, e.startIdx, e.gamePolicy[:plys*e.mapper.Len()]); err != nil {
		return fmt.Errorf("export policy: %w", err)
	}
	if err := chunkstore.Write(e.dBestMoveQ, e.startIdx, e.gameBestMoveQ[:plys]); err != nil {
		return fmt.Errorf("export best move q: %w", err)
	}

	e.startIdx += plys
	e.gameIdx++
	return e.saveStartIdx()
}

// saveStartIdx persists the cursor so trainers can split the flat sample
// arrays back into games.
func (e *TrainDataExporter) saveStartIdx() error {
	if e.gameIdx >= e.numberSamples {
		return nil
	}
	if err := chunkstore.Write(e.dStartIndices, e.gameIdx, []int32{int32(e.startIdx)}); err != nil {
		return fmt.Errorf("export start index: %w", err)
	}
	return nil
}
