// Package tictactoe implements the board contract for 3x3 tic-tac-toe.
// It exists so the engine can be exercised end to end (tests, self-play
// smoke runs) without an external game binding; its transpositions are
// real, since different move orders reach identical cell configurations.
package tictactoe

import (
	"math/rand"

	"github.com/lingsond/CrazyAra/engine/board"
)

const (
	boardSize = 9

	// Planes: side-to-move marks, opponent marks, side-to-move constant.
	numChannels = 3
)

// Dims is the NN input layout for this game.
var Dims = board.Dims{Channels: numChannels, Height: 3, Width: 3}

// PolicyLen is the flat policy vector length: one entry per cell.
const PolicyLen = boardSize

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// zobrist keys, fixed seed so hashes are stable across runs.
var zobrist [2][boardSize]uint64
var zobristSide uint64

func init() {
	rng := rand.New(rand.NewSource(0x5eed))
	for c := range zobrist {
		for sq := range zobrist[c] {
			zobrist[c][sq] = rng.Uint64()
		}
	}
	zobristSide = rng.Uint64()
}

// Position is a tic-tac-toe state. Cells hold 0 (empty) or mark+1 for
// White/Black marks.
type Position struct {
	cells [boardSize]uint8
	side  board.Color
	ply   uint16
	hash  uint64
}

// NewPosition returns the empty board with White to move.
func NewPosition() *Position {
	return &Position{side: board.White}
}

// Mapper is the identity policy mapper: the move space already is the
// policy space and neither side needs mirroring.
type Mapper struct{}

func (Mapper) PolicyIndex(_ board.Color, m board.Move) int { return int(m) }
func (Mapper) Len() int { return PolicyLen }

func (p *Position) HashKey() uint64 {
	h := p.hash
	if p.side == board.Black {
		h ^= zobristSide
	}
	return h
}

func (p *Position) SideToMove() board.Color { return p.side }

func (p *Position) LegalMoves() []board.Move {
	if p.winner() != 0 {
		return nil
	}
	moves := make([]board.Move, 0, boardSize)
	for sq, c := range p.cells {
		if c == 0 {
			moves = append(moves, board.Move(sq))
		}
	}
	return moves
}

// GivesCheck reports whether m creates an immediate winning threat: a
// line containing m with two own marks and one empty cell afterwards.
func (p *Position) GivesCheck(m board.Move) bool {
	own := uint8(p.side) + 1
	sq := int(m)
	for _, line := range winLines {
		if sq != line[0] && sq != line[1] && sq != line[2] {
			continue
		}
		ownCount, emptyCount := 1, 0 // m itself counts as own
		for _, c := range line {
			if c == sq {
				continue
			}
			switch p.cells[c] {
			case own:
				ownCount++
			case 0:
				emptyCount++
			}
		}
		if ownCount == 2 && emptyCount == 1 {
			return true
		}
	}
	return false
}

func (p *Position) IsCapture(board.Move) bool { return false }

func (p *Position) DoMove(m board.Move, st *board.StateInfo) {
	sq := int(m)
	p.cells[sq] = uint8(p.side) + 1
	p.hash ^= zobrist[p.side][sq]
	p.side = p.side.Flip()
	p.ply++
	st.Repetition = 0
	st.PliesFromNull = p.ply
}

func (p *Position) PliesFromNull() uint16 { return p.ply }

func (p *Position) Clone() board.Position {
	clone := *p
	return &clone
}

func (p *Position) WritePlanes(dst []float32) {
	for i := 0; i < Dims.Size(); i++ {
		dst[i] = 0
	}
	own := uint8(p.side) + 1
	opp := uint8(p.side.Flip()) + 1
	for sq, c := range p.cells {
		switch c {
		case own:
			dst[sq] = 1
		case opp:
			dst[boardSize+sq] = 1
		}
	}
	if p.side == board.White {
		for sq := 0; sq < boardSize; sq++ {
			dst[2*boardSize+sq] = 1
		}
	}
}

// winner returns the mark (1 or 2) of the completed line, or 0.
func (p *Position) winner() uint8 {
	for _, line := range winLines {
		c := p.cells[line[0]]
		if c != 0 && c == p.cells[line[1]] && c == p.cells[line[2]] {
			return c
		}
	}
	return 0
}

func (p *Position) TerminalValue() (float32, bool) {
	if w := p.winner(); w != 0 {
		// The side to move never owns the completed line.
		return -1, true
	}
	if p.ply >= boardSize {
		return 0, true
	}
	return 0, false
}

func (p *Position) ProbeTablebase() (float32, bool) { return 0, false }
