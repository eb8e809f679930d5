package tictactoe

import (
	"testing"

	"github.com/lingsond/CrazyAra/engine/board"
)

func doMoves(t *testing.T, p *Position, moves ...board.Move) {
	t.Helper()
	for _, m := range moves {
		st := &board.StateInfo{}
		p.DoMove(m, st)
	}
}

func TestLegalMovesShrink(t *testing.T) {
	p := NewPosition()
	if got := len(p.LegalMoves()); got != 9 {
		t.Fatalf("fresh board has %d moves, want 9", got)
	}
	doMoves(t, p, 4)
	moves := p.LegalMoves()
	if len(moves) != 8 {
		t.Fatalf("after one move: %d moves, want 8", len(moves))
	}
	for _, m := range moves {
		if m == 4 {
			t.Errorf("occupied cell still legal")
		}
	}
}

func TestRowWinIsTerminalLossForMover(t *testing.T) {
	p := NewPosition()
	// X: 0 1 2 wins; O answers on 3 4.
	doMoves(t, p, 0, 3, 1, 4, 2)

	v, terminal := p.TerminalValue()
	if !terminal {
		t.Fatalf("completed row not terminal")
	}
	// O is to move and has lost.
	if v != -1 {
		t.Errorf("terminal value = %v, want -1", v)
	}
	if p.LegalMoves() != nil {
		t.Errorf("finished game still offers moves")
	}
}

func TestDiagonalWin(t *testing.T) {
	p := NewPosition()
	doMoves(t, p, 0, 1, 4, 2, 8)
	if _, terminal := p.TerminalValue(); !terminal {
		t.Errorf("diagonal win not terminal")
	}
}

func TestFullBoardIsDraw(t *testing.T) {
	p := NewPosition()
	// X X O / O O X / X O X, no completed line.
	doMoves(t, p, 0, 2, 1, 3, 5, 4, 6, 7, 8)
	v, terminal := p.TerminalValue()
	if !terminal || v != 0 {
		t.Errorf("full board: value %v terminal %v, want 0 true", v, terminal)
	}
}

func TestSideToMoveAlternates(t *testing.T) {
	p := NewPosition()
	if p.SideToMove() != board.White {
		t.Fatalf("fresh board side = %v, want White", p.SideToMove())
	}
	doMoves(t, p, 0)
	if p.SideToMove() != board.Black {
		t.Errorf("side after one move = %v, want Black", p.SideToMove())
	}
}

// TestTranspositionHashes verifies that different move orders reaching
// the same cell configuration hash identically, and that the side to
// move is part of the key.
func TestTranspositionHashes(t *testing.T) {
	a := NewPosition()
	doMoves(t, a, 0, 4, 8)
	b := NewPosition()
	doMoves(t, b, 8, 4, 0)
	if a.HashKey() != b.HashKey() {
		t.Errorf("same configuration hashes differ: %x vs %x", a.HashKey(), b.HashKey())
	}

	c := NewPosition()
	doMoves(t, c, 0)
	d := NewPosition()
	if c.HashKey() == d.HashKey() {
		t.Errorf("distinct positions share a hash")
	}
}

func TestGivesCheckDetectsWinningThreat(t *testing.T) {
	p := NewPosition()
	// X at 0, O at 4. Playing 1 lines up two X marks with cell 2 empty,
	// threatening to win next turn.
	doMoves(t, p, 0, 4)
	if !p.GivesCheck(1) {
		t.Errorf("threat-building move not flagged")
	}
	// 5 joins no line with another X mark.
	if p.GivesCheck(5) {
		t.Errorf("unsupported move flagged as threat")
	}
}

func TestWritePlanes(t *testing.T) {
	p := NewPosition()
	doMoves(t, p, 0, 4)

	planes := make([]float32, Dims.Size())
	p.WritePlanes(planes)

	// X (now the side to move) occupies cell 0, O cell 4.
	if planes[0] != 1 {
		t.Errorf("own plane missing mark at 0")
	}
	if planes[9+4] != 1 {
		t.Errorf("opponent plane missing mark at 4")
	}
	// Side-to-move plane is all ones for White.
	for sq := 0; sq < 9; sq++ {
		if planes[18+sq] != 1 {
			t.Fatalf("side plane not set for White at %d", sq)
		}
	}

	// From Black's view the constant plane is zero and the mark planes
	// swap.
	doMoves(t, p, 8)
	p.WritePlanes(planes)
	if planes[18] != 0 {
		t.Errorf("side plane set for Black")
	}
	if planes[4] != 1 {
		t.Errorf("own plane (Black) missing mark at 4")
	}
	if planes[9] != 1 || planes[9+8] != 1 {
		t.Errorf("opponent plane (X) missing marks")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := NewPosition()
	doMoves(t, p, 0)
	clone := p.Clone().(*Position)
	st := &board.StateInfo{}
	clone.DoMove(4, st)

	if p.HashKey() == clone.HashKey() {
		t.Errorf("clone mutation leaked into the original")
	}
	if len(p.LegalMoves()) != 8 {
		t.Errorf("original changed after clone move")
	}
}

func TestMapperIsIdentity(t *testing.T) {
	m := Mapper{}
	if m.Len() != 9 {
		t.Fatalf("Len = %d, want 9", m.Len())
	}
	for mv := board.Move(0); mv < 9; mv++ {
		if m.PolicyIndex(board.White, mv) != int(mv) || m.PolicyIndex(board.Black, mv) != int(mv) {
			t.Errorf("mapper not identity for move %d", mv)
		}
	}
}
