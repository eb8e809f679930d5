// Package board defines the contract between the search engine and the
// game implementation: position state, move generation, hashing and the
// plane/policy encodings consumed by the neural network.
//
// The engine never inspects game rules directly. Everything it needs is
// expressed through Position, Dims and PolicyMapper, so any two-player
// zero-sum game can plug in.
package board

// Color identifies the side to move.
type Color uint8

const (
	White Color = iota
	Black
)

func (c Color) Flip() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// Move is an opaque move identifier. Its encoding belongs to the game;
// the engine only passes it around and feeds it to PolicyMapper.
type Move uint16

// StateInfo carries per-ply reversible state. One StateInfo is allocated
// per ply of a descent and its lifetime is tied to the descent's list.
type StateInfo struct {
	Repetition    uint8
	PliesFromNull uint16
}

// Dims describes the NN input plane tensor for one position.
type Dims struct {
	Channels int
	Height   int
	Width    int
}

// Size returns the number of values of a single plane stack.
func (d Dims) Size() int { return d.Channels * d.Height * d.Width }

// PolicyMapper translates a legal move into its index in the flat policy
// output, taking the side to move into account (mirrored lookup for the
// second player in games that need it).
type PolicyMapper interface {
	// PolicyIndex returns the policy-vector index of m for the given side.
	PolicyIndex(c Color, m Move) int
	// Len is the length of the full policy vector.
	Len() int
}

// Position is the game-state surface consumed by the search. Implementations
// do not need to be safe for concurrent use; each worker clones its own
// descent position.
type Position interface {
	// HashKey is a transposition key for the current state.
	HashKey() uint64

	SideToMove() Color

	// LegalMoves returns the ordered legal move list. The returned slice is
	// owned by the caller.
	LegalMoves() []Move

	// GivesCheck reports whether m attacks the opponent king (or the game's
	// equivalent forcing condition). Used for prior enhancement only.
	GivesCheck(m Move) bool

	// IsCapture reports whether m captures material. Used for prior
	// enhancement only.
	IsCapture(m Move) bool

	// DoMove applies m and fills st with the resulting per-ply state.
	DoMove(m Move, st *StateInfo)

	PliesFromNull() uint16

	// Clone returns an independent deep copy.
	Clone() Position

	// WritePlanes serializes the position into dst, which has room for
	// Dims.Size() float32 values.
	WritePlanes(dst []float32)

	// TerminalValue returns the game result from the side to move's
	// perspective ([-1,1]) and true when the position is terminal.
	TerminalValue() (float32, bool)

	// ProbeTablebase returns an oracle value from the side to move's
	// perspective and true when the position is covered by a tablebase.
	ProbeTablebase() (float32, bool)
}
