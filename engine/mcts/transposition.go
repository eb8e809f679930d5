package mcts

import (
	"sync"

	"github.com/lingsond/CrazyAra/engine/board"
)

// MapWithMutex is the shared transposition map from state hash to the
// node that owns the NN evaluation for that state. A single mutex is
// enough: both critical sections are one map operation long.
type MapWithMutex struct {
	mu    sync.Mutex
	table map[uint64]*Node
}

func NewMapWithMutex() *MapWithMutex {
	return &MapWithMutex{table: make(map[uint64]*Node)}
}

func (m *MapWithMutex) Lookup(key uint64) (*Node, bool) {
	m.mu.Lock()
	n, ok := m.table[key]
	m.mu.Unlock()
	return n, ok
}

func (m *MapWithMutex) Insert(key uint64, n *Node) {
	m.mu.Lock()
	m.table[key] = n
	m.mu.Unlock()
}

func (m *MapWithMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// isTranspositionVerified accepts a hash hit only when the stored node
// already carries NN results, sits at the same distance from the last
// irreversible move and the new state is repetition-free. Unverified hits
// are treated as misses.
func isTranspositionVerified(hit *Node, newPos board.Position, st *board.StateInfo) bool {
	return hit.HasNNResults() &&
		hit.pliesFromNull == newPos.PliesFromNull() &&
		st.Repetition == 0
}
