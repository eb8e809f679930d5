package mcts

import (
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/lingsond/CrazyAra/engine/board"
)

// NodeType classifies whether a node's game-theoretic value is known.
type NodeType uint8

const (
	Unsolved NodeType = iota
	SolvedWin
	SolvedLoss
	SolvedDraw
)

// Node is one state in the shared search tree.
//
// Structural fields (children, noVisitIdx) and per-child statistics are
// guarded by mtx. The hasNNResults gate is atomic because other workers
// read it while holding only the parent's lock; everything published
// before the gate flips is visible to a reader that observes it set.
type Node struct {
	mtx sync.Mutex

	pos           board.Position
	hashKey       uint64
	sideToMove    board.Color
	pliesFromNull uint16

	legalMoves  []board.Move
	priorPolicy []float32

	childVisits     []float32
	actionValues    []float32
	qValues         []float32
	children        []*Node
	isTransposition []bool

	// visits is sum(childVisits) plus 1 for the node's own evaluation.
	visits         float32
	terminalVisits float32
	noVisitIdx     int

	parent           *Node
	childIdxOfParent int

	value       float32
	fpuValue    float32
	isTerminal  bool
	isTablebase bool
	nodeType    NodeType

	hasNNResults atomic.Bool
}

// NewNode classifies the position (terminal, tablebase or regular) and
// prepares a node awaiting NN evaluation. The node keeps its own copy of
// the position; callers must not mutate pos afterwards.
func NewNode(pos board.Position, parent *Node, childIdxOfParent int) *Node {
	n := &Node{
		pos:              pos,
		hashKey:          pos.HashKey(),
		sideToMove:       pos.SideToMove(),
		pliesFromNull:    pos.PliesFromNull(),
		parent:           parent,
		childIdxOfParent: childIdxOfParent,
	}
	if v, terminal := pos.TerminalValue(); terminal {
		n.isTerminal = true
		n.value = v
		switch {
		case v > 0:
			n.nodeType = SolvedWin
		case v < 0:
			n.nodeType = SolvedLoss
		default:
			n.nodeType = SolvedDraw
		}
		return n
	}
	n.legalMoves = pos.LegalMoves()
	if v, ok := pos.ProbeTablebase(); ok {
		n.isTablebase = true
		n.value = v
	}
	return n
}

// newTranspositionNode builds a fresh tree node that reuses the
// evaluation of an already scored node with the same hash key. Legal
// moves and prior policy are shared (immutable after publication);
// value and solved state are snapshotted under the original's lock,
// since backups may be rewriting them concurrently. Visit statistics
// start from zero so that backups along this parent chain stay
// conserved.
func newTranspositionNode(orig *Node, pos board.Position, parent *Node, childIdxOfParent int, settings *SearchSettings) *Node {
	orig.mtx.Lock()
	value := orig.value
	isTablebase := orig.isTablebase
	nodeType := orig.nodeType
	orig.mtx.Unlock()

	n := &Node{
		pos:              pos,
		hashKey:          orig.hashKey,
		sideToMove:       orig.sideToMove,
		pliesFromNull:    pos.PliesFromNull(),
		legalMoves:       orig.legalMoves,
		priorPolicy:      orig.priorPolicy,
		parent:           parent,
		childIdxOfParent: childIdxOfParent,
		value:            value,
		isTablebase:      isTablebase,
		nodeType:         nodeType,
	}
	n.sizeArrays(settings)
	n.hasNNResults.Store(true)
	return n
}

func (n *Node) Lock() { n.mtx.Lock() }
func (n *Node) Unlock() { n.mtx.Unlock() }

func (n *Node) HashKey() uint64 { return n.hashKey }
func (n *Node) SideToMove() board.Color { return n.sideToMove }
func (n *Node) IsTerminal() bool { return n.isTerminal }
func (n *Node) IsTablebase() bool { return n.isTablebase }
func (n *Node) HasNNResults() bool { return n.hasNNResults.Load() }
func (n *Node) Parent() *Node { return n.parent }
func (n *Node) LegalMoves() []board.Move { return n.legalMoves }
func (n *Node) NumChildren() int { return len(n.legalMoves) }

func (n *Node) NodeType() NodeType {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.nodeType
}

func (n *Node) Value() float32 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.value
}

// Visits returns sum(child visits) + 1, including outstanding virtual
// losses.
func (n *Node) Visits() float32 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.visits
}

func (n *Node) TerminalVisits() float32 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.terminalVisits
}

// MakeToRoot severs the parent link so the subtree can serve as the next
// search root while the rest of the old tree is collected.
func (n *Node) MakeToRoot() {
	n.mtx.Lock()
	n.parent = nil
	n.childIdxOfParent = 0
	n.mtx.Unlock()
}

// SelectChild returns the PUCT argmax over the children exposed so far.
// Caller holds the node lock. Ties resolve to the smallest index.
func (n *Node) SelectChild(settings *SearchSettings) int {
	sqrtTotal := float32(math.Sqrt(float64(n.visits)))
	bestIdx := 0
	bestU := float32(math.Inf(-1))
	for i := 0; i < n.noVisitIdx; i++ {
		u := n.qValues[i] + settings.CPuct*n.priorPolicy[i]*sqrtTotal/(1+n.childVisits[i])
		if u > bestU {
			bestU = u
			bestIdx = i
		}
	}
	return bestIdx
}

// ApplyVirtualLoss penalizes child i so concurrent selectors diverge.
// Caller holds the node lock.
func (n *Node) ApplyVirtualLoss(i int, virtualLoss float32) {
	n.childVisits[i] += virtualLoss
	n.visits += virtualLoss
	n.actionValues[i] -= virtualLoss
	n.recomputeQ(i)
}

// BackupValue reverts one virtual loss on child i and applies the value
// estimate, leaving a net +1 visit and +value action weight.
func (n *Node) BackupValue(i int, virtualLoss, value float32) {
	n.mtx.Lock()
	n.childVisits[i] += 1 - virtualLoss
	n.visits += 1 - virtualLoss
	n.actionValues[i] += value + virtualLoss
	n.recomputeQ(i)
	n.mtx.Unlock()
}

// BackupCollision reverts one virtual loss on child i with no visit or
// value change, restoring the pre-descent statistics exactly.
func (n *Node) BackupCollision(i int, virtualLoss float32) {
	n.mtx.Lock()
	n.childVisits[i] -= virtualLoss
	n.visits -= virtualLoss
	n.actionValues[i] += virtualLoss
	n.recomputeQ(i)
	n.mtx.Unlock()
}

func (n *Node) recomputeQ(i int) {
	if n.childVisits[i] <= 0 {
		n.qValues[i] = n.fpuValue
		return
	}
	n.qValues[i] = n.actionValues[i] / n.childVisits[i]
}

func (n *Node) addTerminalVisit() {
	n.mtx.Lock()
	n.terminalVisits++
	n.mtx.Unlock()
}

// ChildNode returns the child pointer for slot i. Caller holds the node
// lock during selection; lock-free use is only safe on a quiesced tree.
func (n *Node) ChildNode(i int) *Node { return n.children[i] }

// AddNewChild installs a freshly created child node.
func (n *Node) AddNewChild(i int, child *Node) {
	n.mtx.Lock()
	n.children[i] = child
	n.mtx.Unlock()
}

// AddTranspositionChild installs a child that shares another node's
// evaluation. The slot is marked so debugging tools can tell aliases from
// ordinary children.
func (n *Node) AddTranspositionChild(i int, child *Node) {
	n.mtx.Lock()
	n.children[i] = child
	n.isTransposition[i] = true
	n.mtx.Unlock()
}

// IncrementNoVisitIdx exposes one more child to PUCT selection.
func (n *Node) IncrementNoVisitIdx() {
	n.mtx.Lock()
	if n.noVisitIdx < len(n.legalMoves) {
		n.noVisitIdx++
	}
	n.mtx.Unlock()
}

// SetProbabilitiesForMoves gathers the raw NN policy output at the
// side-to-move aware indices of the legal moves.
func (n *Node) SetProbabilitiesForMoves(policy []float32, mapper board.PolicyMapper) {
	n.priorPolicy = make([]float32, len(n.legalMoves))
	for i, m := range n.legalMoves {
		n.priorPolicy[i] = policy[mapper.PolicyIndex(n.sideToMove, m)]
	}
}

// applySoftmax interprets the gathered priors as logits and normalizes
// them over the legal moves.
func (n *Node) applySoftmax() {
	if len(n.priorPolicy) == 0 {
		return
	}
	maxV := n.priorPolicy[0]
	for _, p := range n.priorPolicy[1:] {
		if p > maxV {
			maxV = p
		}
	}
	sum := float32(0)
	for i, p := range n.priorPolicy {
		e := float32(math.Exp(float64(p - maxV)))
		n.priorPolicy[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range n.priorPolicy {
		n.priorPolicy[i] *= inv
	}
}

// normalizePolicy rescales the gathered priors to sum to one. Used for
// policy-map networks whose outputs are probabilities over the full move
// space; the legal subset does not sum to one on its own.
func (n *Node) normalizePolicy() {
	sum := float32(0)
	for _, p := range n.priorPolicy {
		sum += p
	}
	if sum <= 0 {
		uniform := 1 / float32(len(n.priorPolicy))
		for i := range n.priorPolicy {
			n.priorPolicy[i] = uniform
		}
		return
	}
	inv := 1 / sum
	for i := range n.priorPolicy {
		n.priorPolicy[i] *= inv
	}
}

// enhanceMoves boosts the priors of checking and capturing moves that the
// network scored below the threshold, then renormalizes.
func (n *Node) enhanceMoves(settings *SearchSettings) {
	if !settings.EnhanceChecks && !settings.EnhanceCaptures {
		return
	}
	maxP := float32(0)
	for _, p := range n.priorPolicy {
		if p > maxP {
			maxP = p
		}
	}
	changed := false
	for i, m := range n.legalMoves {
		if n.priorPolicy[i] >= settings.EnhanceThreshold {
			continue
		}
		if settings.EnhanceChecks && n.pos.GivesCheck(m) {
			n.priorPolicy[i] += settings.CheckFactor * maxP
			changed = true
		}
		if settings.EnhanceCaptures && n.pos.IsCapture(m) {
			n.priorPolicy[i] += settings.CaptureFactor * maxP
			changed = true
		}
	}
	if changed {
		n.normalizePolicy()
	}
}

// applyTemperature sharpens (T<1) or flattens (T>1) the prior via
// p ∝ p^(1/T). T == 1 is a no-op.
func (n *Node) applyTemperature(temperature float32) {
	if temperature == 1 || temperature <= 0 {
		return
	}
	invT := float64(1 / temperature)
	sum := float32(0)
	for i, p := range n.priorPolicy {
		v := float32(math.Pow(float64(p), invT))
		n.priorPolicy[i] = v
		sum += v
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range n.priorPolicy {
			n.priorPolicy[i] *= inv
		}
	}
}

// sortMovesByProbabilities orders legal moves by descending prior so that
// noVisitIdx exposes the most promising children first.
func (n *Node) sortMovesByProbabilities() {
	// Insertion sort: move lists are short and mostly sorted for sharp
	// policies.
	for i := 1; i < len(n.priorPolicy); i++ {
		p, m := n.priorPolicy[i], n.legalMoves[i]
		j := i - 1
		for j >= 0 && n.priorPolicy[j] < p {
			n.priorPolicy[j+1] = n.priorPolicy[j]
			n.legalMoves[j+1] = n.legalMoves[j]
			j--
		}
		n.priorPolicy[j+1] = p
		n.legalMoves[j+1] = m
	}
}

// assignValue sets the NN value estimate, blending with a tablebase entry
// when both the node and its parent are covered so the NN keeps its sense
// of progress inside won tablebase regions.
func (n *Node) assignValue(nnValue float32, tbHits *uint64) {
	if !n.isTablebase {
		n.value = nnValue
		return
	}
	*tbHits++
	if n.value != 0 && n.parent != nil && n.parent.isTablebase {
		n.value = (nnValue + n.value) * 0.5
	}
}

// updateSolvedState propagates game-theoretic results up the tree. A
// child that is lost for its own side to move proves a win here; once
// every child is expanded and solved the node takes the best provable
// outcome. Locks nest parent before child only, matching descent order.
func (n *Node) updateSolvedState(childIdx int, childType NodeType) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.nodeType != Unsolved {
		return
	}
	if childType == SolvedLoss {
		n.nodeType = SolvedWin
		n.value = 1
		return
	}
	if n.noVisitIdx < len(n.legalMoves) {
		return
	}
	anyDraw := false
	for _, c := range n.children {
		if c == nil {
			return
		}
		switch c.NodeType() {
		case Unsolved:
			return
		case SolvedLoss:
			n.nodeType = SolvedWin
			n.value = 1
			return
		case SolvedDraw:
			anyDraw = true
		}
	}
	if anyDraw {
		n.nodeType = SolvedDraw
		n.value = 0
		return
	}
	n.nodeType = SolvedLoss
	n.value = -1
}

func (n *Node) sizeArrays(settings *SearchSettings) {
	nb := len(n.legalMoves)
	n.childVisits = make([]float32, nb)
	n.actionValues = make([]float32, nb)
	n.qValues = make([]float32, nb)
	n.children = make([]*Node, nb)
	n.isTransposition = make([]bool, nb)

	fpu := n.value - settings.FPUReduction
	if fpu < -1 {
		fpu = -1
	}
	n.fpuValue = fpu
	for i := range n.qValues {
		n.qValues[i] = fpu
	}
	n.visits = 1
	if nb > 0 {
		n.noVisitIdx = 1
	}
}

// EnableNNResults publishes the node: statistics arrays are sized, the
// first child slot is exposed and the gate flips. Must be called after
// the prior policy has been normalized.
func (n *Node) EnableNNResults(settings *SearchSettings) {
	n.mtx.Lock()
	n.sizeArrays(settings)
	n.mtx.Unlock()
	n.hasNNResults.Store(true)
}

// ApplyDirichletNoise mixes Dirichlet noise into the prior policy for
// self-play exploration: p = (1-eps)*p + eps*Dir(alpha).
func (n *Node) ApplyDirichletNoise(epsilon float32, alpha float64, src rand.Source) {
	if epsilon <= 0 || len(n.priorPolicy) < 2 {
		return
	}
	alphas := make([]float64, len(n.priorPolicy))
	for i := range alphas {
		alphas[i] = alpha
	}
	dir := distmv.NewDirichlet(alphas, src)
	noise := dir.Rand(nil)

	n.mtx.Lock()
	for i := range n.priorPolicy {
		n.priorPolicy[i] = (1-epsilon)*n.priorPolicy[i] + epsilon*float32(noise[i])
	}
	n.mtx.Unlock()
}

// MCTSPolicy returns the final move distribution over the legal moves,
// blending normalized visit counts with shifted Q values. Children with
// fewer than minVisitFactor * maxVisits visits contribute no Q weight.
func (n *Node) MCTSPolicy(qValueWeight, minVisitFactor float32) []float32 {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	policy := make([]float32, len(n.legalMoves))
	totalVisits := float32(0)
	maxVisits := float32(0)
	for _, v := range n.childVisits {
		totalVisits += v
		if v > maxVisits {
			maxVisits = v
		}
	}
	if totalVisits <= 0 {
		for i := range policy {
			policy[i] = n.priorPolicy[i]
		}
		return policy
	}
	for i := range policy {
		policy[i] = (1 - qValueWeight) * n.childVisits[i] / totalVisits
		if qValueWeight > 0 && n.childVisits[i] >= minVisitFactor*maxVisits {
			policy[i] += qValueWeight * (n.qValues[i] + 1) * 0.5
		}
	}
	sum := float32(0)
	for _, p := range policy {
		sum += p
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range policy {
			policy[i] *= inv
		}
	}
	return policy
}

// ChildStats copies the per-child statistics for inspection.
func (n *Node) ChildStats() (visits, qValues, prior []float32) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	visits = append([]float32(nil), n.childVisits...)
	qValues = append([]float32(nil), n.qValues...)
	prior = append([]float32(nil), n.priorPolicy...)
	return visits, qValues, prior
}
