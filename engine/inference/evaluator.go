// Package inference provides the synchronous batched evaluator contract
// used by the search threads, plus an ONNX Runtime implementation.
package inference

// Evaluator scores a batch of positions. Implementations are synchronous:
// Predict returns once valueOut and policyOut are filled for the first
// batchSize entries. Buffers are owned by the caller and must not be
// retained past return. One evaluator instance serves one search thread.
type Evaluator interface {
	// Predict consumes batchSize stacked plane tensors from inputPlanes and
	// writes batchSize values into valueOut and batchSize policy vectors of
	// PolicyOutputLength() each into policyOut.
	Predict(inputPlanes []float32, batchSize int, valueOut, policyOut []float32) error

	// IsPolicyMap reports whether the policy head is already indexed by the
	// game's full move space (no softmax over legal moves needed).
	IsPolicyMap() bool

	// PolicyOutputLength is the length of one policy vector.
	PolicyOutputLength() int
}
