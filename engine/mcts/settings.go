package mcts

import "time"

// SearchSettings are the per-search tuning knobs shared by all worker
// threads. They are read-only while a search is running.
type SearchSettings struct {
	Threads   int
	BatchSize int

	CPuct        float32
	VirtualLoss  float32
	FPUReduction float32

	// PolicyTemperature is applied to the prior after softmax/enhancement.
	PolicyTemperature float32

	// QValueWeight and QValueMinVisitFactor shape the final move policy
	// derived from root statistics.
	QValueWeight         float32
	QValueMinVisitFactor float32

	// Dirichlet noise on the root prior; epsilon 0 disables it.
	DirichletEpsilon float32
	DirichletAlpha   float64

	EnhanceChecks    bool
	EnhanceCaptures  bool
	EnhanceThreshold float32
	CheckFactor      float32
	CaptureFactor    float32

	UseTranspositionTable bool
}

func DefaultSearchSettings() *SearchSettings {
	return &SearchSettings{
		Threads:               2,
		BatchSize:             16,
		CPuct:                 2.5,
		VirtualLoss:           3,
		FPUReduction:          0.25,
		PolicyTemperature:     1,
		QValueWeight:          0.7,
		QValueMinVisitFactor:  0.25,
		DirichletEpsilon:      0,
		DirichletAlpha:        0.2,
		EnhanceChecks:         true,
		EnhanceCaptures:       false,
		EnhanceThreshold:      0.1,
		CheckFactor:           0.5,
		CaptureFactor:         0.05,
		UseTranspositionTable: true,
	}
}

// SearchLimits bounds one search. Nodes == 0 means no node budget;
// MoveTime == 0 means no clock.
type SearchLimits struct {
	Nodes    int
	MoveTime time.Duration
}
