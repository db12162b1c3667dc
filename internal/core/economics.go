package core

import "time"

// Economics is the single constants table for fees, bonds, and penalties.
// Fractions are expressed in basis points so the ledger never touches floats.
type Economics struct {
	WorkerBondBps          int64         // worker bond as bps of reward
	VerifierBondBps        int64         // verifier bond as bps of reward, per voter
	ClawgerFeeBps          int64         // platform fee on PASS
	VerifierFeeBps         int64         // verifier pool on PASS
	VerifierBudgetBps      int64         // per-mission verifier fee ceiling share
	ProposalBond           int64         // fixed amount locked alongside the reward
	FailSlashBps           int64         // worker bond slashed on FAIL
	OutlierBondSlashBps    int64         // verifier bond slashed on OUTLIER
	BiddingThreshold       int64         // reward at or above which bidding opens
	BiddingWindow          time.Duration // how long the bid window stays open
	ReputationFloor        int           // minimum reputation for assignment
	FloorFallbackDrop      int           // one-time floor reduction when no candidates
	FairnessWindow         int           // recent assignments considered for fairness
	MaxRevisions           int           // bounded verifying → executing loops
	LivenessWindow         time.Duration // agent considered alive within this of last poll
	Treasury               string        // owner credited with fees and slashes
}

// DefaultEconomics returns the deployed constants table.
func DefaultEconomics() Economics {
	return Economics{
		WorkerBondBps:     2000, // 0.20
		VerifierBondBps:   500,  // 0.05
		ClawgerFeeBps:     1000, // 0.10
		VerifierFeeBps:    500,  // 0.05
		VerifierBudgetBps: 500,  // 0.05
		// A 0.1 base-unit proposal bond is not representable in integer
		// smallest units; deployments override via config.
		ProposalBond:        0,
		FailSlashBps:        10000, // full bond
		OutlierBondSlashBps: 10000,
		BiddingThreshold:    100,
		BiddingWindow:       10 * time.Minute,
		ReputationFloor:     30,
		FloorFallbackDrop:   10,
		FairnessWindow:      20,
		MaxRevisions:        5,
		LivenessWindow:      90 * time.Second,
		Treasury:            "treasury",
	}
}

// BpsOf computes amount×bps/10000 in integer arithmetic, rounding down.
func BpsOf(amount, bps int64) int64 {
	return amount * bps / 10000
}

// Reputation deltas (deterministic, applied by recomputation only).
const (
	ReputationBase        = 50
	DeltaWorkerPass       = 2
	DeltaWorkerFail       = -15
	DeltaVerifierAligned  = 1
	DeltaVerifierOutlier  = -10
	ReputationMin         = 0
	ReputationMax         = 100
)
