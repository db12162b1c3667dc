package reputation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clawger/backend/internal/core"
)

func worker(outcome core.OutcomeKind, rating int) core.JobOutcome {
	return core.JobOutcome{Role: core.RoleWorker, Outcome: outcome, Rating: rating}
}

func verifier(outcome core.OutcomeKind) core.JobOutcome {
	return core.JobOutcome{Role: core.RoleVerifier, Outcome: outcome}
}

func TestRecomputeDeltas(t *testing.T) {
	cases := []struct {
		name     string
		outcomes []core.JobOutcome
		want     int
	}{
		{"empty log is base", nil, 50},
		{"worker pass", []core.JobOutcome{worker(core.OutcomeKindPass, 0)}, 52},
		{"worker pass rated 5", []core.JobOutcome{worker(core.OutcomeKindPass, 5)}, 54},
		{"worker pass rated 1", []core.JobOutcome{worker(core.OutcomeKindPass, 1)}, 50},
		{"worker fail", []core.JobOutcome{worker(core.OutcomeKindFail, 0)}, 35},
		{"verifier aligned", []core.JobOutcome{verifier(core.OutcomeKindPass)}, 51},
		{"verifier outlier", []core.JobOutcome{verifier(core.OutcomeKindOutlier)}, 40},
		{"mixed history", []core.JobOutcome{
			worker(core.OutcomeKindPass, 4),
			worker(core.OutcomeKindFail, 0),
			verifier(core.OutcomeKindPass),
			verifier(core.OutcomeKindOutlier),
		}, 50 + 2 + 1 - 15 - 10 + 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recompute(tc.outcomes).Score)
		})
	}
}

func TestRecomputeClamps(t *testing.T) {
	var fails []core.JobOutcome
	for i := 0; i < 10; i++ {
		fails = append(fails, worker(core.OutcomeKindFail, 0))
	}
	assert.Equal(t, 0, Recompute(fails).Score)

	var passes []core.JobOutcome
	for i := 0; i < 40; i++ {
		passes = append(passes, worker(core.OutcomeKindPass, 0))
	}
	assert.Equal(t, 100, Recompute(passes).Score)
}

func TestRecomputeOrderIndependent(t *testing.T) {
	outcomes := []core.JobOutcome{
		worker(core.OutcomeKindPass, 5),
		worker(core.OutcomeKindFail, 0),
		worker(core.OutcomeKindPass, 2),
		verifier(core.OutcomeKindPass),
		verifier(core.OutcomeKindOutlier),
		verifier(core.OutcomeKindPass),
	}
	want := Recompute(outcomes)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]core.JobOutcome, len(outcomes))
		copy(shuffled, outcomes)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, Recompute(shuffled))
	}
}

func TestBreakdownExplainsScore(t *testing.T) {
	b := Recompute([]core.JobOutcome{
		worker(core.OutcomeKindPass, 5),
		worker(core.OutcomeKindFail, 0),
		verifier(core.OutcomeKindOutlier),
	})
	assert.Equal(t, 50, b.Base)
	assert.Equal(t, 2, b.Settlements)
	assert.Equal(t, 2, b.Ratings)
	assert.Equal(t, -25, b.Failures)
	assert.Equal(t, b.Base+b.Settlements+b.Ratings+b.Failures, b.Score)
}
