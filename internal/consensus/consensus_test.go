package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clawger/backend/internal/core"
)

func vote(verifier string, verdict core.Verdict) core.Vote {
	return core.Vote{MissionID: "m1", VerifierID: verifier, Verdict: verdict}
}

func TestSingleVerifierDecides(t *testing.T) {
	d := Evaluate([]core.Vote{vote("v1", core.VerdictPass)}, 1)
	assert.True(t, d.Decisive)
	assert.Equal(t, core.OutcomePass, d.Outcome)
	assert.Empty(t, d.Outliers)

	d = Evaluate([]core.Vote{vote("v1", core.VerdictFail)}, 1)
	assert.True(t, d.Decisive)
	assert.Equal(t, core.OutcomeFail, d.Outcome)
}

func TestNoDecisionBelowQuorum(t *testing.T) {
	assert.False(t, Evaluate(nil, 1).Decisive)
	assert.False(t, Evaluate([]core.Vote{vote("v1", core.VerdictPass)}, 2).Decisive)
	assert.False(t, Evaluate([]core.Vote{vote("v1", core.VerdictFail)}, 3).Decisive)
}

func TestTwoVerifierUnanimity(t *testing.T) {
	d := Evaluate([]core.Vote{vote("v1", core.VerdictPass), vote("v2", core.VerdictPass)}, 2)
	assert.True(t, d.Decisive)
	assert.Equal(t, core.OutcomePass, d.Outcome)
	assert.Empty(t, d.Outliers)

	d = Evaluate([]core.Vote{vote("v1", core.VerdictFail), vote("v2", core.VerdictFail)}, 2)
	assert.Equal(t, core.OutcomeFail, d.Outcome)
}

func TestTwoVerifierSplitIsDispute(t *testing.T) {
	d := Evaluate([]core.Vote{vote("v1", core.VerdictPass), vote("v2", core.VerdictFail)}, 2)
	assert.True(t, d.Decisive)
	assert.Equal(t, core.OutcomeDispute, d.Outcome)
	assert.ElementsMatch(t, []string{"v1", "v2"}, d.Outliers)
}

func TestThreeVerifierMajority(t *testing.T) {
	votes := []core.Vote{
		vote("v1", core.VerdictPass),
		vote("v2", core.VerdictFail),
		vote("v3", core.VerdictPass),
	}
	d := Evaluate(votes, 3)
	assert.True(t, d.Decisive)
	assert.Equal(t, core.OutcomePass, d.Outcome)
	assert.Equal(t, []string{"v2"}, d.Outliers)
}

func TestTwoOfThreeIsAlreadyDecisive(t *testing.T) {
	votes := []core.Vote{vote("v1", core.VerdictFail), vote("v2", core.VerdictFail)}
	d := Evaluate(votes, 3)
	assert.True(t, d.Decisive)
	assert.Equal(t, core.OutcomeFail, d.Outcome)
	assert.Empty(t, d.Outliers)
}

func TestSplitOfThreeWaits(t *testing.T) {
	votes := []core.Vote{vote("v1", core.VerdictPass), vote("v2", core.VerdictFail)}
	assert.False(t, Evaluate(votes, 3).Decisive)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	votes := []core.Vote{
		vote("v1", core.VerdictPass),
		vote("v2", core.VerdictFail),
		vote("v3", core.VerdictFail),
	}
	first := Evaluate(votes, 3)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Evaluate(votes, 3))
	}
}
