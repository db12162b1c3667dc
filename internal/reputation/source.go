package reputation

import (
	"context"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

// StoreSource adapts the persistence layer's outcome log to OutcomeSource.
type StoreSource struct {
	outcomes store.OutcomeStore
}

// NewStoreSource wraps an outcome store for scoring.
func NewStoreSource(outcomes store.OutcomeStore) *StoreSource {
	return &StoreSource{outcomes: outcomes}
}

func (s *StoreSource) OutcomesByAgent(agentID string) ([]core.JobOutcome, error) {
	return s.outcomes.OutcomesByAgent(context.Background(), agentID)
}
