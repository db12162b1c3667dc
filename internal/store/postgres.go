package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/clawger/backend/internal/core"
)

// Postgres implements Store on lib/pq. Rows are stored as JSONB documents
// with the columns the queries actually filter on pulled out alongside, so
// the schema survives domain-type evolution without migrations for every
// new field.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres opens the pool and verifies connectivity.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	address       TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL,
	active        BOOLEAN NOT NULL,
	capabilities  TEXT[] NOT NULL DEFAULT '{}',
	doc           JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS agents_address_idx ON agents (address) WHERE address <> '';

CREATE TABLE IF NOT EXISTS missions (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS missions_status_idx ON missions (status);
CREATE INDEX IF NOT EXISTS missions_parent_idx ON missions (parent_id) WHERE parent_id <> '';

CREATE TABLE IF NOT EXISTS votes (
	mission_id  TEXT NOT NULL,
	verifier_id TEXT NOT NULL,
	doc         JSONB NOT NULL,
	PRIMARY KEY (mission_id, verifier_id)
);

CREATE TABLE IF NOT EXISTS job_outcomes (
	seq        BIGSERIAL PRIMARY KEY,
	mission_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	role       TEXT NOT NULL,
	doc        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS job_outcomes_agent_idx ON job_outcomes (agent_id);
CREATE INDEX IF NOT EXISTS job_outcomes_mission_idx ON job_outcomes (mission_id);

CREATE TABLE IF NOT EXISTS dispatch_tasks (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	acked_at   TIMESTAMPTZ,
	doc        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatch_tasks_agent_idx ON dispatch_tasks (agent_id);

CREATE TABLE IF NOT EXISTS agent_liveness (
	agent_id  TEXT PRIMARY KEY,
	last_poll TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_tasks (
	task_id BIGINT PRIMARY KEY,
	doc     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_cursors (
	stream TEXT PRIMARY KEY,
	cursor BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS reputation_events (
	tx_hash       TEXT NOT NULL,
	log_index     BIGINT NOT NULL,
	agent_address TEXT NOT NULL,
	doc           JSONB NOT NULL,
	PRIMARY KEY (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS reputation_events_agent_idx ON reputation_events (agent_address);

CREATE TABLE IF NOT EXISTS signatures (
	id  TEXT PRIMARY KEY,
	at  TIMESTAMPTZ NOT NULL,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_state (
	id         INT PRIMARY KEY CHECK (id = 1),
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables. Safe to run on every boot.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	p.logger.Printf("✅ schema ready")
	return nil
}

func (p *Postgres) SaveAgent(ctx context.Context, agent *core.Agent) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (id, address, role, active, capabilities, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address, role = EXCLUDED.role,
			active = EXCLUDED.active, capabilities = EXCLUDED.capabilities,
			doc = EXCLUDED.doc`,
		agent.ID, agent.Address, string(agent.Role), agent.Active,
		pq.Array(agent.Capabilities), doc)
	return err
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	return scanDoc[core.Agent](p.db.QueryRowContext(ctx,
		`SELECT doc FROM agents WHERE id = $1`, id), "agent "+id)
}

func (p *Postgres) GetAgentByAddress(ctx context.Context, address string) (*core.Agent, error) {
	return scanDoc[core.Agent](p.db.QueryRowContext(ctx,
		`SELECT doc FROM agents WHERE address = $1`, address), "agent at "+address)
}

func (p *Postgres) ListAgents(ctx context.Context, filter AgentFilter) ([]core.Agent, error) {
	q := `SELECT doc FROM agents WHERE 1=1`
	var args []any
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		q += fmt.Sprintf(" AND role = $%d", len(args))
	}
	if filter.ActiveOnly {
		q += " AND active"
	}
	if filter.Capability != "" {
		args = append(args, filter.Capability)
		q += fmt.Sprintf(" AND $%d = ANY(capabilities)", len(args))
	}
	q += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryDocs[core.Agent](ctx, p.db, q, args...)
}

func (p *Postgres) SaveMission(ctx context.Context, mission *core.Mission) error {
	doc, err := json.Marshal(mission)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO missions (id, status, requester_id, parent_id, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, parent_id = EXCLUDED.parent_id,
			doc = EXCLUDED.doc`,
		mission.ID, string(mission.Status), mission.RequesterID,
		mission.ParentID, mission.CreatedAt, doc)
	return err
}

func (p *Postgres) GetMission(ctx context.Context, id string) (*core.Mission, error) {
	return scanDoc[core.Mission](p.db.QueryRowContext(ctx,
		`SELECT doc FROM missions WHERE id = $1`, id), "mission "+id)
}

func (p *Postgres) ListMissions(ctx context.Context, filter MissionFilter) ([]core.Mission, error) {
	q := `SELECT doc FROM missions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		q += fmt.Sprintf(" AND requester_id = $%d", len(args))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		q += fmt.Sprintf(" AND parent_id = $%d", len(args))
	}
	q += " ORDER BY created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryDocs[core.Mission](ctx, p.db, q, args...)
}

func (p *Postgres) SaveVote(ctx context.Context, vote *core.Vote) error {
	doc, err := json.Marshal(vote)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO votes (mission_id, verifier_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (mission_id, verifier_id) DO NOTHING`,
		vote.MissionID, vote.VerifierID, doc)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: verifier %s mission %s",
			core.ErrDuplicateVote, vote.VerifierID, vote.MissionID)
	}
	return nil
}

func (p *Postgres) VotesByMission(ctx context.Context, missionID string) ([]core.Vote, error) {
	return queryDocs[core.Vote](ctx, p.db,
		`SELECT doc FROM votes WHERE mission_id = $1 ORDER BY verifier_id`, missionID)
}

func (p *Postgres) DeleteVotes(ctx context.Context, missionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM votes WHERE mission_id = $1`, missionID)
	return err
}

func (p *Postgres) AppendOutcomes(ctx context.Context, outcomes []core.JobOutcome) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := range outcomes {
		doc, err := json.Marshal(outcomes[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_outcomes (mission_id, agent_id, role, doc)
			VALUES ($1, $2, $3, $4)`,
			outcomes[i].MissionID, outcomes[i].AgentID, string(outcomes[i].Role), doc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) OutcomesByAgent(ctx context.Context, agentID string) ([]core.JobOutcome, error) {
	return queryDocs[core.JobOutcome](ctx, p.db,
		`SELECT doc FROM job_outcomes WHERE agent_id = $1 ORDER BY seq`, agentID)
}

func (p *Postgres) OutcomesByMission(ctx context.Context, missionID string) ([]core.JobOutcome, error) {
	return queryDocs[core.JobOutcome](ctx, p.db,
		`SELECT doc FROM job_outcomes WHERE mission_id = $1 ORDER BY seq`, missionID)
}

func (p *Postgres) RecentAssignmentCounts(ctx context.Context, window int, specialties []string) (map[string]int, error) {
	if specialties == nil {
		specialties = []string{}
	}
	// ?| matches outcomes whose specialty list intersects the filter; an
	// empty filter counts every worker outcome.
	rows, err := p.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*) FROM (
			SELECT agent_id FROM job_outcomes
			WHERE role = $2
			  AND (cardinality($3::text[]) = 0 OR doc->'specialties' ?| $3)
			ORDER BY seq DESC LIMIT $1
		) recent
		GROUP BY agent_id`, window, string(core.RoleWorker), pq.Array(specialties))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) SaveTask(ctx context.Context, task *core.DispatchTask) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return err
	}
	var ackedAt any
	if task.Acknowledged() {
		ackedAt = task.AcknowledgedAt
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispatch_tasks (id, agent_id, created_at, acked_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET acked_at = EXCLUDED.acked_at, doc = EXCLUDED.doc`,
		task.ID, task.AgentID, task.CreatedAt, ackedAt, doc)
	return err
}

func (p *Postgres) TasksByAgent(ctx context.Context, agentID string) ([]core.DispatchTask, error) {
	return queryDocs[core.DispatchTask](ctx, p.db,
		`SELECT doc FROM dispatch_tasks WHERE agent_id = $1 ORDER BY created_at`, agentID)
}

func (p *Postgres) AckTasks(ctx context.Context, taskIDs []string, at time.Time) error {
	if len(taskIDs) == 0 {
		return nil
	}
	// Acks are idempotent: already-acked rows keep their first ack time.
	_, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET acked_at = $2,
		    doc = jsonb_set(doc, '{acknowledged_at}', to_jsonb($2::timestamptz))
		WHERE id = ANY($1) AND acked_at IS NULL`,
		pq.Array(taskIDs), at)
	return err
}

func (p *Postgres) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_liveness (agent_id, last_poll) VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET last_poll = EXCLUDED.last_poll`,
		agentID, at)
	return err
}

func (p *Postgres) LastPoll(ctx context.Context, agentID string) (time.Time, error) {
	var at time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT last_poll FROM agent_liveness WHERE agent_id = $1`, agentID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return at, err
}

// ApplyChainBatch applies a whole indexer window and its cursor in one
// database transaction; a replayed batch is a no-op.
func (p *Postgres) ApplyChainBatch(ctx context.Context, batch ChainBatch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range batch.Agents {
		if err := p.upsertChainAgent(ctx, tx, batch.Agents[i]); err != nil {
			return err
		}
	}
	for i := range batch.ReputationEvents {
		if err := p.insertRepEvent(ctx, tx, batch.ReputationEvents[i]); err != nil {
			return err
		}
	}
	for i := range batch.Tasks {
		if err := p.mergeChainTaskTx(ctx, tx, batch.Tasks[i]); err != nil {
			return err
		}
	}
	for _, s := range batch.TaskStatuses {
		if err := p.mergeChainTaskTx(ctx, tx, core.ChainTask{
			TaskID: s.TaskID, Status: s.Status, Payout: s.Payout,
		}); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chain_cursors (stream, cursor) VALUES ($1, $2)
		ON CONFLICT (stream) DO UPDATE SET cursor = EXCLUDED.cursor`,
		batch.Stream, int64(batch.NewCursor)); err != nil {
		return err
	}
	return tx.Commit()
}

// upsertChainAgent keeps an operator-registered row's id when the chain
// mirrors the same address.
func (p *Postgres) upsertChainAgent(ctx context.Context, tx *sql.Tx, agent core.Agent) error {
	var existingID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM agents WHERE address = $1`, agent.Address).Scan(&existingID)
	if err == nil {
		agent.ID = existingID
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	doc, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, address, role, active, capabilities, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address, role = EXCLUDED.role,
			active = EXCLUDED.active, capabilities = EXCLUDED.capabilities,
			doc = EXCLUDED.doc`,
		agent.ID, agent.Address, string(agent.Role), agent.Active,
		pq.Array(agent.Capabilities), doc)
	return err
}

func (p *Postgres) insertRepEvent(ctx context.Context, tx *sql.Tx, ev core.ReputationEvent) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_events (tx_hash, log_index, agent_address, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		ev.TxHash, int64(ev.LogIndex), ev.AgentAddress, doc)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // replay no-op
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE agents
		SET doc = jsonb_set(doc, '{reputation}', to_jsonb($2::int))
		WHERE address = $1`, ev.AgentAddress, ev.NewScore)
	return err
}

func (p *Postgres) mergeChainTaskTx(ctx context.Context, tx *sql.Tx, next core.ChainTask) error {
	var old core.ChainTask
	var raw []byte
	err := tx.QueryRowContext(ctx,
		`SELECT doc FROM chain_tasks WHERE task_id = $1 FOR UPDATE`,
		int64(next.TaskID)).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(raw, &old); err != nil {
			return err
		}
	}
	merged := mergeChainTask(old, next)
	doc, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_tasks (task_id, doc) VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET doc = EXCLUDED.doc`,
		int64(merged.TaskID), doc)
	return err
}

func (p *Postgres) GetCursor(ctx context.Context, stream string) (uint64, error) {
	var cursor int64
	err := p.db.QueryRowContext(ctx,
		`SELECT cursor FROM chain_cursors WHERE stream = $1`, stream).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(cursor), err
}

func (p *Postgres) GetChainTask(ctx context.Context, taskID uint64) (*core.ChainTask, error) {
	return scanDoc[core.ChainTask](p.db.QueryRowContext(ctx,
		`SELECT doc FROM chain_tasks WHERE task_id = $1`, int64(taskID)),
		fmt.Sprintf("chain task %d", taskID))
}

func (p *Postgres) CountChainTasks(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chain_tasks`).Scan(&n)
	return n, err
}

func (p *Postgres) ReputationHistory(ctx context.Context, agentAddress string) ([]core.ReputationEvent, error) {
	return queryDocs[core.ReputationEvent](ctx, p.db, `
		SELECT doc FROM reputation_events
		WHERE agent_address = $1
		ORDER BY tx_hash, log_index`, agentAddress)
}

func (p *Postgres) AppendSignature(ctx context.Context, rec *SignatureRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO signatures (id, at, doc) VALUES ($1, $2, $3)`,
		rec.ID, rec.At, doc)
	return err
}

func (p *Postgres) ListSignatures(ctx context.Context, limit int) ([]SignatureRecord, error) {
	q := `SELECT doc FROM signatures ORDER BY at`
	var args []any
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $1"
	}
	return queryDocs[SignatureRecord](ctx, p.db, q, args...)
}

func (p *Postgres) SaveLedgerState(ctx context.Context, state []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_state (id, state, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, updated_at = NOW()`,
		state)
	return err
}

func (p *Postgres) LoadLedgerState(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT state FROM ledger_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ledger state", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func scanDoc[T any](row *sql.Row, what string) (*T, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, what)
		}
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func queryDocs[T any](ctx context.Context, db *sql.DB, q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
