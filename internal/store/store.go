package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL implementation of schemas.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// -- Runs --

const (
	sqlInsertRun = `
        INSERT INTO runs (id, root_url, status, error, max_depth, max_pages, counters, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	sqlSelectRun = `
        SELECT id, root_url, status, error, max_depth, max_pages, counters, created_at, updated_at
        FROM runs WHERE id = $1;
    `
	sqlUpdateRunStatus = `
        UPDATE runs SET status = $2, error = CASE WHEN $3 = '' THEN error ELSE $3 END, updated_at = $4
        WHERE id = $1;
    `
	sqlUpdateRunCounters = `UPDATE runs SET counters = $2, updated_at = $3 WHERE id = $1;`
)

func (s *Store) CreateRun(ctx context.Context, run *schemas.Run) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlInsertRun,
		run.ID, run.RootURL, string(run.Status), run.Error, run.MaxDepth, run.MaxPages,
		counters, run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*schemas.Run, error) {
	var r schemas.Run
	var status string
	var counters []byte
	err := s.pool.QueryRow(ctx, sqlSelectRun, runID).Scan(
		&r.ID, &r.RootURL, &status, &r.Error, &r.MaxDepth, &r.MaxPages, &counters, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	r.Status = schemas.RunStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &r.Counters); err != nil {
			return nil, fmt.Errorf("failed to decode counters: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status schemas.RunStatus, errMsg string) error {
	return s.execOne(ctx, "run", runID, sqlUpdateRunStatus, runID, string(status), errMsg, time.Now().UTC())
}

func (s *Store) UpdateRunCounters(ctx context.Context, runID string, counters schemas.RunCounters) error {
	encoded, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	return s.execOne(ctx, "run", runID, sqlUpdateRunCounters, runID, encoded, time.Now().UTC())
}

// -- Queue --

const (
	sqlEnqueue = `
        INSERT INTO queue_items (id, run_id, url, depth, from_page_id, scenario_id, priority, priority_rank, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (run_id, url) DO NOTHING
        RETURNING seq;
    `
	sqlQueueColumns   = `id, run_id, url, depth, from_page_id, scenario_id, priority, status, seq, created_at, updated_at`
	sqlListQueuedItems = `
        SELECT ` + sqlQueueColumns + `
        FROM queue_items
        WHERE run_id = $1 AND depth = $2 AND status = 'queued'
        ORDER BY priority_rank ASC, seq ASC;
    `
	sqlListQueueItems = `
        SELECT ` + sqlQueueColumns + `
        FROM queue_items WHERE run_id = $1 ORDER BY seq ASC;
    `
	sqlUpdateQueueStatus = `UPDATE queue_items SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2;`
)

func (s *Store) EnqueueItem(ctx context.Context, item *schemas.QueueItem) (bool, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, sqlEnqueue,
		item.ID, item.RunID, item.URL, item.Depth, item.FromPageID, item.ScenarioID,
		string(item.Priority), item.Priority.Rank(), string(item.Status),
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// ON CONFLICT DO NOTHING returns no row for a duplicate url.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	item.Seq = seq
	return true, nil
}

func (s *Store) ListQueuedItems(ctx context.Context, runID string, depth int) ([]schemas.QueueItem, error) {
	return s.queryQueue(ctx, sqlListQueuedItems, runID, depth)
}

func (s *Store) ListQueueItems(ctx context.Context, runID string) ([]schemas.QueueItem, error) {
	return s.queryQueue(ctx, sqlListQueueItems, runID)
}

func (s *Store) queryQueue(ctx context.Context, query string, args ...interface{}) ([]schemas.QueueItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []schemas.QueueItem
	for rows.Next() {
		var it schemas.QueueItem
		var priority, status string
		if err := rows.Scan(&it.ID, &it.RunID, &it.URL, &it.Depth, &it.FromPageID, &it.ScenarioID,
			&priority, &status, &it.Seq, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		it.Priority = schemas.Priority(priority)
		it.Status = schemas.QueueStatus(status)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateQueueItemStatus(ctx context.Context, itemID string, from, to schemas.QueueStatus) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateQueueStatus, itemID, string(from), string(to), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue item %s is not %s: %w", itemID, from, ErrStatusConflict)
	}
	return nil
}

// -- Pages --

const (
	sqlPageColumns = `id, run_id, url, title, screenshot, dom_snapshot, depth, is_virtual, state_identifier, parent_page_id, trigger_scenario_id, created_at`
	sqlInsertPage  = `
        INSERT INTO pages (` + sqlPageColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
    `
	sqlInsertVirtualPage = `
        INSERT INTO pages (` + sqlPageColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (parent_page_id, state_identifier) WHERE is_virtual DO NOTHING
        RETURNING id;
    `
	sqlSelectVirtualPage = `
        SELECT ` + sqlPageColumns + `
        FROM pages WHERE parent_page_id = $1 AND state_identifier = $2 AND is_virtual;
    `
	sqlSelectPage = `SELECT ` + sqlPageColumns + ` FROM pages WHERE id = $1;`
	sqlListPages  = `SELECT ` + sqlPageColumns + ` FROM pages WHERE run_id = $1 ORDER BY created_at ASC, id ASC;`
	sqlInsertEdge = `
        INSERT INTO page_edges (id, run_id, from_page_id, to_page_id, action, kind, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	sqlListEdges = `
        SELECT id, run_id, from_page_id, to_page_id, action, kind, created_at
        FROM page_edges WHERE run_id = $1 ORDER BY created_at ASC;
    `
)

func pageArgs(p *schemas.DiscoveredPage) []interface{} {
	return []interface{}{
		p.ID, p.RunID, p.URL, p.Title, p.Screenshot, p.DOMSnapshot, p.Depth, p.IsVirtual,
		p.StateIdentifier, p.ParentPageID, p.TriggerScenarioID, p.CreatedAt.UTC(),
	}
}

func (s *Store) SavePage(ctx context.Context, page *schemas.DiscoveredPage) error {
	if _, err := s.pool.Exec(ctx, sqlInsertPage, pageArgs(page)...); err != nil {
		return fmt.Errorf("failed to insert page: %w", err)
	}
	return nil
}

// SaveVirtualPage inserts and, on a (parent, state) conflict, reads back the
// existing row inside one transaction.
func (s *Store) SaveVirtualPage(ctx context.Context, page *schemas.DiscoveredPage) (*schemas.DiscoveredPage, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var id string
	err = tx.QueryRow(ctx, sqlInsertVirtualPage, pageArgs(page)...).Scan(&id)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		cp := *page
		return &cp, true, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, false, fmt.Errorf("failed to insert virtual page: %w", err)
	}

	existing, err := scanPage(tx.QueryRow(ctx, sqlSelectVirtualPage, page.ParentPageID, page.StateIdentifier))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing virtual page: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetPage(ctx context.Context, pageID string) (*schemas.DiscoveredPage, error) {
	p, err := scanPage(s.pool.QueryRow(ctx, sqlSelectPage, pageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}
	return p, nil
}

func (s *Store) ListPages(ctx context.Context, runID string) ([]schemas.DiscoveredPage, error) {
	rows, err := s.pool.Query(ctx, sqlListPages, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []schemas.DiscoveredPage
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		pages = append(pages, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return pages, nil
}

func scanPage(row pgx.Row) (*schemas.DiscoveredPage, error) {
	var p schemas.DiscoveredPage
	err := row.Scan(&p.ID, &p.RunID, &p.URL, &p.Title, &p.Screenshot, &p.DOMSnapshot, &p.Depth, &p.IsVirtual,
		&p.StateIdentifier, &p.ParentPageID, &p.TriggerScenarioID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveEdge(ctx context.Context, edge *schemas.PageEdge) error {
	_, err := s.pool.Exec(ctx, sqlInsertEdge,
		edge.ID, edge.RunID, edge.FromPageID, edge.ToPageID, edge.Action, string(edge.Kind), edge.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

func (s *Store) ListEdges(ctx context.Context, runID string) ([]schemas.PageEdge, error) {
	rows, err := s.pool.Query(ctx, sqlListEdges, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []schemas.PageEdge
	for rows.Next() {
		var e schemas.PageEdge
		var kind string
		if err := rows.Scan(&e.ID, &e.RunID, &e.FromPageID, &e.ToPageID, &e.Action, &kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		e.Kind = schemas.EdgeKind(kind)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return edges, nil
}

// -- Scenarios --

const (
	sqlInsertScenario = `
        INSERT INTO scenarios (id, run_id, page_id, name, steps, priority, rank, executed, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
        ON CONFLICT (page_id, name) DO NOTHING;
    `
	sqlMarkScenarioExecuted = `
        UPDATE scenarios SET executed = TRUE, outcome = $2, result_url = $3, error = $4
        WHERE id = $1 AND NOT executed;
    `
	sqlListScenarios = `
        SELECT id, run_id, page_id, name, steps, priority, rank, executed, outcome, result_url, error, created_at
        FROM scenarios WHERE run_id = $1 ORDER BY created_at ASC, rank ASC;
    `
)

func (s *Store) SaveScenario(ctx context.Context, sc *schemas.InteractionScenario) (bool, error) {
	steps, err := json.Marshal(sc.Steps)
	if err != nil {
		return false, fmt.Errorf("failed to encode steps: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlInsertScenario,
		sc.ID, sc.RunID, sc.PageID, sc.Name, steps, string(sc.Priority), sc.Rank, sc.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert scenario: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkScenarioExecuted(ctx context.Context, scenarioID string, outcome schemas.ScenarioOutcome, resultURL, errMsg string) error {
	tag, err := s.pool.Exec(ctx, sqlMarkScenarioExecuted, scenarioID, string(outcome), resultURL, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark scenario executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scenario %s missing or already executed: %w", scenarioID, ErrStatusConflict)
	}
	return nil
}

func (s *Store) ListScenarios(ctx context.Context, runID string) ([]schemas.InteractionScenario, error) {
	rows, err := s.pool.Query(ctx, sqlListScenarios, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var out []schemas.InteractionScenario
	for rows.Next() {
		var sc schemas.InteractionScenario
		var steps []byte
		var priority, outcome string
		if err := rows.Scan(&sc.ID, &sc.RunID, &sc.PageID, &sc.Name, &steps, &priority, &sc.Rank,
			&sc.Executed, &outcome, &sc.ResultURL, &sc.Error, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		if err := json.Unmarshal(steps, &sc.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps of scenario %s: %w", sc.ID, err)
		}
		sc.Priority = schemas.Priority(priority)
		sc.Outcome = schemas.ScenarioOutcome(outcome)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// -- Test cases --

const (
	sqlInsertTestCase = `
        INSERT INTO test_cases (id, run_id, page_id, scenario_id, name, type, start_url, prerequisites, steps, cleanup,
                                expected_result, status, self_healed, duration_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
    `
	sqlListTestCases = `
        SELECT id, run_id, page_id, scenario_id, name, type, start_url, prerequisites, steps, cleanup,
               expected_result, status, self_healed, duration_ms, created_at
        FROM test_cases WHERE run_id = $1 ORDER BY created_at ASC, id ASC;
    `
	sqlUpdateTestCaseResult = `UPDATE test_cases SET status = $2, self_healed = $3, duration_ms = $4 WHERE id = $1;`
	sqlInsertExecution      = `
        INSERT INTO test_executions (id, test_case_id, run_id, engine, status, duration_ms, error, screenshots, self_healed, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
    `
	sqlListExecutions = `
        SELECT id, test_case_id, run_id, engine, status, duration_ms, error, screenshots, self_healed, created_at
        FROM test_executions WHERE test_case_id = $1 ORDER BY created_at ASC;
    `
)

func (s *Store) SaveTestCase(ctx context.Context, tc *schemas.TestCase) error {
	encoded := make([][]byte, 0, 4)
	for _, v := range []interface{}{nonNilSteps(tc.Prerequisites), nonNilSteps(tc.Steps), nonNilSteps(tc.Cleanup), tc.ExpectedResult} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode test case %s: %w", tc.ID, err)
		}
		encoded = append(encoded, b)
	}
	_, err := s.pool.Exec(ctx, sqlInsertTestCase,
		tc.ID, tc.RunID, tc.PageID, tc.ScenarioID, tc.Name, string(tc.Type), tc.StartURL,
		encoded[0], encoded[1], encoded[2], encoded[3],
		string(tc.Status), tc.SelfHealed, tc.DurationMs, tc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert test case: %w", err)
	}
	return nil
}

func nonNilSteps(steps []schemas.Step) []schemas.Step {
	if steps == nil {
		return []schemas.Step{}
	}
	return steps
}

func (s *Store) ListTestCases(ctx context.Context, runID string) ([]schemas.TestCase, error) {
	rows, err := s.pool.Query(ctx, sqlListTestCases, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query test cases: %w", err)
	}
	defer rows.Close()

	var out []schemas.TestCase
	for rows.Next() {
		var tc schemas.TestCase
		var typ, status string
		var prereq, steps, cleanup, expected []byte
		if err := rows.Scan(&tc.ID, &tc.RunID, &tc.PageID, &tc.ScenarioID, &tc.Name, &typ, &tc.StartURL,
			&prereq, &steps, &cleanup, &expected, &status, &tc.SelfHealed, &tc.DurationMs, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan test case row: %w", err)
		}
		for _, field := range []struct {
			raw []byte
			dst interface{}
		}{{prereq, &tc.Prerequisites}, {steps, &tc.Steps}, {cleanup, &tc.Cleanup}, {expected, &tc.ExpectedResult}} {
			if len(field.raw) == 0 {
				continue
			}
			if err := json.Unmarshal(field.raw, field.dst); err != nil {
				return nil, fmt.Errorf("failed to decode test case %s: %w", tc.ID, err)
			}
		}
		tc.Type = schemas.TestCaseType(typ)
		tc.Status = schemas.Verdict(status)
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateTestCaseResult(ctx context.Context, testCaseID string, status schemas.Verdict, selfHealed bool, durationMs int64) error {
	return s.execOne(ctx, "test case", testCaseID, sqlUpdateTestCaseResult, testCaseID, string(status), selfHealed, durationMs)
}

func (s *Store) SaveExecution(ctx context.Context, exec *schemas.TestCaseExecution) error {
	_, err := s.pool.Exec(ctx, sqlInsertExecution,
		exec.ID, exec.TestCaseID, exec.RunID, exec.Engine, string(exec.Status), exec.DurationMs,
		exec.Error, exec.Screenshots, exec.SelfHealed, exec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, testCaseID string) ([]schemas.TestCaseExecution, error) {
	rows, err := s.pool.Query(ctx, sqlListExecutions, testCaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []schemas.TestCaseExecution
	for rows.Next() {
		var e schemas.TestCaseExecution
		var status string
		if err := rows.Scan(&e.ID, &e.TestCaseID, &e.RunID, &e.Engine, &status, &e.DurationMs, &e.Error,
			&e.Screenshots, &e.SelfHealed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		e.Status = schemas.ExecutionStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// execOne runs an update that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, what, id, sql string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
