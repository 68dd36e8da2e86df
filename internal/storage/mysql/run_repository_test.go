package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestSQLRunRepositoryCreateRun(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertRunSQL(), mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	err := repo.CreateRun(context.Background(), RunRecord{ID: "r1", Name: "run_r1", Project: "fishing", Status: "running", Config: "{}", Summary: "{}", StartedAt: 1})
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}
}

func TestSQLRunRepositoryCreateRunConflict(t *testing.T) {
	t.Parallel()

	op := execOp(insertRunSQL(), mockResult{})
	op.err = &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	db, driver := newMockDB(t, []mockOperation{op})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	err := repo.CreateRun(context.Background(), RunRecord{ID: "r1"})
	if !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLRunRepositoryFinishRun(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`UPDATE tracking_runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		execOp(`UPDATE tracking_runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`, mockResult{rowsAffected: 0}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	if err := repo.FinishRun(context.Background(), RunRecord{ID: "r1", Status: "finished", Summary: "{}", FinishedAt: 2}); err != nil {
		t.Fatalf("finish run failed: %v", err)
	}
	if err := repo.FinishRun(context.Background(), RunRecord{ID: "missing"}); err == nil {
		t.Fatalf("expected error for missing run")
	}
}

func TestSQLRunRepositorySaveArtifact(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertArtifactSQL(), mockResult{lastInsertID: 1, rowsAffected: 1}),
		execOp(insertArtifactSQL(), mockResult{lastInsertID: 2, rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	files := []ArtifactFileRecord{
		{RunID: "r1", Name: "hydra", Type: "log", Path: ".hydra/config.yaml", Digest: "aa", Size: 10},
		{RunID: "r1", Name: "hydra", Type: "log", Path: "main.log", Digest: "bb", Size: 20},
	}
	if err := repo.SaveArtifact(context.Background(), files); err != nil {
		t.Fatalf("save artifact failed: %v", err)
	}
}

func TestSQLRunRepositorySaveArtifactRollsBack(t *testing.T) {
	t.Parallel()

	failing := execOp(insertArtifactSQL(), mockResult{})
	failing.err = fmt.Errorf("disk full")
	db, driver := newMockDB(t, []mockOperation{beginOp(), failing, rollbackOp()})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	err := repo.SaveArtifact(context.Background(), []ArtifactFileRecord{{RunID: "r1", Name: "hydra", Path: "main.log"}})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSQLRunRepositoryListRuns(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "name", "project", "entity", "status", "config", "summary", "started_at", "finished_at"},
		values: [][]driver.Value{
			{"r2", "run_r2", "fishing", "", "finished", "{}", `{"survival_months":12}`, int64(20), int64(30)},
			{"r1", "run_r1", "fishing", "", "failed", "{}", "{}", int64(10), int64(11)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, name, project, entity, status, config, summary, started_at, finished_at
    FROM tracking_runs WHERE project = ? ORDER BY started_at DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	list, err := repo.ListRuns(context.Background(), "fishing", 5)
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[1].Status != "failed" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSQLRunRepositoryRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range readMigrationStatements(t) {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(insertMigrationSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestSQLRunRepositorySkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	got := splitSQLStatements("-- tracking schema\nCREATE TABLE a (id INT);\n\n  -- second\nCREATE TABLE b (id INT);\n")
	want := []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected statements: %q", got)
	}
}

func TestNormalizeDSN(t *testing.T) {
	dsn, err := normalizeDSN("user:pass@tcp(localhost:3306)/govsim")
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func insertRunSQL() string {
	return `INSERT INTO tracking_runs
    (id, name, project, entity, status, config, summary, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func insertArtifactSQL() string {
	return `INSERT INTO tracking_artifacts
    (run_id, name, type, version, path, sha256, size, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
}

func readMigrationStatements(t *testing.T) []string {
	t.Helper()
	content, err := embeddedMigrations.ReadFile("0001_create_tracking.sql")
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	statements := splitSQLStatements(string(content))
	if len(statements) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(statements))
	}
	return statements
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && query != "" {
		if want, got := normalizeSQL(op.query), normalizeSQL(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
