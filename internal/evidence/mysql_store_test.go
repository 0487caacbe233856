package evidence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"
)

const insertBundleSQL = `INSERT INTO evidence_bundles (bundle_id, task_id, integrity_hash, payload, created_at)
        VALUES (?, ?, ?, ?, ?)`

func TestMySQLStoreInitSchema(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(createBundlesTable, mockResult{}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
}

func TestMySQLStoreSaveAndGet(t *testing.T) {
	bundle := sampleBundle()
	payload, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertBundleSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		queryOp(`SELECT payload FROM evidence_bundles WHERE bundle_id = ?`, mockRowsData{
			columns: []string{"payload"},
			values:  [][]driver.Value{{string(payload)}},
		}),
		queryOp(`SELECT payload FROM evidence_bundles WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, mockRowsData{
			columns: []string{"payload"},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	ctx := context.Background()
	if err := store.Save(ctx, bundle); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, bundle.BundleID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IntegrityHash() != bundle.IntegrityHash() {
		t.Fatalf("hash mismatch after storage round trip")
	}
	if got.Metadata["signer"] != "0xabc" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}

	if _, err := store.LatestForTask(ctx, "unknown"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreDuplicateKey(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertBundleSQL, err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	if err := store.Save(context.Background(), sampleBundle()); !errors.Is(err, ErrBundleExists) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreList(t *testing.T) {
	first := sampleBundle()
	second := sampleBundle()
	second.BundleID = "bundle-2"
	p1, _ := json.Marshal(first)
	p2, _ := json.Marshal(second)

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT payload FROM evidence_bundles ORDER BY seq DESC LIMIT ?`, mockRowsData{
			columns: []string{"payload"},
			values:  [][]driver.Value{{string(p2)}, {string(p1)}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &MySQLStore{db: db}
	list, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].BundleID != "bundle-2" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
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
	name := fmt.Sprintf("mock-evidence-%d", driverSeq.Add(1))
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

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
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
