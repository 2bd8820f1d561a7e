// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres provides a RecordStore on PostgreSQL via lib/pq.
//
// Schema (created by EnsureSchema), one row per node:
//
//	id              TEXT PRIMARY KEY
//	kind            TEXT NOT NULL
//	sub_kind        TEXT NOT NULL
//	deps            TEXT[] NOT NULL
//	self_data       JSONB NOT NULL
//	override_data   JSONB NOT NULL
//	effective_data  JSONB NOT NULL
//	tags            TEXT[] NOT NULL
//	category        TEXT NOT NULL
//	caption         TEXT NOT NULL
//	version         INTEGER NOT NULL
//	deleted         BOOLEAN NOT NULL
//	updated_at      TIMESTAMPTZ NOT NULL
//
// Batches are written with one multi-row INSERT ... ON CONFLICT (id) DO
// UPDATE, so each batch is atomic. Cascade runs are serialized with a
// session-level pg_try_advisory_lock.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/AleutianAI/cascade/pkg/validation"
	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

// DefaultTable is the table name used when Options.Table is empty.
const DefaultTable = "config_nodes"

// columns in insert order.
var columns = []string{
	"id", "kind", "sub_kind", "deps", "self_data", "override_data", "effective_data",
	"tags", "category", "caption", "version", "deleted", "updated_at",
}

// Options configures a Store.
type Options struct {
	// Table overrides DefaultTable. Optionally schema-qualified.
	Table string

	// Clock stamps UpdateOne. Defaults to time.Now.
	Clock func() time.Time
}

// Store is a RecordStore on PostgreSQL.
//
// Thread Safety: Safe for concurrent use; database/sql pools connections.
type Store struct {
	db    *sql.DB
	table string
	clock func() time.Time
}

var (
	_ storage.RecordStore = (*Store)(nil)
	_ storage.Locker      = (*Store)(nil)
)

// Open connects with dsn and verifies the connection.
//
// Outputs:
//
//	*Store - Connected store.
//	error - Wraps storage.ErrUnavailable when the server cannot be reached.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: empty database url", storage.ErrUnavailable)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", storage.ErrUnavailable, err)
	}
	return New(db, opts)
}

// New wraps an existing pool.
func New(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	table := opts.Table
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	table, err := validation.SanitizeQualifiedName(table)
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, table: table, clock: clock}, nil
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id             TEXT PRIMARY KEY,
  kind           TEXT NOT NULL,
  sub_kind       TEXT NOT NULL DEFAULT '',
  deps           TEXT[] NOT NULL DEFAULT '{}',
  self_data      JSONB NOT NULL DEFAULT '{}'::jsonb,
  override_data  JSONB NOT NULL DEFAULT '{}'::jsonb,
  effective_data JSONB NOT NULL DEFAULT '{}'::jsonb,
  tags           TEXT[] NOT NULL DEFAULT '{}',
  category       TEXT NOT NULL DEFAULT '',
  caption        TEXT NOT NULL DEFAULT '',
  version        INTEGER NOT NULL DEFAULT 0,
  deleted        BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// FetchAll implements storage.RecordStore.
func (s *Store) FetchAll(ctx context.Context) ([]*node.Node, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, strings.Join(columns, ", "), s.table)
	return s.query(ctx, q)
}

// FetchByIDs implements storage.RecordStore.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]*node.Node, error) {
	if len(ids) == 0 {
		return []*node.Node{}, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1) ORDER BY id`, strings.Join(columns, ", "), s.table)
	return s.query(ctx, q, pq.Array(ids))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*node.Node, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", storage.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", storage.ErrUnavailable, err)
	}
	return out, nil
}

func scanNode(rows *sql.Rows) (*node.Node, error) {
	var (
		n                        node.Node
		kind, subKind            string
		self, override, effective []byte
	)
	err := rows.Scan(&n.ID, &kind, &subKind, pq.Array(&n.Deps), &self, &override, &effective,
		pq.Array(&n.Tags), &n.Category, &n.Caption, &n.Version, &n.Deleted, &n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.Kind = node.Kind(kind)
	n.SubKind = node.SubKind(subKind)
	n.SelfData = decodeJSONB(self)
	n.OverrideData = decodeJSONB(override)
	n.Data = decodeJSONB(effective)
	n.UpdatedAt = n.UpdatedAt.UTC()
	if err := n.Normalize(); err != nil {
		return nil, fmt.Errorf("normalize %s: %w", n.ID, err)
	}
	return &n, nil
}

// decodeJSONB returns an empty object for non-object payloads.
func decodeJSONB(b []byte) node.Data {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return node.Data{}
	}
	return node.Data(m)
}

// UpsertBatch implements storage.RecordStore. Batches wider than one
// statement's bind parameter limit are split and written in a single
// transaction.
func (s *Store) UpsertBatch(ctx context.Context, nodes []*node.Node, conflictKey string) (int, error) {
	if err := storage.CheckConflictKey(conflictKey); err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	stmts, err := s.buildUpserts(nodes)
	if err != nil {
		return 0, err
	}
	if len(stmts) == 1 {
		return execUpsert(ctx, s.db, stmts[0])
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	total := 0
	for _, st := range stmts {
		n, err := execUpsert(ctx, tx, st)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// maxBindParams is PostgreSQL's limit on parameters in one statement.
const maxBindParams = 65535

// rowsPerStatement is how many rows fit in one upsert.
var rowsPerStatement = maxBindParams / len(columns)

type upsertStmt struct {
	query string
	args  []any
	rows  int
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpsert(ctx context.Context, db execer, st upsertStmt) (int, error) {
	res, err := db.ExecContext(ctx, st.query, st.args...)
	if err != nil {
		return 0, fmt.Errorf("upsert batch: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil {
		return int(affected), nil
	}
	return st.rows, nil
}

// buildUpserts dedupes nodes (last occurrence wins) and renders one upsert
// per rowsPerStatement rows.
func (s *Store) buildUpserts(nodes []*node.Node) ([]upsertStmt, error) {
	unique := lastWins(nodes)
	stmts := make([]upsertStmt, 0, (len(unique)+rowsPerStatement-1)/rowsPerStatement)
	for start := 0; start < len(unique); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(unique))
		q, args, err := s.buildUpsert(unique[start:end])
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, upsertStmt{query: q, args: args, rows: end - start})
	}
	return stmts, nil
}

// lastWins drops all but the last occurrence of each id, keeping order.
func lastWins(nodes []*node.Node) []*node.Node {
	last := make(map[string]int, len(nodes))
	for i, n := range nodes {
		last[n.ID] = i
	}
	out := make([]*node.Node, 0, len(last))
	for i, n := range nodes {
		if last[n.ID] == i {
			out = append(out, n)
		}
	}
	return out
}

// buildUpsert renders one multi-row upsert. Duplicate ids inside one
// statement are rejected by PostgreSQL, so the last occurrence wins here.
func (s *Store) buildUpsert(nodes []*node.Node) (string, []any, error) {
	nodes = lastWins(nodes)

	var (
		b    strings.Builder
		args []any
	)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.table, strings.Join(columns, ", "))
	for row, n := range nodes {
		vals, err := rowValues(n)
		if err != nil {
			return "", nil, err
		}
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range vals {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteString(")")
		args = append(args, vals...)
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	for i, c := range columns[1:] {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", c, c)
	}
	return b.String(), args, nil
}

func rowValues(n *node.Node) ([]any, error) {
	self, err := encodeJSONB(n.SelfData)
	if err != nil {
		return nil, fmt.Errorf("encode %s selfData: %w", n.ID, err)
	}
	override, err := encodeJSONB(n.OverrideData)
	if err != nil {
		return nil, fmt.Errorf("encode %s overrideData: %w", n.ID, err)
	}
	effective, err := encodeJSONB(n.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s effectiveData: %w", n.ID, err)
	}
	deps, tags := n.Deps, n.Tags
	if deps == nil {
		deps = []string{}
	}
	if tags == nil {
		tags = []string{}
	}
	updated := n.UpdatedAt
	if updated.IsZero() {
		updated = time.Unix(0, 0).UTC()
	}
	return []any{
		n.ID, string(n.Kind), string(n.SubKind), pq.Array(deps), self, override, effective,
		pq.Array(tags), n.Category, n.Caption, n.Version, n.Deleted, updated,
	}, nil
}

func encodeJSONB(d node.Data) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UpdateOne implements storage.RecordStore with SELECT ... FOR UPDATE in a
// transaction, so concurrent patches to one node serialize.
func (s *Store) UpdateOne(ctx context.Context, id string, patch storage.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, strings.Join(columns, ", "), s.table)
	rows, err := tx.QueryContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("select for update: %w", err)
	}
	var cur *node.Node
	if rows.Next() {
		cur, err = scanNode(rows)
	}
	rows.Close()
	if err != nil {
		return err
	}
	if cur == nil {
		return storage.ErrNotFound
	}

	next, err := patch.Apply(cur, s.clock())
	if err != nil {
		return err
	}
	uq, args, err := s.buildUpsert([]*node.Node{next})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, uq, args...); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	return tx.Commit()
}

// Lock implements storage.Locker with a session-level advisory lock held
// on a dedicated connection until unlock is called.
func (s *Store) Lock(ctx context.Context, owner string) (func() error, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	key := s.lockKey()
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !got {
		conn.Close()
		return nil, fmt.Errorf("%w: table %s", storage.ErrLocked, s.table)
	}
	return func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		return err
	}, nil
}

// lockKey derives a stable advisory lock key from the table name.
func (s *Store) lockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte("cascade:" + s.table))
	return int64(h.Sum64())
}
