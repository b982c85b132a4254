package partner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/kokoro/internal/persona"
)

// ── pgx doubles ──────────────────────────────────────────────────────────────

type execCall struct {
	sql  string
	args []any
}

type mockRow struct {
	scan func(dest ...any) error
}

func (r mockRow) Scan(dest ...any) error { return r.scan(dest...) }

type mockRows struct {
	pgx.Rows
	data [][]any
	idx  int
}

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(r.data[r.idx-1], dest) }
func (r *mockRows) Err() error             { return nil }
func (r *mockRows) Close()                 {}

func assign(row []any, dest []any) error {
	if len(row) != len(dest) {
		return fmt.Errorf("scan: %d columns, %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported %T", dest[i])
		}
	}
	return nil
}

type mockTx struct {
	pgx.Tx
	db        *mockDB
	committed bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}
func (t *mockTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *mockTx) Rollback(context.Context) error { return nil }

type mockDB struct {
	execs    []execCall
	execErr  func(sql string) error
	rowsAff  int64
	row      mockRow
	rows     [][]any
	lastTx   *mockTx
	querySQL string
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	m.lastTx = &mockTx{db: m}
	return m.lastTx, nil
}

func (m *mockDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	m.querySQL = sql
	return m.row
}

func (m *mockDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	m.querySQL = sql
	return &mockRows{data: m.rows}, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	if m.execErr != nil {
		if err := m.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", m.rowsAff)), nil
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS saved_partners") {
		t.Errorf("execs = %+v", db.execs)
	}
}

func TestPostgresStore_SaveUpsertsAndTrims(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	db := &mockDB{}
	s := NewPostgresStore(db, WithClock(func() time.Time { return at }), WithLimit(4))

	p, err := s.Save(context.Background(), Partner{Profile: persona.Profile{Archetype: "ISFP"}})
	if err != nil {
		t.Fatal(err)
	}
	if !db.lastTx.committed {
		t.Error("transaction not committed")
	}
	if len(db.execs) != 2 {
		t.Fatalf("execs = %d; want upsert + trim", len(db.execs))
	}
	up := db.execs[0]
	if !strings.Contains(up.sql, "ON CONFLICT (id) DO UPDATE") || up.args[0] != p.ID || !up.args[2].(time.Time).Equal(at) {
		t.Errorf("upsert = %+v", up)
	}
	var stored persona.Profile
	if err := json.Unmarshal(up.args[1].([]byte), &stored); err != nil || stored.Archetype != "ISFP" {
		t.Errorf("profile json = %s, %v", up.args[1], err)
	}
	if trim := db.execs[1]; !strings.Contains(trim.sql, "DELETE FROM saved_partners") || trim.args[0] != 4 {
		t.Errorf("trim = %+v", trim)
	}
}

func TestPostgresStore_SaveFailureRollsBack(t *testing.T) {
	t.Parallel()

	db := &mockDB{execErr: func(sql string) error {
		if strings.Contains(sql, "DELETE") {
			return errors.New("deadlock")
		}
		return nil
	}}
	_, err := NewPostgresStore(db).Save(context.Background(), Partner{Profile: persona.Profile{Archetype: "ISFP"}})
	if err == nil || !strings.Contains(err.Error(), "trim") {
		t.Fatalf("err = %v", err)
	}
	if db.lastTx.committed {
		t.Error("committed after failure")
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)
	raw, _ := json.Marshal(persona.Profile{Archetype: "ESTJ", DisplayName: "けい"})
	db := &mockDB{row: mockRow{scan: func(dest ...any) error {
		return assign([]any{"abc", raw, at}, dest)
	}}}

	p, err := NewPostgresStore(db).Get(context.Background(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "abc" || p.Profile.DisplayName != "けい" || !p.SavedAt.Equal(at) {
		t.Errorf("partner = %+v", p)
	}

	db.row = mockRow{scan: func(...any) error { return pgx.ErrNoRows }}
	if _, err := NewPostgresStore(db).Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v; want ErrNotFound", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)
	a, _ := json.Marshal(persona.Profile{Archetype: "ENFP"})
	b, _ := json.Marshal(persona.Profile{Archetype: "ISTP"})
	db := &mockDB{rows: [][]any{{"2", a, at}, {"1", b, at.Add(-time.Hour)}}}

	list, err := NewPostgresStore(db).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Profile.Archetype != "ENFP" || list[1].ID != "1" {
		t.Errorf("list = %+v", list)
	}
	if !strings.Contains(db.querySQL, "ORDER BY saved_at DESC") {
		t.Errorf("query = %s", db.querySQL)
	}
}

func TestPostgresStore_Delete(t *testing.T) {
	t.Parallel()

	db := &mockDB{rowsAff: 1}
	s := NewPostgresStore(db)
	if err := s.Delete(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	db.rowsAff = 0
	if err := s.Delete(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}
