package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"pidserv/internal/queue"
	"pidserv/internal/search"
	"pidserv/pkg/anvl"
	"pidserv/pkg/sentinel"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One in-memory SQLite database per connection, so keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db))
	return db
}

func testRecord() *Identifier {
	now := time.Now().Unix()
	return &Identifier{
		Identifier: "ark:/99166/p3wp9v205",
		Owner:      "alice",
		Group:      "library",
		Profile:    "erc",
		Target:     "https://example.org/item/1",
		Status:     StatusPublic,
		Export:     true,
		CreateTime: now,
		UpdateTime: now,
		Metadata: map[string]string{
			"erc.who":  "Lederberg, Joshua",
			"erc.what": "Studies of Human Families",
			"erc.when": "1974",
		},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, nil))

	got, err := s.GetIdentifier(ctx, rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	require.NoError(t, s.CreateIdentifier(ctx, testRecord(), nil))
	err := s.CreateIdentifier(ctx, testRecord(), nil)
	require.ErrorIs(t, err, sentinel.ErrAlreadyExists)
}

func TestGetMissing(t *testing.T) {
	s := NewSQLStore(newTestDB(t))
	_, err := s.GetIdentifier(context.Background(), "ark:/99166/nope")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestSetCrossrefStatus(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, nil))

	require.NoError(t, s.SetCrossrefStatus(ctx, rec.Identifier,
		CrossrefRegistered, ""))
	got, err := s.GetIdentifier(ctx, rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, CrossrefRegistered, got.CrossrefStatus)

	require.NoError(t, s.SetCrossrefStatus(ctx, rec.Identifier,
		CrossrefFailed, "schema violation"))
	got, err = s.GetIdentifier(ctx, rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, CrossrefFailed, got.CrossrefStatus)
	assert.Equal(t, "schema violation", got.CrossrefMessage)

	// A deleted identifier's late-arriving outcome is dropped silently.
	require.NoError(t, s.SetCrossrefStatus(ctx, "ark:/99166/nope",
		CrossrefRegistered, ""))
}

func TestStatusReasonRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	rec := testRecord()
	rec.Status = StatusUnavailable
	rec.StatusReason = "withdrawn"
	require.NoError(t, s.CreateIdentifier(ctx, rec, nil))

	got, err := s.GetIdentifier(ctx, rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, got.Status)
	assert.Equal(t, "withdrawn", got.StatusReason)
	assert.Equal(t, "unavailable | withdrawn", got.Snapshot()[LabelStatus])
}

func TestCreateEnqueuesSnapshotPerTarget(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLStore(db)
	rec := testRecord()
	targets := []queue.Registrar{queue.Binder, queue.DataCite}
	require.NoError(t, s.CreateIdentifier(ctx, rec, targets))

	for _, reg := range targets {
		rows, err := queue.NewSQLQueue(db, reg).Load(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1, reg)
		assert.Equal(t, queue.OpCreate, rows[0].Operation)
		assert.Equal(t, rec.Identifier, rows[0].Identifier)

		snap, err := anvl.Parse(string(rows[0].Metadata))
		require.NoError(t, err)
		assert.Equal(t, "alice", snap[LabelOwner])
		assert.Equal(t, rec.Target, snap[LabelTarget])
		assert.Equal(t, "Lederberg, Joshua", snap["erc.who"])
	}
	// Untargeted queues stay empty.
	rows, err := queue.NewSQLQueue(db, queue.Crossref).Load(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUpdateBumpsQueueAndRecord(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLStore(db)
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, []queue.Registrar{queue.Binder}))

	rec.Target = "https://example.org/item/2"
	rec.UpdateTime++
	require.NoError(t, s.UpdateIdentifier(ctx, rec, queue.OpUpdate, []queue.Registrar{queue.Binder}))

	got, err := s.GetIdentifier(ctx, rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/item/2", got.Target)

	rows, err := queue.NewSQLQueue(db, queue.Binder).Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, queue.OpCreate, rows[0].Operation)
	assert.Equal(t, queue.OpUpdate, rows[1].Operation)
	assert.Greater(t, rows[1].Seq, rows[0].Seq)
}

func TestUpdateMissing(t *testing.T) {
	s := NewSQLStore(newTestDB(t))
	err := s.UpdateIdentifier(context.Background(), testRecord(), queue.OpUpdate, nil)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLStore(db)
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, []queue.Registrar{queue.Binder}))
	require.NoError(t, s.DeleteIdentifier(ctx, rec, []queue.Registrar{queue.Binder}))

	_, err := s.GetIdentifier(ctx, rec.Identifier)
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	rows, err := queue.NewSQLQueue(db, queue.Binder).Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, queue.OpDelete, rows[1].Operation)

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_identifiers`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_checker`).Scan(&n))
	assert.Zero(t, n)
}

func TestFindLongestPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	short := testRecord()
	short.Identifier = "ark:/99166/p3"
	require.NoError(t, s.CreateIdentifier(ctx, short, nil))
	full := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, full, nil))

	got, err := s.FindLongestPrefix(ctx, "ark:/99166/p3wp9v205/chapter/1")
	require.NoError(t, err)
	assert.Equal(t, full.Identifier, got.Identifier)

	got, err = s.FindLongestPrefix(ctx, "ark:/99166/p3xx")
	require.NoError(t, err)
	assert.Equal(t, short.Identifier, got.Identifier)

	_, err = s.FindLongestPrefix(ctx, "ark:/99166/q9")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestListByOwner(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	a := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, a, nil))
	b := testRecord()
	b.Identifier = "ark:/99166/b2"
	require.NoError(t, s.CreateIdentifier(ctx, b, nil))
	other := testRecord()
	other.Identifier = "ark:/99166/c3"
	other.Owner = "bob"
	require.NoError(t, s.CreateIdentifier(ctx, other, nil))

	got, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ark:/99166/b2", got[0].Identifier)
	assert.Equal(t, a.Identifier, got[1].Identifier)

	got, err = s.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchProjectionMaintained(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLStore(db)
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, nil))

	var creator, title, date string
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT creator, title, publication_date
		FROM search_identifiers WHERE identifier = $1`, rec.Identifier).
		Scan(&creator, &title, &date))
	assert.Equal(t, "Lederberg, Joshua", creator)
	assert.Equal(t, "Studies of Human Families", title)
	assert.Equal(t, "1974", date)
}

func TestLinkBrokenSurvivesSameTargetUpdate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLStore(db)
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, nil))
	require.NoError(t, search.SetLinkBroken(ctx, db, rec.Identifier, true))

	// Metadata-only update keeps the verdict.
	rec.Metadata["erc.when"] = "1975"
	rec.UpdateTime++
	require.NoError(t, s.UpdateIdentifier(ctx, rec, queue.OpUpdate, nil))
	var broken bool
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT link_is_broken FROM search_identifiers WHERE identifier = $1`,
		rec.Identifier).Scan(&broken))
	assert.True(t, broken)

	// A target change clears it.
	rec.Target = "https://example.org/moved"
	rec.UpdateTime++
	require.NoError(t, s.UpdateIdentifier(ctx, rec, queue.OpUpdate, nil))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT link_is_broken FROM search_identifiers WHERE identifier = $1`,
		rec.Identifier).Scan(&broken))
	assert.False(t, broken)
}

func TestLinkCheckerRowLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewSQLStore(db)
	rec := testRecord()
	require.NoError(t, s.CreateIdentifier(ctx, rec, nil))

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_checker WHERE identifier = $1`,
		rec.Identifier).Scan(&n))
	assert.Equal(t, 1, n)

	// Leaving public drops the row; a reserved record is never probed.
	rec.Status = StatusUnavailable
	rec.UpdateTime++
	require.NoError(t, s.UpdateIdentifier(ctx, rec, queue.OpUpdate, nil))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_checker WHERE identifier = $1`,
		rec.Identifier).Scan(&n))
	assert.Zero(t, n)
}

func TestShoulderCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	sh := &Shoulder{
		Prefix:         "ark:/99166/",
		Name:           "test shoulder",
		MinterPrefix:   "99166/",
		DefaultProfile: "erc",
	}
	require.NoError(t, s.CreateShoulder(ctx, sh))
	require.ErrorIs(t, s.CreateShoulder(ctx, sh), sentinel.ErrAlreadyExists)

	got, err := s.GetShoulder(ctx, "ark:/99166/")
	require.NoError(t, err)
	assert.Equal(t, sh, got)

	_, err = s.GetShoulder(ctx, "ark:/12345/")
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	all, err := s.ListShoulders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUserCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(newTestDB(t))
	require.NoError(t, s.CreateGroup(ctx, &Group{Name: "library"}))
	require.NoError(t, s.CreateGroup(ctx, &Group{Name: "library"})) // idempotent

	u := &User{Username: "alice", Group: "library", PasswordHash: "x", IsAdmin: false}
	require.NoError(t, s.CreateUser(ctx, u))
	require.ErrorIs(t, s.CreateUser(ctx, u), sentinel.ErrAlreadyExists)

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = s.GetUser(ctx, "bob")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(StatusReserved, StatusPublic))
	assert.True(t, ValidTransition(StatusReserved, StatusUnavailable))
	assert.True(t, ValidTransition(StatusPublic, StatusUnavailable))
	assert.True(t, ValidTransition(StatusUnavailable, StatusPublic))
	assert.False(t, ValidTransition(StatusPublic, StatusReserved))
	assert.False(t, ValidTransition(StatusUnavailable, StatusReserved))
	assert.True(t, ValidTransition(StatusReserved, StatusReserved))
}
