package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"pidserv/internal/locker"
	"pidserv/internal/minter"
	"pidserv/internal/platform/metrics"
	"pidserv/internal/queue"
	"pidserv/internal/store"
	"pidserv/pkg/sentinel"
)

var (
	alice = Caller{Username: "alice", Group: "library"}
	bob   = Caller{Username: "bob", Group: "library"}
	admin = Caller{Username: "admin", Group: "ops", IsAdmin: true}
)

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx, db))

	st := store.NewSQLStore(db)
	mt := minter.New(minter.NewSQLStore(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc := New(st, mt, locker.New(4, 8),
		metrics.New(prometheus.NewRegistry()), slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options{Enabled: map[queue.Registrar]bool{
			queue.Binder:   true,
			queue.DataCite: true,
			queue.Crossref: true,
		}})

	require.NoError(t, st.CreateShoulder(ctx, &store.Shoulder{
		Prefix:         "ark:/99166/",
		Name:           "test ark shoulder",
		MinterPrefix:   "99166/",
		DefaultProfile: "erc",
	}))
	require.NoError(t, mt.Provision(ctx, "99166/", "eedk"))
	return svc, db
}

func queueRows(t *testing.T, db *sql.DB, r queue.Registrar) []queue.Row {
	t.Helper()
	rows, err := queue.NewSQLQueue(db, r).Load(context.Background(), 100)
	require.NoError(t, err)
	return rows
}

func TestMintCreatesRecord(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	rec, err := svc.Mint(ctx, alice, "ark:/99166/", map[string]string{
		"_target": "https://example.org/x",
		"erc.who": "Someone",
	})
	require.NoError(t, err)
	assert.Equal(t, "ark:/99166/4w2n", rec.Identifier)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, "erc", rec.Profile)

	got, err := svc.View(ctx, alice, rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/x", got.Target)

	rows := queueRows(t, db, queue.Binder)
	require.Len(t, rows, 1)
	assert.Equal(t, queue.OpCreate, rows[0].Operation)
}

func TestMintSequenceAdvances(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, err := svc.Mint(ctx, alice, "ark:/99166/", nil)
	require.NoError(t, err)
	b, err := svc.Mint(ctx, alice, "ark:/99166/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ark:/99166/4w2n", a.Identifier)
	assert.Equal(t, "ark:/99166/1599", b.Identifier)
}

func TestMintUnknownShoulder(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Mint(context.Background(), alice, "ark:/12345/", nil)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMintAnonymousForbidden(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Mint(context.Background(), Anonymous, "ark:/99166/", nil)
	require.ErrorIs(t, err, sentinel.ErrForbidden)
}

func TestCreateReservedIsNotForwarded(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	rec, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_status": "reserved",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReserved, rec.Status)
	assert.Empty(t, queueRows(t, db, queue.Binder))
}

func TestReservedVisibleToOwnerOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_status": "reserved",
	}, false)
	require.NoError(t, err)

	_, err = svc.View(ctx, Anonymous, "ark:/99166/x9")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = svc.View(ctx, bob, "ark:/99166/x9")
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	got, err := svc.View(ctx, alice, "ark:/99166/x9")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReserved, got.Status)
	_, err = svc.View(ctx, admin, "ark:/99166/x9")
	require.NoError(t, err)
}

func TestCreateDuplicateAndUpdateIfExists(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{"erc.who": "A"}, false)
	require.NoError(t, err)

	_, err = svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{"erc.who": "B"}, false)
	require.ErrorIs(t, err, sentinel.ErrAlreadyExists)

	rec, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{"erc.who": "B"}, true)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Metadata["erc.who"])
}

func TestUpdateMergesAndRemovesElements(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"erc.who":  "A",
		"erc.what": "Thing",
	}, false)
	require.NoError(t, err)

	rec, err := svc.Update(ctx, alice, "ark:/99166/x9", map[string]string{
		"erc.who":  "",
		"erc.when": "2020",
	})
	require.NoError(t, err)
	assert.NotContains(t, rec.Metadata, "erc.who")
	assert.Equal(t, "Thing", rec.Metadata["erc.what"])
	assert.Equal(t, "2020", rec.Metadata["erc.when"])
}

func TestUpdateRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", nil, false)
	require.NoError(t, err)

	_, err = svc.Update(ctx, bob, "ark:/99166/x9", map[string]string{"erc.who": "B"})
	require.ErrorIs(t, err, sentinel.ErrForbidden)

	_, err = svc.Update(ctx, admin, "ark:/99166/x9", map[string]string{"erc.who": "B"})
	require.NoError(t, err)
}

func TestTransitionOutOfReservedEnqueuesCreate(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_status": "reserved",
		"_target": "https://example.org/x",
	}, false)
	require.NoError(t, err)
	require.Empty(t, queueRows(t, db, queue.Binder))

	_, err = svc.Update(ctx, alice, "ark:/99166/x9", map[string]string{"_status": "public"})
	require.NoError(t, err)

	rows := queueRows(t, db, queue.Binder)
	require.Len(t, rows, 1)
	assert.Equal(t, queue.OpCreate, rows[0].Operation)
}

func TestTransitionBackToReservedRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", nil, false)
	require.NoError(t, err)

	_, err = svc.Update(ctx, alice, "ark:/99166/x9", map[string]string{"_status": "reserved"})
	require.ErrorIs(t, err, sentinel.ErrBadRequest)
}

func TestPublicUnavailableToggle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", nil, false)
	require.NoError(t, err)

	rec, err := svc.Update(ctx, alice, "ark:/99166/x9",
		map[string]string{"_status": "unavailable | withdrawn"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnavailable, rec.Status)
	assert.Equal(t, "withdrawn", rec.StatusReason)

	rec, err = svc.Update(ctx, alice, "ark:/99166/x9", map[string]string{"_status": "public"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusPublic, rec.Status)
}

func TestDeleteReservedByOwner(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_status": "reserved",
	}, false)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, alice, "ark:/99166/x9"))
	_, err = svc.View(ctx, alice, "ark:/99166/x9")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Empty(t, queueRows(t, db, queue.Binder))
}

func TestDeletePublicRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", nil, false)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(ctx, alice, "ark:/99166/x9"), sentinel.ErrImmutable)

	require.NoError(t, svc.Delete(ctx, admin, "ark:/99166/x9"))
	rows := queueRows(t, db, queue.Binder)
	require.Len(t, rows, 2)
	assert.Equal(t, queue.OpDelete, rows[1].Operation)
}

func TestOwnerOverrideAdminOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9",
		map[string]string{"_owner": "bob"}, false)
	require.ErrorIs(t, err, sentinel.ErrForbidden)

	rec, err := svc.Create(ctx, admin, "ark:/99166/x9",
		map[string]string{"_owner": "bob"}, false)
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Owner)
}

func TestUnknownReservedLabelRejected(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), alice, "ark:/99166/x9",
		map[string]string{"_bogus": "x"}, false)
	require.ErrorIs(t, err, sentinel.ErrBadRequest)
}

func TestResolveExactAndSuffixPassthrough(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_target": "https://example.org/item",
	}, false)
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, "ark:/99166/x9", true)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/item", res.Target)

	res, err = svc.Resolve(ctx, "ark:/99166/x9/chapter/2", true)
	require.NoError(t, err)
	assert.Equal(t, "ark:/99166/x9", res.Identifier)
	assert.Equal(t, "https://example.org/item/chapter/2", res.Target)

	_, err = svc.Resolve(ctx, "ark:/99166/zz", true)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestResolveMalformedIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Resolve(context.Background(), "ark:/99166/", true)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestResolveReservedNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_status": "reserved",
		"_target": "https://example.org/item",
	}, false)
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, "ark:/99166/x9", true)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestResolveUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.Create(ctx, alice, "ark:/99166/x9", map[string]string{
		"_target": "https://example.org/item",
		"_status": "unavailable | superseded",
	}, false)
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, "ark:/99166/x9", true)
	require.NoError(t, err)
	assert.True(t, res.Unavailable)
	assert.Equal(t, "superseded", res.Reason)
	assert.Empty(t, res.Target)
}

func TestConcurrentCreateOneWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, caller := range []Caller{alice, bob} {
		wg.Add(1)
		go func(i int, c Caller) {
			defer wg.Done()
			_, errs[i] = svc.Create(ctx, c, "ark:/99166/x9", nil, false)
		}(i, caller)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, sentinel.ErrAlreadyExists):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}

func TestCreateShoulder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreateShoulder(ctx, alice, "ark:/99167/", nil)
	require.ErrorIs(t, err, sentinel.ErrForbidden)

	_, err = svc.CreateShoulder(ctx, admin, "not-a-shoulder", nil)
	require.ErrorIs(t, err, sentinel.ErrBadRequest)

	_, err = svc.CreateShoulder(ctx, admin, "ark:/99167/", map[string]string{"mask": "q7"})
	require.ErrorIs(t, err, sentinel.ErrBadRequest)

	sh, err := svc.CreateShoulder(ctx, admin, "ark:/99167/", map[string]string{
		"name": "second test shoulder",
	})
	require.NoError(t, err)
	assert.Equal(t, "99167/", sh.MinterPrefix)
	assert.Equal(t, "erc", sh.DefaultProfile)

	_, err = svc.CreateShoulder(ctx, admin, "ark:/99167/", nil)
	require.ErrorIs(t, err, sentinel.ErrAlreadyExists)

	rec, err := svc.Mint(ctx, alice, "ark:/99167/", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Identifier, "ark:/99167/"))
	assert.Len(t, strings.TrimPrefix(rec.Identifier, "ark:/99167/"), 4)
}

func TestDOIRoutingByShoulderAgency(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)
	require.NoError(t, svc.store.CreateShoulder(ctx, &store.Shoulder{
		Prefix:         "doi:10.5072/CR",
		Name:           "crossref shoulder",
		MinterPrefix:   "10.5072/cr",
		DefaultProfile: "crossref",
		Agency:         "crossref",
	}))

	_, err := svc.Create(ctx, alice, "doi:10.5072/CR55", nil, false)
	require.NoError(t, err)
	assert.Len(t, queueRows(t, db, queue.Crossref), 1)
	assert.Empty(t, queueRows(t, db, queue.DataCite))

	_, err = svc.Create(ctx, alice, "doi:10.5072/DC77", nil, false)
	require.NoError(t, err)
	assert.Len(t, queueRows(t, db, queue.DataCite), 1)
}

func TestCrossrefStatusQueuedOnEnqueue(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	require.NoError(t, svc.store.CreateShoulder(ctx, &store.Shoulder{
		Prefix:         "doi:10.5072/CR",
		Name:           "crossref shoulder",
		MinterPrefix:   "10.5072/cr",
		DefaultProfile: "crossref",
		Agency:         "crossref",
	}))

	rec, err := svc.Create(ctx, alice, "doi:10.5072/CR55", nil, false)
	require.NoError(t, err)
	assert.Equal(t, store.CrossrefQueued, rec.CrossrefStatus)

	got, err := svc.View(ctx, alice, "doi:10.5072/CR55")
	require.NoError(t, err)
	assert.Equal(t, store.CrossrefQueued, got.CrossrefStatus)
	assert.Equal(t, "queued", got.Snapshot()["_crossref_status"])

	// DataCite DOIs do not carry a Crossref status.
	dc, err := svc.Create(ctx, alice, "doi:10.5072/DC77", nil, false)
	require.NoError(t, err)
	assert.Equal(t, store.CrossrefNone, dc.CrossrefStatus)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("open sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, svc.store.CreateUser(ctx, &store.User{
		Username:     "alice",
		Group:        "library",
		PasswordHash: string(hash),
	}))

	caller, err := svc.Authenticate(ctx, "alice", "open sesame")
	require.NoError(t, err)
	assert.Equal(t, "alice", caller.Username)
	assert.Equal(t, "library", caller.Group)

	_, err = svc.Authenticate(ctx, "alice", "wrong")
	require.ErrorIs(t, err, sentinel.ErrForbidden)
	_, err = svc.Authenticate(ctx, "nobody", "x")
	require.ErrorIs(t, err, sentinel.ErrForbidden)
}
