package allowlist

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestIsAllowedWildcardCombinations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"name", "version", "hash", "status"}).
		AddRow("Count", 1, "deadbeef", "allowed").
		AddRow("Buckets", nil, "cafebabe", "allowed").
		AddRow("Sniff", 2, nil, "allowed").
		AddRow("Badconf", nil, nil, "allowed")
	mock.ExpectQuery("SELECT name, version, hash, status FROM known_plugins").WillReturnRows(rows)

	a := New(db, zerolog.Nop())
	require.NoError(t, a.reload(context.Background()))

	require.True(t, a.IsAllowed("Count", 1, "deadbeef"))
	require.False(t, a.IsAllowed("Count", 2, "deadbeef"))

	require.True(t, a.IsAllowed("Buckets", 99, "cafebabe"))
	require.False(t, a.IsAllowed("Buckets", 99, "other"))

	require.True(t, a.IsAllowed("Sniff", 2, "anything"))
	require.False(t, a.IsAllowed("Sniff", 3, "anything"))

	require.True(t, a.IsAllowed("Badconf", 123, "whatever"))
	require.False(t, a.IsAllowed("Unknown", 1, "x"))

	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeSubscriber struct{ rechecked chan struct{} }

func (f *fakeSubscriber) RecheckVersions() { f.rechecked <- struct{}{} }

func TestReloadNotifiesSubscribersOnChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emptyRows := sqlmock.NewRows([]string{"name", "version", "hash", "status"})
	mock.ExpectQuery("SELECT name, version, hash, status FROM known_plugins").WillReturnRows(emptyRows)

	a := New(db, zerolog.Nop())
	require.NoError(t, a.reload(context.Background()))

	sub := &fakeSubscriber{rechecked: make(chan struct{}, 1)}
	a.Subscribe(sub)

	changedRows := sqlmock.NewRows([]string{"name", "version", "hash", "status"}).
		AddRow("Count", 1, "deadbeef", "allowed")
	mock.ExpectQuery("SELECT name, version, hash, status FROM known_plugins").WillReturnRows(changedRows)
	require.NoError(t, a.reload(context.Background()))

	select {
	case <-sub.rechecked:
	case <-time.After(2 * time.Second):
		t.Fatal("expected RecheckVersions to be called")
	}
}
