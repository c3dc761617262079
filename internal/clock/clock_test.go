package clock

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestNowQueriesDatabaseOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	want := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT NOW").WillReturnRows(
		sqlmock.NewRows([]string{"now"}).AddRow(want))

	s := New(db)
	got := s.Now()
	require.True(t, got.Equal(want))

	// Second call within cacheTTL must reuse the cached value, not issue a
	// second query.
	got2 := s.Now()
	require.True(t, got2.Equal(want))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNowFallsBackToLocalClockOnQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT NOW").WillReturnError(sqlErr{})

	s := New(db)
	before := time.Now().UTC()
	got := s.Now()
	after := time.Now().UTC()

	require.False(t, got.Before(before))
	require.False(t, got.After(after))
}

type sqlErr struct{}

func (sqlErr) Error() string { return "connection lost" }
