package activity

import (
	"database/sql"
	"testing"

	"github.com/CZ-NIC/ucollect/internal/clock"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPushRecordAndShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO activities").
		WithArgs("abc123", "login", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectCommit()

	q := New(db, clock.New(db), zerolog.Nop())
	q.PushRecord("abc123", "login")
	q.Shutdown()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushTxnClosure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM active_plugins").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	q := New(db, clock.New(db), zerolog.Nop())
	q.PushTxn(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM active_plugins WHERE client = $1", "abc123")
		return err
	})
	q.Shutdown()

	require.NoError(t, mock.ExpectationsWereMet())
}
