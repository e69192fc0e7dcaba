package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStorageFromDB(db), mock
}

func TestBatchInsertDaySkipsUncorrelatedRows(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO merchants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "domain"}).AddRow(7, "kept.com"))
	mock.ExpectExec("INSERT INTO product_snapshots").
		WithArgs(int64(7), "Kept", "[]", "open", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := s.BatchInsertDay(context.Background(), "job", []Record{
		record("2024-04-01", "kept.com", "Kept"),
		record("2024-04-01", "lost.com", "Lost"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertDayRollsBackOnSnapshotFailure(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO merchants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "domain"}).AddRow(1, "a.com"))
	mock.ExpectExec("INSERT INTO product_snapshots").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := s.BatchInsertDay(context.Background(), "job", []Record{record("2024-04-01", "a.com", "A")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert snapshot batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertDayBeginFailure(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	_, err := s.BatchInsertDay(context.Background(), "job", []Record{record("2024-04-01", "a.com", "A")})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMerchantFailsWithoutID(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("INSERT INTO merchants").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM merchants WHERE domain").
		WithArgs("ghost.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.UpsertMerchant(context.Background(), Merchant{Domain: "ghost.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to retrieve merchant id for ghost.com")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMerchantRollsBack(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO merchants").WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectQuery("SELECT id FROM merchants WHERE domain").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec("INSERT INTO product_snapshots").WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	_, err := s.SaveMerchant(context.Background(), Merchant{Domain: "half.com"}, ProductSnapshot{Title: "x"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobNoRows(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 0))

	completed := JobCompleted
	err := s.UpdateJob(context.Background(), "gone", JobUpdate{Status: &completed})
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
