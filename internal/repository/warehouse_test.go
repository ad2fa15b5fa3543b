package repository

import (
	"context"
	"errors"
	"testing"

	"entgo.io/ent/dialect"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/workledger/constants"
)

func newMockWarehouse(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, dialect.Postgres, RoleWarehouse, testLogger()), mock
}

func TestWarehouse_ApplyFlagInsertsMissingRow(t *testing.T) {
	s, mock := newMockWarehouse(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE "work_items" SET "flag"`).
		WithArgs(1, "https://shop.example/a", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "work_items"`).
		WithArgs("https://shop.example/a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO "work_items" \("key", "flag"\)`).
		WithArgs("https://shop.example/a", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Sequential(ctx, func(w *Writer) error {
		return w.ApplyFlag(ctx, "https://shop.example/a", constants.FlagDoneWithOutput)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_ApplyFlagKeepsDoneRow(t *testing.T) {
	s, mock := newMockWarehouse(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE "work_items" SET "flag"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "work_items"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.Sequential(ctx, func(w *Writer) error {
		return w.ApplyFlag(ctx, "a", constants.FlagDoneNoOutput)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_WriteOutputOneStatementPerRow(t *testing.T) {
	s, mock := newMockWarehouse(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE "outputs" SET "content"`).
		WithArgs("<p>a</p>", "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "outputs" SET "content"`).
		WithArgs("<p>b</p>", "b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "outputs" \("key", "content"\)`).
		WithArgs("b", "<p>b</p>").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Sequential(ctx, func(w *Writer) error {
		if err := w.WriteOutput(ctx, "a", "<p>a</p>"); err != nil {
			return err
		}
		return w.WriteOutput(ctx, "b", "<p>b</p>")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_SequentialKeepsEarlierWrites(t *testing.T) {
	s, mock := newMockWarehouse(t)
	ctx := context.Background()
	boom := errors.New("connection reset")

	mock.ExpectExec(`UPDATE "outputs"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "outputs"`).WillReturnError(boom)

	var written []string
	err := s.Sequential(ctx, func(w *Writer) error {
		for _, k := range []string{"a", "b"} {
			if err := w.WriteOutput(ctx, k, "x"); err != nil {
				return err
			}
			written = append(written, k)
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_RecordOutcomeRejected(t *testing.T) {
	s, mock := newMockWarehouse(t)
	ctx := context.Background()

	err := s.Sequential(ctx, func(w *Writer) error {
		return w.RecordOutcome(ctx, "a", constants.TrackingSuccess, "")
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
