package bus

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive matchFTS/upsertFTSRow directly against a mocked
// *sql.DB, verifying the FTS5 query shape without a real sqlite file.

func TestMatchFTS_RunsMatchQueryAndCollectsIDs(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id"}).AddRow("msg-1").AddRow("msg-2")
	mock.ExpectQuery(`SELECT id FROM message_fts WHERE message_fts MATCH \?`).
		WithArgs("auth.ts").
		WillReturnRows(rows)

	matched, err := matchFTS(context.Background(), mockDB, "auth.ts")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"msg-1": true, "msg-2": true}, matched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchFTS_NoMatches(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT id FROM message_fts WHERE message_fts MATCH \?`).
		WithArgs("nonexistent").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	matched, err := matchFTS(context.Background(), mockDB, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, matched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFTSRow_ClearsThenInserts(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec(`DELETE FROM message_fts WHERE id = \?`).
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO message_fts \(id, payload_text\) VALUES \(\?, \?\)`).
		WithArgs("msg-1", "hello world").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = upsertFTSRow(context.Background(), mockDB, "msg-1", "hello world")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFTSRow_InsertFailureSurfacesAfterClear(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec(`DELETE FROM message_fts WHERE id = \?`).
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO message_fts \(id, payload_text\) VALUES \(\?, \?\)`).
		WithArgs("msg-1", "hello world").
		WillReturnError(assert.AnError)

	err = upsertFTSRow(context.Background(), mockDB, "msg-1", "hello world")
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
