package project

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryListByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM projects`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "created_at"}).
			AddRow("project-1", "user-1", "bracket", now).
			AddRow("project-2", "user-1", "gear housing", now))

	repo := NewRepository(db)
	projects, err := repo.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, projects, 2)
	assert.Equal(t, "bracket", projects[0].Title)
	assert.Equal(t, "gear housing", projects[1].Title)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetOwnedNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM projects`).
		WithArgs("project-1", "other-user").
		WillReturnError(sql.ErrNoRows)

	repo := NewRepository(db)
	_, err = repo.GetOwned(context.Background(), "project-1", "other-user")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRepositoryDeleteNotOwned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM projects`).
		WithArgs("project-1", "other-user").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewRepository(db)
	err = repo.Delete(context.Background(), "project-1", "other-user")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRepositoryCreateConversation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	dxf := "0\nEOF"
	repo := NewRepository(db)
	conversation, err := repo.CreateConversation(context.Background(), "project-1", "a 10mm cube", &dxf)
	require.NoError(t, err)

	assert.NotEmpty(t, conversation.ID)
	assert.Equal(t, "project-1", conversation.ProjectID)
	assert.Equal(t, "a 10mm cube", conversation.PromptText)
	require.NotNil(t, conversation.DXFOutputData)
	assert.Equal(t, dxf, *conversation.DXFOutputData)

	require.NoError(t, mock.ExpectationsWereMet())
}
