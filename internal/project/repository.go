package project

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at
		FROM projects
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

func (r *Repository) Create(ctx context.Context, userID string, input ProjectInput) (Project, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Project{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	p := Project{
		ID:        id.String(),
		UserID:    userID,
		Title:     input.Title,
		CreatedAt: time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, title, created_at)
		VALUES ($1, $2, $3, $4)
	`, p.ID, p.UserID, p.Title, p.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}

	return p, nil
}

// GetOwned returns the project only when it belongs to the given user, so
// ownership checks and lookups cannot diverge.
func (r *Repository) GetOwned(ctx context.Context, projectID, userID string) (Project, error) {
	var p Project
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at
		FROM projects
		WHERE id = $1 AND user_id = $2
	`, projectID, userID).Scan(&p.ID, &p.UserID, &p.Title, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Project{}, err
		}
		return Project{}, fmt.Errorf("query project: %w", err)
	}

	return p, nil
}

func (r *Repository) Delete(ctx context.Context, projectID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM projects WHERE id = $1 AND user_id = $2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (r *Repository) CreateConversation(ctx context.Context, projectID, promptText string, dxfOutput *string) (Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Conversation{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	c := Conversation{
		ID:            id.String(),
		ProjectID:     projectID,
		PromptText:    promptText,
		DXFOutputData: dxfOutput,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, prompt_text, dxf_output_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ProjectID, c.PromptText, c.DXFOutputData, c.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	return c, nil
}

func (r *Repository) ListConversations(ctx context.Context, projectID, userID string) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.prompt_text, c.dxf_output_data, c.created_at
		FROM conversations c
		JOIN projects p ON p.id = c.project_id
		WHERE c.project_id = $1 AND p.user_id = $2
		ORDER BY c.created_at ASC
	`, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.PromptText, &c.DXFOutputData, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return conversations, nil
}

func (r *Repository) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM conversations c
		USING projects p
		WHERE c.id = $1 AND p.id = c.project_id AND p.user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
