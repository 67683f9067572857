package project

import "time"

type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one prompt/response exchange inside a project. The DXF
// output is nil while generation is pending or has failed.
type Conversation struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	PromptText    string    `json:"prompt_text"`
	DXFOutputData *string   `json:"dxf_output_data"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProjectInput struct {
	Title string `json:"title"`
}
