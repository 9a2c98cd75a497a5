package dto

type CreateJobRequest struct {
	UserID      string   `json:"user_id" binding:"required"`
	Artifacts   []string `json:"artifacts" binding:"required,min=1,max=2,dive,required"`
	Instruction string   `json:"instruction" binding:"required"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string   `json:"job_id"`
	UserID         string   `json:"user_id"`
	Artifacts      []string `json:"artifacts"`
	Instruction    string   `json:"instruction"`
	Status         string   `json:"status"`
	ResultArtifact string   `json:"result_artifact,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	RetryCount     int      `json:"retry_count"`
	ChargedAmount  int64    `json:"charged_amount"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type ResultResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Artifact string `json:"artifact,omitempty"`
	Source   string `json:"source"`
}

type QueueItemDTO struct {
	JobID       string   `json:"job_id"`
	UserID      string   `json:"user_id"`
	Artifacts   []string `json:"artifacts"`
	Instruction string   `json:"instruction"`
	RetryCount  int      `json:"retry_count"`
}

type QueueResponse struct {
	Items  []QueueItemDTO `json:"items"`
	Counts map[string]int `json:"counts,omitempty"`
}

type LockResponse struct {
	Held bool `json:"held"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
