package dto

import (
	"time"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

type CreateJobRequest struct {
	ProductID      string            `json:"product_id"`
	TemplateID     string            `json:"template_id"`
	VariableValues map[string]string `json:"variable_values"`
	UserPrompt     string            `json:"user_prompt"`
	AspectRatio    string            `json:"aspect_ratio"`
	VariantsCount  int               `json:"variants_count"`
	ProviderHint   string            `json:"provider_hint"`
	AdID           string            `json:"ad_id"`
	Title          string            `json:"title"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobInputDTO struct {
	ProductID      string            `json:"product_id"`
	TemplateID     string            `json:"template_id"`
	VariableValues map[string]string `json:"variable_values,omitempty"`
	UserPrompt     string            `json:"user_prompt,omitempty"`
	AspectRatio    string            `json:"aspect_ratio"`
	VariantsCount  int               `json:"variants_count"`
	ProviderHint   string            `json:"provider_hint,omitempty"`
	AdID           string            `json:"ad_id,omitempty"`
	Title          string            `json:"title,omitempty"`
}

type JobDTO struct {
	JobID       string            `json:"job_id"`
	OwnerID     string            `json:"owner_id"`
	Status      string            `json:"status"`
	Attempts    int               `json:"attempts"`
	Input       JobInputDTO       `json:"input"`
	Result      *domain.JobResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

// JobEvent is pushed over the job events websocket on every change.
type JobEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Job       JobDTO `json:"job"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
	Status string            `json:"status,omitempty"`
}

// FromJob converts a domain job into its API representation.
func FromJob(job *domain.GenerationJob) JobDTO {
	out := JobDTO{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Status:   job.Status.String(),
		Attempts: job.Attempts,
		Input: JobInputDTO{
			ProductID:      job.Input.ProductID,
			TemplateID:     job.Input.TemplateID,
			VariableValues: job.Input.VariableValues,
			UserPrompt:     job.Input.UserPrompt,
			AspectRatio:    job.Input.AspectRatio,
			VariantsCount:  job.Input.VariantsCount,
			ProviderHint:   job.Input.ProviderHint,
			AdID:           job.Input.AdID,
			Title:          job.Input.Title,
		},
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}

// NewJobEvent builds a status event for job.
func NewJobEvent(job *domain.GenerationJob) JobEvent {
	return JobEvent{
		Type:      "job_update",
		JobID:     job.ID,
		Status:    job.Status.String(),
		Attempts:  job.Attempts,
		Error:     job.Error,
		Timestamp: job.UpdatedAt.Format(time.RFC3339Nano),
		Job:       FromJob(job),
	}
}
