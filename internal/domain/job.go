package domain

import (
	"fmt"
	"maps"
	"time"
)

// JobInput is the snapshot captured at submission. Product and template
// content is copied in so later catalog edits never change a submitted job.
type JobInput struct {
	ProductID      string            `json:"product_id"`
	TemplateID     string            `json:"template_id"`
	VariableValues map[string]string `json:"variable_values"`
	UserPrompt     string            `json:"user_prompt,omitempty"`
	AspectRatio    string            `json:"aspect_ratio"`
	VariantsCount  int               `json:"variants_count"`
	ProviderHint   string            `json:"provider_hint,omitempty"`
	AdID           string            `json:"ad_id,omitempty"`
	Title          string            `json:"title,omitempty"`
	Product        Product           `json:"product"`
	Template       Template          `json:"template"`
}

// Clone returns a deep copy of the input.
func (in JobInput) Clone() JobInput {
	out := in
	out.VariableValues = maps.Clone(in.VariableValues)
	out.Product = in.Product.Clone()
	out.Template = in.Template.Clone()
	return out
}

// ImageRef points at one stored image variant.
type ImageRef struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// ResultMetadata carries provider details reported for a generation.
type ResultMetadata struct {
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
	Quality      string `json:"quality,omitempty"`
}

// JobResult is populated only on COMPLETED jobs.
type JobResult struct {
	Images   []ImageRef     `json:"images"`
	Metadata ResultMetadata `json:"metadata"`
	AdID     string         `json:"ad_id,omitempty"`
}

// GenerationJob is one request to generate ad images.
type GenerationJob struct {
	ID          string
	OwnerID     string
	Status      JobStatus
	Input       JobInput
	Attempts    int
	Result      *JobResult
	Error       string
	WorkerID    string
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	// DebitedAt is set once the owner has been charged for a COMPLETED job.
	DebitedAt *time.Time
}

// Clone returns a deep copy so callers can never mutate a stored record.
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Input = j.Input.Clone()
	if j.Result != nil {
		res := *j.Result
		res.Images = append([]ImageRef(nil), j.Result.Images...)
		out.Result = &res
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		out.HeartbeatAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.DebitedAt != nil {
		t := *j.DebitedAt
		out.DebitedAt = &t
	}
	return &out
}

// Validate checks the result/error invariant: only COMPLETED jobs carry a
// result (with exactly VariantsCount images), only FAILED jobs carry an error.
func (j *GenerationJob) Validate() error {
	switch j.Status {
	case StatusCompleted:
		if j.Result == nil {
			return fmt.Errorf("completed job %s has no result", j.ID)
		}
		if len(j.Result.Images) != j.Input.VariantsCount {
			return fmt.Errorf("completed job %s has %d images, want %d", j.ID, len(j.Result.Images), j.Input.VariantsCount)
		}
		if j.Error != "" {
			return fmt.Errorf("completed job %s carries an error", j.ID)
		}
	case StatusFailed:
		if j.Error == "" {
			return fmt.Errorf("failed job %s has no error", j.ID)
		}
		if j.Result != nil {
			return fmt.Errorf("failed job %s carries a result", j.ID)
		}
	default:
		if j.Result != nil || j.Error != "" {
			return fmt.Errorf("job %s in %s carries a result or error", j.ID, j.Status)
		}
	}
	return nil
}

// Ad is the downstream artifact built from a completed job. Its status
// mirrors the job's terminal status but the record lives independently.
type Ad struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	ProductID       string            `json:"product_id"`
	TemplateID      string            `json:"template_id"`
	Title           string            `json:"title"`
	AssembledPrompt string            `json:"assembled_prompt"`
	VariableValues  map[string]string `json:"variable_values"`
	ImageURL        string            `json:"image_url"`
	Status          JobStatus         `json:"status"`
	Metadata        map[string]any    `json:"metadata"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
