// Package dispatcher admits generation jobs: it validates submissions,
// snapshots their inputs, persists them as PENDING and wakes the workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/adgen-pipeline/internal/catalog"
	"github.com/cuongbtq/adgen-pipeline/internal/credit"
	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/cuongbtq/adgen-pipeline/internal/prompt"
	"github.com/cuongbtq/adgen-pipeline/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Policy holds the admission rules.
type Policy struct {
	MinVariants        int
	MaxVariants        int
	AspectRatios       []string
	DefaultAspectRatio string
	CostPerVariant     int
	Providers          []string
}

// Cost is the credit charged for a job with the given variant count.
func (p Policy) Cost(variants int) int {
	return variants * p.CostPerVariant
}

// SubmitRequest is a user's generation request.
type SubmitRequest struct {
	ProductID      string            `json:"product_id" validate:"required,max=128"`
	TemplateID     string            `json:"template_id" validate:"required,max=128"`
	VariableValues map[string]string `json:"variable_values" validate:"omitempty,max=50,dive,keys,required,max=64,endkeys,max=1000"`
	UserPrompt     string            `json:"user_prompt" validate:"max=2000"`
	AspectRatio    string            `json:"aspect_ratio"`
	VariantsCount  int               `json:"variants_count"`
	ProviderHint   string            `json:"provider_hint" validate:"max=32"`
	AdID           string            `json:"ad_id" validate:"max=128"`
	Title          string            `json:"title" validate:"max=200"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   domain.JobStatus
	PageSize int
	Cursor   *store.Cursor
}

// Page is one page of jobs, newest first.
type Page struct {
	Jobs       []*domain.GenerationJob
	NextCursor *store.Cursor
}

// Notifier is told about newly submitted jobs. Delivery is best effort.
type Notifier interface {
	JobSubmitted(ctx context.Context, job *domain.GenerationJob) error
}

// Dispatcher is the admission side of the pipeline.
type Dispatcher struct {
	store    store.JobStore
	catalog  catalog.Catalog
	ledger   credit.Ledger
	notifier Notifier
	policy   Policy
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher. notifier may be nil.
func New(jobs store.JobStore, cat catalog.Catalog, ledger credit.Ledger, notifier Notifier, policy Policy, logger *slog.Logger) *Dispatcher {
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)

	return &Dispatcher{
		store:    jobs,
		catalog:  cat,
		ledger:   ledger,
		notifier: notifier,
		policy:   policy,
		validate: validate,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit validates req for ownerID and persists a PENDING job. Nothing is
// persisted when validation or the credit check fails.
func (d *Dispatcher) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*domain.GenerationJob, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.NewValidationError("owner_id", "is required")
	}

	req = normalize(req, d.policy)

	verr := d.validateRequest(req)
	if !verr.Empty() {
		return nil, verr
	}

	product, err := d.catalog.GetProduct(ctx, req.ProductID)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		verr.Add("product_id", "product not found")
	case err != nil:
		return nil, fmt.Errorf("failed to load product: %w", err)
	case !product.VisibleTo(ownerID):
		verr.Add("product_id", "product not found")
	}

	tmpl, err := d.catalog.GetTemplate(ctx, req.TemplateID)
	switch {
	case errors.Is(err, domain.ErrTemplateNotFound):
		verr.Add("template_id", "template not found")
	case err != nil:
		return nil, fmt.Errorf("failed to load template: %w", err)
	case !tmpl.VisibleTo(ownerID):
		verr.Add("template_id", "template not found")
	}

	if !verr.Empty() {
		return nil, verr
	}

	input := domain.JobInput{
		ProductID:      req.ProductID,
		TemplateID:     req.TemplateID,
		VariableValues: req.VariableValues,
		UserPrompt:     req.UserPrompt,
		AspectRatio:    req.AspectRatio,
		VariantsCount:  req.VariantsCount,
		ProviderHint:   req.ProviderHint,
		AdID:           req.AdID,
		Title:          req.Title,
		Product:        *product,
		Template:       *tmpl,
	}.Clone()

	// Reject drafts that can never assemble before they reach a worker.
	if _, err := prompt.Assemble(prompt.FromJob(input)); err != nil {
		return nil, err
	}

	if err := d.ledger.Check(ctx, ownerID, d.policy.Cost(req.VariantsCount)); err != nil {
		return nil, err
	}

	now := d.now().UTC()
	job := &domain.GenerationJob{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    domain.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	d.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("owner_id", ownerID),
		slog.String("product_id", req.ProductID),
		slog.String("template_id", req.TemplateID),
		slog.Int("variants", req.VariantsCount),
	)

	if d.notifier != nil {
		if err := d.notifier.JobSubmitted(ctx, job); err != nil {
			d.logger.Warn("Failed to notify workers, job will be picked up by polling",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}

	return job.Clone(), nil
}

func normalize(req SubmitRequest, policy Policy) SubmitRequest {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	req.UserPrompt = strings.TrimSpace(req.UserPrompt)
	req.AspectRatio = strings.TrimSpace(req.AspectRatio)
	req.ProviderHint = strings.ToLower(strings.TrimSpace(req.ProviderHint))
	req.Title = strings.TrimSpace(req.Title)
	if req.AspectRatio == "" {
		req.AspectRatio = policy.DefaultAspectRatio
	}
	if req.VariantsCount == 0 {
		req.VariantsCount = max(policy.MinVariants, 1)
	}
	return req
}

func (d *Dispatcher) validateRequest(req SubmitRequest) *domain.ValidationError {
	verr := &domain.ValidationError{}

	if err := d.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			verr.Add("request", "invalid request")
			return verr
		}
		for _, fe := range fieldErrs {
			verr.Add(fieldPath(fe), describe(fe))
		}
	}

	if req.VariantsCount < d.policy.MinVariants || req.VariantsCount > d.policy.MaxVariants {
		verr.Add("variants_count", fmt.Sprintf("must be between %d and %d", d.policy.MinVariants, d.policy.MaxVariants))
	}
	if len(d.policy.AspectRatios) > 0 && !slices.Contains(d.policy.AspectRatios, req.AspectRatio) {
		verr.Add("aspect_ratio", "must be one of "+strings.Join(d.policy.AspectRatios, ", "))
	}
	if req.ProviderHint != "" && len(d.policy.Providers) > 0 && !slices.Contains(d.policy.Providers, req.ProviderHint) {
		verr.Add("provider_hint", "must be one of "+strings.Join(d.policy.Providers, ", "))
	}
	return verr
}

// fieldPath strips the struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// Cancel moves a PENDING or PROCESSING job to CANCELLED. A worker holding the
// job notices at its next checkpoint.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, ownerID string) (*domain.GenerationJob, error) {
	job, err := d.store.Cancel(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("owner_id", ownerID),
	)
	return job, nil
}

// Get returns a job visible to ownerID.
func (d *Dispatcher) Get(ctx context.Context, jobID, ownerID string) (*domain.GenerationJob, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// List returns ownerID's jobs newest first.
func (d *Dispatcher) List(ctx context.Context, ownerID string, filter ListFilter) (*Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewValidationError("status", "unknown status")
	}

	pageSize := filter.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultPageSize
	case pageSize > maxPageSize:
		pageSize = maxPageSize
	}

	jobs, err := d.store.List(ctx, store.Filter{
		OwnerID: ownerID,
		Status:  filter.Status,
		Limit:   pageSize + 1,
		Cursor:  filter.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &Page{Jobs: jobs}
	if len(jobs) > pageSize {
		page.Jobs = jobs[:pageSize]
		last := page.Jobs[pageSize-1]
		page.NextCursor = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}
