package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/adgen-pipeline/internal/credit"
	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/cuongbtq/adgen-pipeline/internal/provider"
	"github.com/cuongbtq/adgen-pipeline/internal/store"
)

type gatewayStep func(ctx context.Context, req provider.GenerateRequest) (*provider.Result, error)

type fakeGateway struct {
	mu       sync.Mutex
	steps    []gatewayStep
	fallback gatewayStep
	calls    int
	requests []provider.GenerateRequest
}

func (g *fakeGateway) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Result, error) {
	g.mu.Lock()
	g.calls++
	g.requests = append(g.requests, req)
	step := g.fallback
	if len(g.steps) > 0 {
		step = g.steps[0]
		g.steps = g.steps[1:]
	}
	g.mu.Unlock()
	return step(ctx, req)
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func succeed(ctx context.Context, req provider.GenerateRequest) (*provider.Result, error) {
	images := make([]provider.Image, req.Variants)
	for i := range images {
		images[i] = provider.Image{Data: []byte("png"), MIMEType: "image/png", Width: 1024, Height: 1024}
	}
	return &provider.Result{
		Images:   images,
		Metadata: domain.ResultMetadata{Provider: "gemini", Model: "test-model", TotalTokens: 42, Quality: req.Quality},
	}, nil
}

func transient(context.Context, provider.GenerateRequest) (*provider.Result, error) {
	return nil, provider.NewTransient("gemini", "rate limited", nil)
}

func permanent(context.Context, provider.GenerateRequest) (*provider.Result, error) {
	return nil, provider.NewPermanent("gemini", "prompt rejected by content policy", errors.New(`{"secret":"payload"}`))
}

type fakeUploads struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *fakeUploads) Put(_ context.Context, key string, img provider.Image) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.keys = append(u.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type harness struct {
	w       *Worker
	store   *store.MemoryStore
	gateway *fakeGateway
	uploads *fakeUploads
	ledger  *credit.MemoryLedger
	delays  []time.Duration
}

func newHarness(t *testing.T, jobStore store.JobStore, mem *store.MemoryStore) *harness {
	t.Helper()
	h := &harness{
		store:   mem,
		gateway: &fakeGateway{fallback: succeed},
		uploads: &fakeUploads{},
		ledger:  credit.NewMemoryLedger(),
	}
	h.ledger.SetBalance("u1", 100)

	w, err := NewWorker(Config{
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:               jobStore,
		Gateway:             h.gateway,
		Uploads:             h.uploads,
		Ledger:              h.ledger,
		WorkerID:            "worker-a",
		Concurrency:         2,
		PollInterval:        10 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		JobTimeout:          time.Minute,
		MaxAttempts:         3,
		RetryBaseDelay:      100 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		PerOwnerLimit:       2,
		StaleAfter:          time.Minute,
		ReclaimInterval:     time.Hour,
		UnhealthyThreshold:  2,
		HealthProbeInterval: 10 * time.Millisecond,
		CostPerVariant:      1,
	})
	require.NoError(t, err)
	w.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	h.w = w
	return h
}

func newMemHarness(t *testing.T) *harness {
	mem := store.NewMemoryStore()
	return newHarness(t, mem, mem)
}

var jobSeq atomic.Int32

func seedJob(t *testing.T, s *store.MemoryStore, mutate ...func(j *domain.GenerationJob)) *domain.GenerationJob {
	t.Helper()
	n := jobSeq.Add(1)
	job := &domain.GenerationJob{
		ID:      uuid.NewString(),
		OwnerID: "u1",
		Status:  domain.StatusPending,
		Input: domain.JobInput{
			ProductID:      "p1",
			TemplateID:     "t1",
			VariableValues: map[string]string{"color": "red"},
			AspectRatio:    "1:1",
			VariantsCount:  2,
			Product:        domain.Product{ID: "p1", OwnerID: "u1", Title: "Linen Shirt"},
			Template: domain.Template{
				ID:             "t1",
				PromptSkeleton: "A {{color}} {{product.title}}",
				Variables:      []domain.TemplateVariable{{Name: "color", Required: true}},
				Quality:        "studio",
			},
		},
		CreatedAt: time.Now().Add(time.Duration(n) * time.Millisecond),
	}
	job.UpdatedAt = job.CreatedAt
	for _, m := range mutate {
		m(job)
	}
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func (h *harness) claimAndProcess(t *testing.T) *domain.GenerationJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.ClaimNext(ctx, "worker-a-0", 0)
	require.NoError(t, err)
	h.w.processJob(ctx, "worker-a-0", job)

	final, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	return final
}

func TestProcessJob_TransientThenSuccess(t *testing.T) {
	h := newMemHarness(t)
	h.gateway.steps = []gatewayStep{transient, transient, succeed}
	seedJob(t, h.store)

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.Result)
	assert.Len(t, job.Result.Images, 2)
	assert.True(t, strings.HasPrefix(job.Result.Images[0].URL, "https://cdn.example.com/ads/u1/"))
	assert.Equal(t, "gemini", job.Result.Metadata.Provider)
	assert.Equal(t, "studio", job.Result.Metadata.Quality)
	assert.NoError(t, job.Validate())

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, h.delays)
	assert.Equal(t, 3, h.gateway.Calls())

	ad, ok := h.store.Ad(job.Result.AdID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, ad.Status)
	assert.Equal(t, "Linen Shirt", ad.Title)
	assert.Equal(t, job.Result.Images[0].URL, ad.ImageURL)
	assert.Contains(t, ad.AssembledPrompt, "A red Linen Shirt")
	assert.Equal(t, "red", ad.VariableValues["color"])

	amount, ok := h.ledger.Debited(job.ID)
	require.True(t, ok)
	assert.Equal(t, 2, amount)
	assert.Equal(t, 98, h.ledger.Balance("u1"))
}

func TestProcessJob_PermanentFailsWithoutRetry(t *testing.T) {
	h := newMemHarness(t)
	h.gateway.fallback = permanent
	seedJob(t, h.store)

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.Result)
	assert.Equal(t, "prompt rejected by content policy (permanent provider error)", job.Error)
	assert.NotContains(t, job.Error, "secret")
	assert.Empty(t, h.delays)
	assert.NoError(t, job.Validate())

	_, debited := h.ledger.Debited(job.ID)
	assert.False(t, debited)
}

func TestProcessJob_RetriesExhausted(t *testing.T) {
	h := newMemHarness(t)
	h.gateway.fallback = transient
	seedJob(t, h.store)

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "rate limited (transient provider error)", job.Error)
	assert.Equal(t, 3, h.gateway.Calls())
	assert.Len(t, h.delays, 2)
}

func TestProcessJob_CancelledBetweenAttempts(t *testing.T) {
	h := newMemHarness(t)
	seeded := seedJob(t, h.store)
	h.gateway.steps = []gatewayStep{
		func(ctx context.Context, req provider.GenerateRequest) (*provider.Result, error) {
			_, err := h.store.Cancel(ctx, seeded.ID, "u1")
			require.NoError(t, err)
			return transient(ctx, req)
		},
	}

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusCancelled, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.Result)
	assert.Empty(t, job.Error)
	assert.Equal(t, 1, h.gateway.Calls())
	_, debited := h.ledger.Debited(job.ID)
	assert.False(t, debited)
}

func TestProcessJob_CancelledBeforePersistence(t *testing.T) {
	h := newMemHarness(t)
	seeded := seedJob(t, h.store)
	h.gateway.steps = []gatewayStep{
		func(ctx context.Context, req provider.GenerateRequest) (*provider.Result, error) {
			_, err := h.store.Cancel(ctx, seeded.ID, "u1")
			require.NoError(t, err)
			return succeed(ctx, req)
		},
	}

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusCancelled, job.Status)
	assert.Nil(t, job.Result)
	assert.Empty(t, h.uploads.keys)
	_, debited := h.ledger.Debited(job.ID)
	assert.False(t, debited)
}

func TestProcessJob_AssemblyFailure(t *testing.T) {
	h := newMemHarness(t)
	seedJob(t, h.store, func(j *domain.GenerationJob) {
		j.Input.VariableValues = nil
	})

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Contains(t, job.Error, "prompt assembly failed")
	assert.Zero(t, h.gateway.Calls())
}

func TestProcessJob_UploadFailure(t *testing.T) {
	h := newMemHarness(t)
	h.uploads.err = errors.New("disk full")
	seedJob(t, h.store)

	job := h.claimAndProcess(t)

	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, "failed to store generated images", job.Error)
	_, debited := h.ledger.Debited(job.ID)
	assert.False(t, debited)
}

func TestProcessJob_LinkedAdMirrorsStatus(t *testing.T) {
	h := newMemHarness(t)
	h.gateway.fallback = permanent
	h.store.PutAd(domain.Ad{ID: "ad-existing", Status: domain.StatusCompleted})
	seedJob(t, h.store, func(j *domain.GenerationJob) { j.Input.AdID = "ad-existing" })

	job := h.claimAndProcess(t)
	require.Equal(t, domain.StatusFailed, job.Status)

	ad, ok := h.store.Ad("ad-existing")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, ad.Status)
}

func TestDebitExactlyOnce(t *testing.T) {
	h := newMemHarness(t)
	seedJob(t, h.store)

	job := h.claimAndProcess(t)
	require.Equal(t, domain.StatusCompleted, job.Status)
	require.Equal(t, 98, h.ledger.Balance("u1"))

	require.NoError(t, h.ledger.Debit(context.Background(), "u1", job.ID, 2))
	assert.Equal(t, 98, h.ledger.Balance("u1"))
}

type flakyLedger struct {
	credit.Ledger
	mu       sync.Mutex
	failures int
	calls    int
	onFail   func()
}

func (l *flakyLedger) Debit(ctx context.Context, ownerID, jobID string, cost int) error {
	l.mu.Lock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		hook := l.onFail
		l.mu.Unlock()
		if hook != nil {
			hook()
		}
		return errors.New("ledger unavailable")
	}
	l.mu.Unlock()
	return l.Ledger.Debit(ctx, ownerID, jobID, cost)
}

func TestDebit_RetriedAfterLedgerFailure(t *testing.T) {
	h := newMemHarness(t)
	ledger := &flakyLedger{Ledger: h.ledger, failures: 1}
	h.w.ledger = ledger
	seedJob(t, h.store)

	job := h.claimAndProcess(t)

	require.Equal(t, domain.StatusCompleted, job.Status)
	amount, ok := h.ledger.Debited(job.ID)
	require.True(t, ok)
	assert.Equal(t, 2, amount)
	assert.Equal(t, 98, h.ledger.Balance("u1"))
	assert.NotNil(t, job.DebitedAt)
	assert.Equal(t, 2, ledger.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, h.delays)
}

func TestDebit_SurvivesShutdown(t *testing.T) {
	h := newMemHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.w.ledger = &flakyLedger{Ledger: h.ledger, failures: 1, onFail: cancel}
	seedJob(t, h.store)

	job, err := h.store.ClaimNext(ctx, "worker-a-0", 0)
	require.NoError(t, err)
	h.w.processJob(ctx, "worker-a-0", job)

	got, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.NotNil(t, got.DebitedAt)
	assert.Equal(t, 98, h.ledger.Balance("u1"))
}

func TestReclaim_SettlesUndebitedJobs(t *testing.T) {
	ctx := context.Background()
	h := newMemHarness(t)
	h.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	ledger := &flakyLedger{Ledger: h.ledger, failures: 3}
	h.w.ledger = ledger
	seedJob(t, h.store)

	job := h.claimAndProcess(t)
	require.Equal(t, domain.StatusCompleted, job.Status)
	assert.Nil(t, job.DebitedAt)
	assert.Equal(t, 100, h.ledger.Balance("u1"))
	assert.Equal(t, 3, ledger.calls)

	h.w.reclaim(ctx)

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DebitedAt)
	assert.Equal(t, 98, h.ledger.Balance("u1"))

	h.w.reclaim(ctx)
	assert.Equal(t, 98, h.ledger.Balance("u1"))
	assert.Equal(t, 4, ledger.calls)
}

func TestDrain_SkipsCancelledJobs(t *testing.T) {
	ctx := context.Background()
	h := newMemHarness(t)
	job := seedJob(t, h.store)
	_, err := h.store.Cancel(ctx, job.ID, "u1")
	require.NoError(t, err)

	h.w.drain(ctx, "worker-a-0")

	assert.Zero(t, h.gateway.Calls())
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestDrain_ProcessesAllPending(t *testing.T) {
	ctx := context.Background()
	h := newMemHarness(t)
	a := seedJob(t, h.store)
	b := seedJob(t, h.store)

	h.w.drain(ctx, "worker-a-0")

	for _, id := range []string{a.ID, b.ID} {
		got, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
	}
}

type flakyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyStore) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("connection refused")
	}
	return nil
}

func (s *flakyStore) ClaimNext(ctx context.Context, workerID string, limit int) (*domain.GenerationJob, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.ClaimNext(ctx, workerID, limit)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	return s.err()
}

func TestHealth_StopsClaimingWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem, failing: true}
	h := newHarness(t, flaky, mem)

	h.w.drain(ctx, "worker-a-0")
	assert.True(t, h.w.Health().Healthy())
	h.w.drain(ctx, "worker-a-0")
	assert.False(t, h.w.Health().Healthy())
	assert.Equal(t, "connection refused", h.w.Health().Status().LastError)

	job := seedJob(t, mem)
	flaky.setFailing(false)
	h.w.drain(ctx, "worker-a-0")
	got, err := mem.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "unhealthy worker must not claim")

	h.w.probe(ctx)
	assert.True(t, h.w.Health().Healthy())

	h.w.drain(ctx, "worker-a-0")
	got, err = mem.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestReclaim_RequeuesStaleJobs(t *testing.T) {
	ctx := context.Background()
	h := newMemHarness(t)
	now := time.Now()
	h.store.SetClock(func() time.Time { return now })

	job := seedJob(t, h.store)
	_, err := h.store.ClaimNext(ctx, "crashed-worker", 0)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	h.w.reclaim(ctx)

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	select {
	case id := <-h.w.wakeChan:
		assert.Equal(t, job.ID, id)
	default:
		t.Fatal("expected a wake-up for the requeued job")
	}

	h.w.claimByID(ctx, "worker-a-1", job.ID)
	got, err = h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestStart_ProcessesJobsConcurrently(t *testing.T) {
	h := newMemHarness(t)
	var jobs []*domain.GenerationJob
	for i := 0; i < 4; i++ {
		jobs = append(jobs, seedJob(t, h.store))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.w.Start(ctx) }()

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			got, err := h.store.Get(context.Background(), j.ID)
			if err != nil || got.Status != domain.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	h.w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 92, h.ledger.Balance("u1"))
}

type fakeAcknowledger struct {
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, _ bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func TestHandleDelivery(t *testing.T) {
	h := newMemHarness(t)
	ack := &fakeAcknowledger{}
	validID := "7a4b2c9e-1f3d-4e5a-9b6c-0d1e2f3a4b5c"

	h.w.handleDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"job_id":"` + validID + `"}`)})
	h.w.handleDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)})
	h.w.handleDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"job_id":"nope"}`)})

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2, 3}, ack.nacked)

	select {
	case id := <-h.w.wakeChan:
		assert.Equal(t, validID, id)
	default:
		t.Fatal("expected a wake-up")
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(tt.attempt, base, time.Second), "attempt %d", tt.attempt)
	}
}

func TestNewWorker_RequiresDependencies(t *testing.T) {
	_, err := NewWorker(Config{Logger: slog.Default(), WorkerID: "w"})
	assert.Error(t, err)
}
