package credit

import (
	"context"
	"sync"
	"testing"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_Check(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.SetBalance("u1", 3)

	assert.NoError(t, l.Check(ctx, "u1", 3))
	assert.ErrorIs(t, l.Check(ctx, "u1", 4), domain.ErrInsufficientCredit)
	assert.ErrorIs(t, l.Check(ctx, "nobody", 1), domain.ErrInsufficientCredit)
	assert.NoError(t, l.Check(ctx, "nobody", 0))
}

func TestMemoryLedger_DebitOncePerJob(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.SetBalance("u1", 10)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Debit(ctx, "u1", "job-1", 4))
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, l.Balance("u1"))
	amount, ok := l.Debited("job-1")
	require.True(t, ok)
	assert.Equal(t, 4, amount)

	require.NoError(t, l.Debit(ctx, "u1", "job-2", 100))
	assert.Equal(t, 0, l.Balance("u1"))
}
