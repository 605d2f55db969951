package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openIntegrationRepository connects to the database named by INBOX_TEST_DSN,
// applies the schema and empties the inbox table.
func openIntegrationRepository(t *testing.T, lease time.Duration) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("INBOX_TEST_DSN")
	if dsn == "" {
		t.Skip("INBOX_TEST_DSN not set (integration test)")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ddl, err := os.ReadFile("../../schema/001_webhook_inbox.sql")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = db.ExecContext(ctx, string(ddl))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "TRUNCATE webhook_inbox")
	require.NoError(t, err)

	return NewPostgresRepository(db, lease)
}

func TestPostgresIntegration_InsertIfAbsent(t *testing.T) {
	repo := openIntegrationRepository(t, time.Minute)
	ctx := context.Background()

	event := &InboxEvent{
		EventID:     "evt_001",
		OrderID:     123,
		EventType:   "ORDER_CREATED",
		OrderStatus: "placed",
		Payload:     []byte(`{"order_id":123}`),
	}

	created, err := repo.InsertIfAbsent(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, StatusPending, created.Status)
	assert.JSONEq(t, `{"order_id":123}`, string(created.Payload))

	again, err := repo.InsertIfAbsent(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestPostgresIntegration_ClaimsFifteenRowsInTwoBatches(t *testing.T) {
	repo := openIntegrationRepository(t, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		_, err := repo.InsertIfAbsent(ctx, &InboxEvent{
			EventID:   fmt.Sprintf("evt_%03d", i),
			OrderID:   int64(i),
			EventType: "ORDER_CREATED",
			Payload:   []byte(`{}`),
		})
		require.NoError(t, err)
		// received_at is NOW() per statement; keep the order observable
		time.Sleep(2 * time.Millisecond)
	}

	first, err := repo.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, first, 10)
	assert.Equal(t, "evt_001", first[0].EventID)
	for _, e := range first {
		require.NoError(t, repo.MarkProcessed(ctx, e.EventID))
	}

	second, err := repo.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, second, 5)
	assert.Equal(t, "evt_011", second[0].EventID)
	for _, e := range second {
		require.NoError(t, repo.MarkProcessed(ctx, e.EventID))
	}

	stats, err := repo.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, InboxStats{Processed: 15}, stats)
}

func TestPostgresIntegration_ConcurrentClaimsAreDisjoint(t *testing.T) {
	repo := openIntegrationRepository(t, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		_, err := repo.InsertIfAbsent(ctx, &InboxEvent{
			EventID:   fmt.Sprintf("evt_c_%03d", i),
			OrderID:   int64(i),
			EventType: "ORDER_CREATED",
			Payload:   []byte(`{}`),
		})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				events, err := repo.ClaimBatch(ctx, 4, 3)
				if !assert.NoError(t, err) || len(events) == 0 {
					return
				}
				mu.Lock()
				for _, e := range events {
					claimed[e.EventID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 30)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "event %s claimed by more than one worker", id)
	}
}

func TestPostgresIntegration_RetryBound(t *testing.T) {
	// a lease shorter than the test keeps failed rows claimable right away
	repo := openIntegrationRepository(t, time.Millisecond)
	ctx := context.Background()

	_, err := repo.InsertIfAbsent(ctx, &InboxEvent{EventID: "evt_retry", OrderID: 1, EventType: "ORDER_CREATED"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		events, err := repo.ClaimBatch(ctx, 10, 3)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.NoError(t, repo.MarkFailed(ctx, "evt_retry", fmt.Sprintf("attempt %d failed", attempt)))
	}

	events, err := repo.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, events)

	stored, err := repo.Get(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.ProcessingAttempts)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "attempt 3 failed", *stored.LastError)

	stats, err := repo.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Exhausted)
}

func TestPostgresIntegration_ReleaseClaimsAndKeepLastError(t *testing.T) {
	repo := openIntegrationRepository(t, time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := repo.InsertIfAbsent(ctx, &InboxEvent{EventID: fmt.Sprintf("evt_%03d", i), OrderID: int64(i), EventType: "ORDER_CREATED"})
		require.NoError(t, err)
	}

	claimed, err := repo.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, repo.MarkFailed(ctx, "evt_001", "upstream timeout"))
	require.NoError(t, repo.ReleaseClaims(ctx, []string{"evt_002", "evt_003"}))

	again, err := repo.ClaimBatch(ctx, 10, 3)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	require.NoError(t, repo.MarkProcessed(ctx, "evt_001"))
	stored, err := repo.Get(ctx, "evt_001")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "upstream timeout", *stored.LastError)
}
