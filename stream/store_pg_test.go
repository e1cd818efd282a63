package stream_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/stormtrooper/stream"
	"github.com/onnwee/stormtrooper/testutil"
)

// Runs against Postgres; skips unless TEST_PG_DSN is set.
func TestPGGetOrCreateConcurrent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := database.ExecContext(ctx, `INSERT INTO users (id) VALUES ('Abc123XyZ0')`)
	require.NoError(t, err)
	store := stream.NewStore(database)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[int64]int{}
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			st, isNew, err := store.GetOrCreate(ctx, "Abc123XyZ0", stream.Request{Path: fmt.Sprintf("/live/%d", i)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[st.ID]++
			if isNew {
				created++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, ids, 1, "all callers converge on one stream")
	assert.Equal(t, 1, created, "exactly one caller inserts")

	var rows int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE user_id = 'Abc123XyZ0'`).Scan(&rows))
	assert.Equal(t, 1, rows)

	st, created2, err := store.GetOrCreate(ctx, "Abc123XyZ0", stream.Request{})
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Contains(t, ids, st.ID)
}

func TestPGUpdateAndList(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := database.ExecContext(ctx, `INSERT INTO users (id) VALUES ('Abc123XyZ0'), ('Bbc123XyZ0')`)
	require.NoError(t, err)
	store := stream.NewStore(database)

	_, _, err = store.GetOrCreate(ctx, "Abc123XyZ0", stream.Request{Path: "/live/a", Name: "Morning"})
	require.NoError(t, err)
	_, _, err = store.GetOrCreate(ctx, "Bbc123XyZ0", stream.Request{Path: "/live/b"})
	require.NoError(t, err)

	desc := "weekly show"
	st, err := store.Update(ctx, "Abc123XyZ0", stream.Patch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Morning", st.Name)
	assert.Equal(t, desc, st.Description)

	list, err := store.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Bbc123XyZ0", list[0].UserID, "newest first")
}
