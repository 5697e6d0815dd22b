package review

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

func setupCache(t *testing.T, reviewer Reviewer) (*Cache, *sql.DB) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Review reports reference tasks(id); seed the task the tests use.
	_, err = db.Exec(`INSERT INTO projects (id, name) VALUES ('proj_1', 'proj_1')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tasks (id, project_id, title) VALUES ('task_1', 'proj_1', 'work')`)
	require.NoError(t, err)

	return New(db, nil, reviewer), db
}

func TestFingerprintDeterministic(t *testing.T) {
	files := map[string]string{"b.go": "bbb", "a.go": "aaa"}
	first := Fingerprint("task_1", "title", files)
	second := Fingerprint("task_1", "title", map[string]string{"a.go": "aaa", "b.go": "bbb"})
	assert.Equal(t, first, second)

	assert.NotEqual(t, first, Fingerprint("task_2", "title", files))
	assert.NotEqual(t, first, Fingerprint("task_1", "other", files))
	assert.NotEqual(t, first, Fingerprint("task_1", "title", map[string]string{"a.go": "changed", "b.go": "bbb"}))
}

func TestRequestComputesOncePerFingerprint(t *testing.T) {
	var calls atomic.Int32
	cache, _ := setupCache(t, ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		calls.Add(1)
		return &models.ReviewReport{Issues: []models.ReviewIssue{{Severity: models.SeverityLow, Message: "nit"}}}, nil
	}))

	first, err := cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, "task_1", first.TaskID)
	assert.Equal(t, "fp1", first.Fingerprint)
	assert.Equal(t, 1, first.SeverityCounts["low"])

	second, err := cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// A new fingerprint recomputes.
	_, err = cache.Request(context.Background(), "task_1", "fp2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestSingleFlightConcurrent(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	cache, _ := setupCache(t, ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return &models.ReviewReport{}, nil
	}))

	const joiners = 5
	var wg sync.WaitGroup
	results := make([]*models.ReviewReport, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := cache.Request(context.Background(), "task_1", "fp1")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "joiners share one in-flight review")
	for _, r := range results[1:] {
		assert.Same(t, results[0], r)
	}
}

func TestRequestFailureSharedNotCached(t *testing.T) {
	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)

	cache, _ := setupCache(t, ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("reviewer unavailable")
		}
		return &models.ReviewReport{}, nil
	}))

	_, err := cache.Request(context.Background(), "task_1", "fp1")
	require.Error(t, err)

	// Nothing was cached: the next request retries.
	fail.Store(false)
	_, err = cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestSurvivesRestartViaPersistedReport(t *testing.T) {
	var calls atomic.Int32
	reviewer := ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		calls.Add(1)
		return &models.ReviewReport{}, nil
	})
	cache, db := setupCache(t, reviewer)

	_, err := cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)

	// A fresh cache over the same database reads the persisted report.
	fresh := New(db, nil, reviewer)
	_, err = fresh.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidateForcesRecompute(t *testing.T) {
	var calls atomic.Int32
	cache, _ := setupCache(t, ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		calls.Add(1)
		return &models.ReviewReport{}, nil
	}))

	_, err := cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate("task_1"))

	_, err = cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLatest(t *testing.T) {
	cache, _ := setupCache(t, ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		return &models.ReviewReport{Issues: []models.ReviewIssue{{Severity: models.SeverityHigh, Message: "bug"}}}, nil
	}))

	got, err := cache.Latest("task_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = cache.Request(context.Background(), "task_1", "fp1")
	require.NoError(t, err)

	got, err = cache.Latest("task_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.HasBlockingFindings())
}
