// Package review implements single-flight review caching: at most one
// in-flight review per (task, fingerprint), with joiners sharing the result,
// and persisted reports for later lookups.
package review

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// Reviewer performs the actual review of a task's changes. The production
// implementation drives a review agent through the LLM; tests stub it.
type Reviewer interface {
	Review(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error)
}

// ReviewerFunc adapts a function to the Reviewer interface.
type ReviewerFunc func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error)

// Review implements Reviewer.
func (f ReviewerFunc) Review(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
	return f(ctx, taskID, fingerprint)
}

// Fingerprint computes the stable content hash over a task's inputs and the
// files under review. Files are hashed in path order so the fingerprint is
// deterministic.
func Fingerprint(taskID, taskInputs string, files map[string]string) string {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(taskInputs))
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		h.Write([]byte{0})
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(files[p]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

const reportCacheSize = 512

// Cache is the review cache service. One instance per process.
type Cache struct {
	db       *sql.DB
	bus      *bus.Bus
	reviewer Reviewer
	group    singleflight.Group
	reports  *lru.Cache[string, *models.ReviewReport]
}

// New creates a Cache. b may be nil (no event emission, tests).
func New(db *sql.DB, b *bus.Bus, reviewer Reviewer) *Cache {
	reports, _ := lru.New[string, *models.ReviewReport](reportCacheSize)
	return &Cache{
		db:       db,
		bus:      b,
		reviewer: reviewer,
		reports:  reports,
	}
}

func cacheKey(taskID, fingerprint string) string {
	return taskID + "\x00" + fingerprint
}

// Request returns the review report for (task, fingerprint), computing it at
// most once: concurrent callers with the same key join the in-flight review
// and observe the identical result. A failed review is shared with all
// joiners and nothing is cached.
func (c *Cache) Request(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
	key := cacheKey(taskID, fingerprint)

	if report, ok := c.reports.Get(key); ok {
		return report, nil
	}

	// Persisted report from an earlier run survives process restarts.
	if report, err := store.GetReviewReport(c.db, taskID, fingerprint); err == nil && report != nil {
		c.reports.Add(key, report)
		return report, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		report, err := c.reviewer.Review(ctx, taskID, fingerprint)
		if err != nil {
			return nil, err
		}
		report.TaskID = taskID
		report.Fingerprint = fingerprint
		if report.CreatedAt.IsZero() {
			report.CreatedAt = time.Now().UTC()
		}
		if report.SeverityCounts == nil {
			report.SeverityCounts = map[string]int{}
			for _, is := range report.Issues {
				report.SeverityCounts[string(is.Severity)]++
			}
		}
		if err := store.UpsertReviewReport(c.db, report); err != nil {
			return nil, err
		}
		c.reports.Add(key, report)
		c.publishCompleted(report)
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ReviewReport), nil
}

// Invalidate drops cached and persisted reports for a task; the next
// request recomputes. Exposed through the HTTP API for forcing a fresh
// review when the reviewer itself changed under an unchanged fingerprint.
func (c *Cache) Invalidate(taskID string) error {
	prefix := taskID + "\x00"
	for _, key := range c.reports.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.reports.Remove(key)
		}
	}
	return store.DeleteReviewReports(c.db, taskID)
}

// Latest returns the newest persisted report for a task, or nil.
func (c *Cache) Latest(taskID string) (*models.ReviewReport, error) {
	reports, err := store.ListTaskReviews(c.db, taskID)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return reports[0], nil
}

func (c *Cache) publishCompleted(report *models.ReviewReport) {
	if c.bus == nil {
		return
	}
	task, err := store.GetTask(c.db, report.TaskID)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"task_id":         report.TaskID,
		"fingerprint":     report.Fingerprint,
		"issue_count":     len(report.Issues),
		"severity_counts": report.SeverityCounts,
	})
	c.bus.Publish(&models.Event{
		Type:      models.EventReviewCompleted,
		ProjectID: task.ProjectID,
		TaskID:    report.TaskID,
		Payload:   payload,
	})
}
