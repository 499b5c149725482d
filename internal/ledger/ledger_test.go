// SPDX-License-Identifier: MIT

package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediabin.sqlite")
	l, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func insertItem(t *testing.T, l *Ledger, id, title string, created time.Time) MediaItem {
	t.Helper()
	item := MediaItem{
		ID:               id,
		Title:            title,
		OriginURL:        "https://example.com/" + id,
		VideoURL:         "https://cdn.example.com/" + id + ".mp4",
		ThumbnailURL:     "https://cdn.example.com/" + id + ".jpg",
		ObjectPath:       id[0:4] + "/" + id[4:8] + "/" + id,
		TimestampCreated: created,
	}
	if err := l.InsertPending(context.Background(), item); err != nil {
		t.Fatalf("InsertPending(%s): %v", id, err)
	}
	return item
}

func TestOpenAppliesMigrations(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.DatadirLocation(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DatadirLocation on fresh db: got err %v, want ErrNotFound", err)
	}
}

func TestSetDatadirLocationIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	if err := l.SetDatadirLocation(ctx, "/var/lib/mediabin/data"); err != nil {
		t.Fatalf("SetDatadirLocation: %v", err)
	}
	if err := l.SetDatadirLocation(ctx, "/somewhere/else"); err != nil {
		t.Fatalf("SetDatadirLocation (second call): %v", err)
	}

	got, err := l.DatadirLocation(ctx)
	if err != nil {
		t.Fatalf("DatadirLocation: %v", err)
	}
	if got != "/var/lib/mediabin/data" {
		t.Fatalf("DatadirLocation = %q, want first-written value unchanged", got)
	}
}

func TestInsertPendingRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	insertItem(t, l, "abc123", "First Cut", time.Now())

	dup := MediaItem{ID: "abc123", Title: "Different Title", OriginURL: "x", VideoURL: "y",
		ThumbnailURL: "z", ObjectPath: "abc/123/abc123", TimestampCreated: time.Now()}
	if err := l.InsertPending(ctx, dup); !errors.Is(err, ErrDuplicateItem) {
		t.Fatalf("InsertPending duplicate: got err %v, want ErrDuplicateItem", err)
	}
}

func TestPromoteMarkCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	insertItem(t, l, "lifecycle1", "A Talk", time.Now())

	id, _, ok, err := l.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if !ok || id != "lifecycle1" {
		t.Fatalf("NextPending = (%q, %v), want (lifecycle1, true)", id, ok)
	}

	if err := l.PromoteToDownloading(ctx, id); err != nil {
		t.Fatalf("PromoteToDownloading: %v", err)
	}
	if err := l.PromoteToDownloading(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second PromoteToDownloading: got err %v, want ErrNotFound (no longer pending)", err)
	}

	if err := l.MarkComplete(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	item, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != StatusComplete {
		t.Fatalf("Status = %q, want complete", item.Status)
	}
	if item.TimestampInstalled == nil || item.TimestampUpdated == nil {
		t.Fatalf("expected both timestamps stamped on completion, got %+v", item)
	}
}

func TestMarkErrorOnUnknownIDReturnsNotFound(t *testing.T) {
	l := openTestLedger(t)
	if err := l.MarkError(context.Background(), "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkError on unknown id: got err %v, want ErrNotFound", err)
	}
}

func TestResetDownloadingToPendingRecoversCrashedJobs(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	insertItem(t, l, "crash1", "Interrupted", time.Now())
	insertItem(t, l, "crash2", "Also Interrupted", time.Now())
	insertItem(t, l, "steady", "Untouched", time.Now())

	if err := l.PromoteToDownloading(ctx, "crash1"); err != nil {
		t.Fatalf("PromoteToDownloading(crash1): %v", err)
	}
	if err := l.PromoteToDownloading(ctx, "crash2"); err != nil {
		t.Fatalf("PromoteToDownloading(crash2): %v", err)
	}

	n, err := l.ResetDownloadingToPending(ctx)
	if err != nil {
		t.Fatalf("ResetDownloadingToPending: %v", err)
	}
	if n != 2 {
		t.Fatalf("ResetDownloadingToPending reset %d rows, want 2", n)
	}

	for _, id := range []string{"crash1", "crash2", "steady"} {
		item, err := l.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if item.Status != StatusPending {
			t.Fatalf("item %s status = %q, want pending after reset", id, item.Status)
		}
	}
}

func TestListCurrentIncludesPendingAndDownloadingOnly(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	insertItem(t, l, "p1", "Pending One", time.Now())
	insertItem(t, l, "d1", "Downloading One", time.Now())
	insertItem(t, l, "c1", "Complete One", time.Now())

	if err := l.PromoteToDownloading(ctx, "d1"); err != nil {
		t.Fatalf("PromoteToDownloading: %v", err)
	}
	if err := l.PromoteToDownloading(ctx, "c1"); err != nil {
		t.Fatalf("PromoteToDownloading: %v", err)
	}
	if err := l.MarkComplete(ctx, "c1", time.Now()); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	items, err := l.ListCurrent(ctx)
	if err != nil {
		t.Fatalf("ListCurrent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ListCurrent returned %d items, want 2", len(items))
	}
	seen := map[string]bool{}
	for _, it := range items {
		seen[it.ID] = true
	}
	if !seen["p1"] || !seen["d1"] {
		t.Fatalf("ListCurrent = %+v, want p1 and d1", items)
	}
}

func TestListCompleteOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	base := time.Now().Add(-time.Hour)

	complete := func(id, title string, updated time.Time, tags ...string) {
		insertItem(t, l, id, title, base)
		if err := l.PromoteToDownloading(ctx, id); err != nil {
			t.Fatalf("PromoteToDownloading(%s): %v", id, err)
		}
		if err := l.MarkComplete(ctx, id, updated); err != nil {
			t.Fatalf("MarkComplete(%s): %v", id, err)
		}
		for _, tag := range tags {
			if err := l.AddTag(ctx, id, tag); err != nil {
				t.Fatalf("AddTag(%s, %s): %v", id, tag, err)
			}
		}
	}

	complete("zzz", "Zebra Documentary", base.Add(3*time.Minute), "nature")
	complete("aaa", "Aardvark Documentary", base.Add(2*time.Minute), "nature", "africa")
	complete("mmm", "Midnight Jazz Set", base.Add(1*time.Minute), "music")

	all, err := l.ListComplete(ctx, "", nil)
	if err != nil {
		t.Fatalf("ListComplete: %v", err)
	}
	if len(all) != 3 || all[0].ID != "zzz" || all[1].ID != "aaa" || all[2].ID != "mmm" {
		t.Fatalf("ListComplete order = %v, want [zzz aaa mmm] by timestamp_updated DESC", idsOf(all))
	}

	byTitle, err := l.ListComplete(ctx, "documentary", nil)
	if err != nil {
		t.Fatalf("ListComplete(documentary): %v", err)
	}
	if len(byTitle) != 2 {
		t.Fatalf("ListComplete(documentary) = %v, want 2 matches", idsOf(byTitle))
	}

	byTag, err := l.ListComplete(ctx, "", []string{"nature", "africa"})
	if err != nil {
		t.Fatalf("ListComplete(tags): %v", err)
	}
	if len(byTag) != 1 || byTag[0].ID != "aaa" {
		t.Fatalf("ListComplete(nature+africa) = %v, want [aaa]", idsOf(byTag))
	}
}

func idsOf(items []MediaItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestNextPendingReturnsFalseWhenEmpty(t *testing.T) {
	l := openTestLedger(t)
	_, _, ok, err := l.NextPending(context.Background())
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if ok {
		t.Fatalf("NextPending on empty ledger: ok = true, want false")
	}
}
