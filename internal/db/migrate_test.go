package db

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	got := splitStatements("CREATE INDEX a ON t (x);\n\n  ;CREATE INDEX b ON t (y);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(got), got)
	}
	if got[1] != "CREATE INDEX b ON t (y)" {
		t.Fatalf("unexpected second statement: %q", got[1])
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	t.Parallel()

	pool, err := OpenSQLite(context.Background(), RoleCache, "file:migrate_test?mode=memory&cache=shared", "silent", "test")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer pool.Close()

	for _, model := range autoMigrateModels() {
		if !pool.GORM().Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
	if !pool.GORM().Migrator().HasIndex(&Article{}, "idx_articles_pending") {
		t.Fatalf("expected pending article index")
	}
	if pool.Role() != RoleCache {
		t.Fatalf("unexpected role: %q", pool.Role())
	}
}

func TestArticleIsEnriched(t *testing.T) {
	t.Parallel()

	var nilArticle *Article
	if nilArticle.IsEnriched() {
		t.Fatalf("nil article must not be enriched")
	}

	text := "market rally"
	article := &Article{NormalizedText: &text}
	if article.IsEnriched() {
		t.Fatalf("article without enriched_at must not be enriched")
	}
}

func TestEventArticlesAllowOnePrimaryLinkPerArticle(t *testing.T) {
	t.Parallel()

	pool, err := OpenSQLite(context.Background(), RolePrimary, "file:primary_link_test?mode=memory&cache=shared", "silent", "test")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer pool.Close()

	gdb := pool.GORM()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	article := &Article{GUID: "g", URL: "https://nos.nl/a", Title: "a", SourceDomain: "nos.nl", FetchedAt: now}
	if err := gdb.Create(article).Error; err != nil {
		t.Fatalf("create article: %v", err)
	}
	var eventIDs []int64
	for _, title := range []string{"one", "two", "three"} {
		event := &Event{Title: title, Status: EventStatusActive, FirstArticleAt: now, LastArticleAt: now}
		if err := gdb.Create(event).Error; err != nil {
			t.Fatalf("create event: %v", err)
		}
		eventIDs = append(eventIDs, event.ID)
	}

	link := func(eventID int64, linkType string) error {
		return gdb.Create(&EventArticle{EventID: eventID, ArticleID: article.ID, LinkType: linkType, LinkedAt: now}).Error
	}
	if err := link(eventIDs[0], LinkTypeSeed); err != nil {
		t.Fatalf("seed link: %v", err)
	}
	if err := link(eventIDs[1], LinkTypeInternational); err != nil {
		t.Fatalf("international link must not conflict: %v", err)
	}
	if err := link(eventIDs[2], LinkTypeScored); err == nil {
		t.Fatalf("expected a second scored link for the same article to be rejected")
	}
}

func TestMigrationBackfillsCentroidCount(t *testing.T) {
	t.Parallel()

	pool, err := OpenSQLite(context.Background(), RolePrimary, "file:centroid_backfill_test?mode=memory&cache=shared", "silent", "test")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer pool.Close()

	gdb := pool.GORM()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &Event{Title: "legacy", Status: EventStatusActive, ArticleCount: 3, FirstArticleAt: now, LastArticleAt: now}
	if err := gdb.Create(event).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}
	for i, linkType := range []string{LinkTypeSeed, LinkTypeScored, LinkTypeInternational} {
		article := &Article{GUID: fmt.Sprintf("g%d", i), URL: fmt.Sprintf("https://nos.nl/%d", i), Title: "a", SourceDomain: "nos.nl", FetchedAt: now}
		if err := gdb.Create(article).Error; err != nil {
			t.Fatalf("create article: %v", err)
		}
		if err := gdb.Create(&EventArticle{EventID: event.ID, ArticleID: article.ID, LinkType: linkType, LinkedAt: now}).Error; err != nil {
			t.Fatalf("create link: %v", err)
		}
	}

	if err := executeMigrationSQL(context.Background(), pool, "post-auto-migrate", postAutoMigrateSQL); err != nil {
		t.Fatalf("rerun migration: %v", err)
	}
	var got Event
	if err := gdb.First(&got, event.ID).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if got.CentroidCount != 2 {
		t.Fatalf("expected centroid_count 2, got %d", got.CentroidCount)
	}
}
