package db

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EventStatusActive = "active"
	EventStatusClosed = "closed"

	LinkTypeScored        = "scored"
	LinkTypeOracle        = "oracle"
	LinkTypeSeed          = "seed"
	LinkTypeInternational = "international"

	SkipReasonEmptyText = "empty_normalized_text"
)

// Entity is one typed named entity stored on an article.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Article maps articles. A NULL normalized_text with enrichment_skipped=false means
// enrichment is still pending.
type Article struct {
	ID              int64      `gorm:"column:article_id;primaryKey;autoIncrement"`
	GUID            string     `gorm:"column:guid;not null;uniqueIndex"`
	URL             string     `gorm:"column:url;not null;uniqueIndex"`
	Title           string     `gorm:"column:title;not null"`
	Content         string     `gorm:"column:content;not null"`
	Summary         string     `gorm:"column:summary;not null"`
	SourceName      string     `gorm:"column:source_name;not null"`
	SourceDomain    string     `gorm:"column:source_domain;not null;index"`
	SourceCountry   *string    `gorm:"column:source_country"`
	IsInternational bool       `gorm:"column:is_international;not null"`
	Language        string     `gorm:"column:language;not null"`
	PublishedAt     *time.Time `gorm:"column:published_at;index"`
	FetchedAt       time.Time  `gorm:"column:fetched_at;not null"`

	NormalizedText      *string                               `gorm:"column:normalized_text"`
	Tokens              datatypes.JSONSlice[string]           `gorm:"column:tokens"`
	Embedding           datatypes.JSONSlice[float64]          `gorm:"column:embedding"`
	TFIDF               datatypes.JSONType[map[string]float64] `gorm:"column:tfidf"`
	Entities            datatypes.JSONSlice[Entity]           `gorm:"column:entities"`
	ExtractedDates      datatypes.JSONSlice[string]           `gorm:"column:extracted_dates"`
	ExtractedLocations  datatypes.JSONSlice[string]           `gorm:"column:extracted_locations"`
	EventType           string                                `gorm:"column:event_type;not null"`
	LexicalModelVersion int64                                 `gorm:"column:lexical_model_version;not null"`
	EnrichedAt          *time.Time                            `gorm:"column:enriched_at"`
	EnrichmentSkipped   bool                                  `gorm:"column:enrichment_skipped;not null"`
	SkipReason          *string                               `gorm:"column:skip_reason"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Article) TableName() string { return "articles" }

// IsEnriched reports whether the article carries a complete feature set.
func (a *Article) IsEnriched() bool {
	if a == nil || a.NormalizedText == nil || a.EnrichmentSkipped {
		return false
	}
	return a.EnrichedAt != nil
}

// EntityTexts returns the lower-cased entity surface forms used for overlap scoring.
func (a *Article) EntityTexts() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Entities))
	for _, ent := range a.Entities {
		out = append(out, ent.Text)
	}
	return out
}

// Event maps events. Centroid columns hold the running mean over the
// CentroidCount articles linked as seed or scored; international attachments
// only count towards ArticleCount.
type Event struct {
	ID                   int64                                 `gorm:"column:event_id;primaryKey;autoIncrement"`
	Title                string                                `gorm:"column:title;not null"`
	Summary              string                                `gorm:"column:summary;not null"`
	Status               string                                `gorm:"column:status;not null;index:idx_events_status_last,priority:1"`
	EventType            string                                `gorm:"column:event_type;not null"`
	ArticleCount         int                                   `gorm:"column:article_count;not null"`
	CentroidCount        int                                   `gorm:"column:centroid_count;not null;default:0"`
	SpectrumDistribution datatypes.JSONType[map[string]int]    `gorm:"column:spectrum_distribution"`
	DetectedCountries    datatypes.JSONSlice[string]           `gorm:"column:detected_countries"`
	CentroidEntities     datatypes.JSONSlice[string]           `gorm:"column:centroid_entities"`
	CentroidEmbedding    datatypes.JSONSlice[float64]          `gorm:"column:centroid_embedding"`
	CentroidTFIDF        datatypes.JSONType[map[string]float64] `gorm:"column:centroid_tfidf"`
	FirstArticleAt       time.Time                             `gorm:"column:first_article_at;not null"`
	LastArticleAt        time.Time                             `gorm:"column:last_article_at;not null;index:idx_events_status_last,priority:2"`
	EnrichedAt           *time.Time                            `gorm:"column:enriched_at"`
	InsightGeneratedAt   *time.Time                            `gorm:"column:insight_generated_at"`
	CreatedAt            time.Time                             `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time                             `gorm:"column:updated_at;not null"`
}

func (Event) TableName() string { return "events" }

// EventArticle maps event_articles. The composite key allows one link per (event, article).
type EventArticle struct {
	EventID          int64          `gorm:"column:event_id;primaryKey;autoIncrement:false"`
	ArticleID        int64          `gorm:"column:article_id;primaryKey;autoIncrement:false;index"`
	LinkType         string         `gorm:"column:link_type;not null"`
	SimilarityScore  *float64       `gorm:"column:similarity_score"`
	ScoringBreakdown datatypes.JSON `gorm:"column:scoring_breakdown;not null"`
	LinkedAt         time.Time      `gorm:"column:linked_at;not null"`
}

func (EventArticle) TableName() string { return "event_articles" }

// Setting maps settings, a last-write-wins key/value table.
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Setting) TableName() string { return "settings" }

func autoMigrateModels() []any {
	return []any{
		&Article{},
		&Event{},
		&EventArticle{},
		&Setting{},
	}
}
