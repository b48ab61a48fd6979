package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"horse.fit/storyline/internal/assign"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/payloadschema"
	"horse.fit/storyline/internal/relevance"
	"horse.fit/storyline/internal/settings"
	"horse.fit/storyline/internal/store"
)

const maxBodyBytes = 4 << 20

type eventSummary struct {
	EventID              int64          `json:"event_id"`
	Title                string         `json:"title"`
	Summary              string         `json:"summary,omitempty"`
	Status               string         `json:"status"`
	EventType            string         `json:"event_type"`
	ArticleCount         int            `json:"article_count"`
	SpectrumDistribution map[string]int `json:"spectrum_distribution"`
	DetectedCountries    []string       `json:"detected_countries"`
	CentroidEntities     []string       `json:"centroid_entities"`
	FirstArticleAt       time.Time      `json:"first_article_at"`
	LastArticleAt        time.Time      `json:"last_article_at"`
}

type eventMember struct {
	ArticleID       int64           `json:"article_id"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	SourceDomain    string          `json:"source_domain"`
	IsInternational bool            `json:"is_international"`
	LinkType        string          `json:"link_type"`
	SimilarityScore *float64        `json:"similarity_score"`
	Breakdown       json.RawMessage `json:"scoring_breakdown,omitempty"`
	LinkedAt        time.Time       `json:"linked_at"`
}

type enrichByIDsRequest struct {
	ArticleIDs []int64 `json:"article_ids"`
}

type internationalRequest struct {
	Keywords   []string               `json:"keywords"`
	Candidates []internationalArticle `json:"candidates"`
}

type internationalArticle struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Content     string     `json:"content"`
	SourceName  string     `json:"source_name"`
	Language    string     `json:"language"`
	PublishedAt *time.Time `json:"published_at"`
}

type settingRequest struct {
	Value *string `json:"value"`
}

func (s *Server) handleHealth(c echo.Context) error {
	data := map[string]any{
		"service": "storyline",
		"time":    globaltime.UTC(),
	}
	if s.svc.Store != nil {
		data["cache_enabled"] = s.svc.Store.CacheEnabled()
		data["read_source"] = string(s.svc.Store.ReadSource())
	}
	return success(c, data)
}

func (s *Server) handleIngest(c echo.Context) error {
	if s.svc.Ingest == nil {
		return unavailable(c, "ingest")
	}
	body, err := readBody(c)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	items, err := payloadschema.ValidateArticleBatch(body)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	result, err := s.svc.Ingest.IngestBatch(c.Request().Context(), items)
	if err != nil {
		s.logger.Error().Err(err).Msg("ingest batch failed")
		return internalError(c, "Failed to ingest articles")
	}
	return successWithStatus(c, http.StatusCreated, map[string]any{
		"inserted":    result.Inserted,
		"duplicates":  result.Duplicates,
		"failed":      result.Failed,
		"article_ids": nonNilIDs(result.ArticleIDs),
	})
}

func (s *Server) handleEnrichPending(c echo.Context) error {
	if s.svc.Enrich == nil {
		return unavailable(c, "enrichment")
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), 0, 0, 10_000)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	result, err := s.svc.Enrich.EnrichPending(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Int("limit", limit).Msg("enrich pending failed")
		return internalError(c, "Failed to enrich articles")
	}
	return success(c, enrichPayload(result.BatchID, result.Processed, result.Skipped, result.ModelVersion))
}

func (s *Server) handleEnrichByIDs(c echo.Context) error {
	if s.svc.Enrich == nil {
		return unavailable(c, "enrichment")
	}
	var req enrichByIDsRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if len(req.ArticleIDs) == 0 {
		return failValidation(c, map[string]string{"article_ids": "at least one id is required"})
	}

	result, err := s.svc.Enrich.EnrichByIDs(c.Request().Context(), req.ArticleIDs)
	if err != nil {
		s.logger.Error().Err(err).Int("ids", len(req.ArticleIDs)).Msg("enrich by ids failed")
		return internalError(c, "Failed to enrich articles")
	}
	return success(c, enrichPayload(result.BatchID, result.Processed, result.Skipped, result.ModelVersion))
}

func (s *Server) handleAssignArticle(c echo.Context) error {
	if s.svc.Assign == nil {
		return unavailable(c, "assignment")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	out, err := s.svc.Assign.AssignArticle(c.Request().Context(), id)
	switch {
	case errors.Is(err, assign.ErrArticleNotFound):
		return failNotFound(c, "Article not found")
	case errors.Is(err, assign.ErrArticleNotEnriched):
		return fail(c, http.StatusConflict, "Article is not enriched", nil)
	case errors.Is(err, settings.ErrInvalidValue):
		return fail(c, http.StatusUnprocessableEntity, err.Error(), nil)
	case err != nil:
		s.logger.Error().Err(err).Int64("article_id", id).Msg("assign article failed")
		return internalError(c, "Failed to assign article")
	}

	data := map[string]any{
		"article_id": out.ArticleID,
		"event_id":   out.EventID,
		"action":     out.Action,
		"link_type":  out.LinkType,
		"score":      out.Score,
		"decided_by": out.DecidedBy,
	}
	if out.CacheErr != nil {
		data["cache_error"] = out.CacheErr.Error()
	}
	return success(c, data)
}

func (s *Server) handleAssignPending(c echo.Context) error {
	if s.svc.Assign == nil {
		return unavailable(c, "assignment")
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), 200, 1, 10_000)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	summary, err := s.svc.Assign.AssignPending(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Int("limit", limit).Msg("assign pending failed")
		return internalError(c, "Failed to assign articles")
	}
	return success(c, map[string]any{
		"linked":         summary.Linked,
		"spawned":        summary.Spawned,
		"already_linked": summary.AlreadyLinked,
		"failed":         summary.Failed,
	})
}

func (s *Server) handleEventDetail(c echo.Context) error {
	if s.svc.Store == nil {
		return unavailable(c, "store")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	var (
		event    db.Event
		links    []db.EventArticle
		articles []db.Article
	)
	err = s.svc.Store.Read(c.Request().Context(), func(q *gorm.DB) error {
		if err := q.First(&event, id).Error; err != nil {
			return err
		}
		if err := q.Where("event_id = ?", id).Order("linked_at, article_id").Find(&links).Error; err != nil {
			return err
		}
		if len(links) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(links))
		for _, l := range links {
			ids = append(ids, l.ArticleID)
		}
		return q.Select("article_id", "title", "url", "source_domain", "is_international").
			Where("article_id IN ?", ids).
			Find(&articles).Error
	})
	if db.IsNotFound(err) {
		return failNotFound(c, "Event not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("event_id", id).Msg("load event failed")
		return internalError(c, "Failed to load event")
	}

	byID := make(map[int64]db.Article, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
	}
	members := make([]eventMember, 0, len(links))
	for _, l := range links {
		a := byID[l.ArticleID]
		members = append(members, eventMember{
			ArticleID:       l.ArticleID,
			Title:           a.Title,
			URL:             a.URL,
			SourceDomain:    a.SourceDomain,
			IsInternational: a.IsInternational,
			LinkType:        l.LinkType,
			SimilarityScore: l.SimilarityScore,
			Breakdown:       json.RawMessage(l.ScoringBreakdown),
			LinkedAt:        l.LinkedAt,
		})
	}

	return success(c, map[string]any{
		"event":   toEventSummary(&event),
		"members": members,
	})
}

func (s *Server) handleAttachInternational(c echo.Context) error {
	if s.svc.Relevance == nil {
		return unavailable(c, "relevance")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}
	var req internationalRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if len(req.Keywords) == 0 {
		return failValidation(c, map[string]string{"keywords": "at least one keyword is required"})
	}

	candidates := make([]relevance.Candidate, 0, len(req.Candidates))
	for _, a := range req.Candidates {
		candidates = append(candidates, relevance.Candidate{
			URL:         a.URL,
			Title:       a.Title,
			Summary:     a.Summary,
			Content:     a.Content,
			SourceName:  a.SourceName,
			Language:    a.Language,
			PublishedAt: a.PublishedAt,
		})
	}

	result, err := s.svc.Relevance.AttachInternational(c.Request().Context(), id, candidates, req.Keywords)
	if errors.Is(err, relevance.ErrEventNotFound) {
		return failNotFound(c, "Event not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("event_id", id).Msg("attach international failed")
		return internalError(c, "Failed to attach international articles")
	}
	return success(c, map[string]any{
		"event_id":    result.EventID,
		"candidates":  result.Candidates,
		"attached":    result.Attached,
		"article_ids": nonNilIDs(result.ArticleIDs),
	})
}

func (s *Server) handleCacheSync(c echo.Context) error {
	if s.svc.Store == nil {
		return unavailable(c, "store")
	}
	kind, err := store.ParseKind(c.QueryParam("kind"))
	if err != nil {
		return failValidation(c, map[string]string{"kind": err.Error()})
	}
	batchSize, err := parsePositiveInt(c.QueryParam("batch_size"), store.DefaultBackfillBatchSize, 1, 10_000)
	if err != nil {
		return failValidation(c, map[string]string{"batch_size": err.Error()})
	}

	result, err := s.svc.Store.Backfill(c.Request().Context(), kind, batchSize)
	if errors.Is(err, store.ErrCacheUnavailable) {
		return fail(c, http.StatusConflict, "Cache store is not enabled", nil)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("cache backfill failed")
		return internalError(c, "Failed to sync cache")
	}
	return success(c, map[string]any{
		"kind":   kind,
		"synced": result.Synced,
		"failed": result.Failed,
	})
}

func (s *Server) handleListSettings(c echo.Context) error {
	if s.svc.Settings == nil {
		return unavailable(c, "settings")
	}
	values, err := s.svc.Settings.All(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("load settings failed")
		return internalError(c, "Failed to load settings")
	}
	return success(c, map[string]any{"settings": values})
}

func (s *Server) handleGetSetting(c echo.Context) error {
	if s.svc.Settings == nil {
		return unavailable(c, "settings")
	}
	key := strings.ToLower(strings.TrimSpace(c.Param("key")))
	values, err := s.svc.Settings.All(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("load setting failed")
		return internalError(c, "Failed to load setting")
	}
	value, ok := values[key]
	if !ok {
		return failNotFound(c, "Setting not found")
	}
	return success(c, map[string]any{"key": key, "value": value})
}

func (s *Server) handlePutSetting(c echo.Context) error {
	if s.svc.Settings == nil {
		return unavailable(c, "settings")
	}
	key := strings.ToLower(strings.TrimSpace(c.Param("key")))
	var req settingRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if req.Value == nil {
		return failValidation(c, map[string]string{"value": "is required"})
	}
	if err := settings.ValidateValue(key, *req.Value); err != nil {
		return failValidation(c, map[string]string{"value": err.Error()})
	}

	if err := s.svc.Settings.Set(c.Request().Context(), key, *req.Value); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("save setting failed")
		return internalError(c, "Failed to save setting")
	}
	return success(c, map[string]any{"key": key, "value": *req.Value})
}

func toEventSummary(e *db.Event) eventSummary {
	return eventSummary{
		EventID:              e.ID,
		Title:                e.Title,
		Summary:              e.Summary,
		Status:               e.Status,
		EventType:            e.EventType,
		ArticleCount:         e.ArticleCount,
		SpectrumDistribution: e.SpectrumDistribution.Data(),
		DetectedCountries:    nonNilStrings(e.DetectedCountries),
		CentroidEntities:     nonNilStrings(e.CentroidEntities),
		FirstArticleAt:       e.FirstArticleAt,
		LastArticleAt:        e.LastArticleAt,
	}
}

func enrichPayload(batchID string, processed, skipped int, version int64) map[string]any {
	return map[string]any{
		"batch_id":      batchID,
		"processed":     processed,
		"skipped":       skipped,
		"model_version": version,
	}
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("body is required")
	}
	return body, nil
}

func decodeJSONBody(c echo.Context, dst any) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return id, nil
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
