package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EnrichBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyline_enrich_batches_total",
			Help: "Enrichment batches by outcome.",
		},
		[]string{"outcome"},
	)
	EnrichArticles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyline_enrich_articles_total",
			Help: "Articles handled by enrichment, split into processed and skipped.",
		},
		[]string{"result"},
	)
	LexicalModelVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyline_lexical_model_version",
			Help: "Version of the most recently fitted lexical model.",
		},
	)
	AssignDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyline_assign_decisions_total",
			Help: "Event assignment decisions by action and deciding mechanism.",
		},
		[]string{"action", "decided_by"},
	)
	CacheSyncEntities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyline_cache_sync_entities_total",
			Help: "Entities mirrored to the cache store by result.",
		},
		[]string{"result"},
	)
	SettingsReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storyline_settings_reloads_total",
			Help: "Settings cache reloads from the store.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EnrichBatches,
		EnrichArticles,
		LexicalModelVersion,
		AssignDecisions,
		CacheSyncEntities,
		SettingsReloads,
	)
}
