package assign

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/db/dbtest"
	"horse.fit/storyline/internal/settings"
)

func TestAssignConcurrentSameArticleCreatesOneLink(t *testing.T) {
	t.Parallel()

	f := newFixtureOn(t, dbtest.OpenPostgres(t, 8), nil, nil)
	ctx := context.Background()
	article := f.insertArticle(t, articleSpec{
		slug: "race", domain: "nos.nl",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"storm": 1},
		entities:  []string{"Utrecht"},
	})

	const workers = 8
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.svc.AssignArticle(ctx, article.ID)
		}(i)
	}
	wg.Wait()

	spawned := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i].Action == ActionSpawned {
			spawned++
		} else {
			assert.Equal(t, ActionAlreadyLinked, outcomes[i].Action)
		}
	}
	assert.Equal(t, 1, spawned)

	var links, events int64
	require.NoError(t, f.primary.GORM().Model(&db.EventArticle{}).Where("article_id = ?", article.ID).Count(&links).Error)
	require.NoError(t, f.primary.GORM().Model(&db.Event{}).Count(&events).Error)
	assert.Equal(t, int64(1), links)
	assert.Equal(t, int64(1), events)
}

func TestAssignConcurrentLinksKeepEventAggregates(t *testing.T) {
	t.Parallel()

	f := newFixtureOn(t, dbtest.OpenPostgres(t, 8), nil, nil)
	f.set(t, map[string]string{
		settings.KeyWeightEmbedding: "0",
		settings.KeyWeightTFIDF:     "1",
		settings.KeyWeightEntities:  "0",
	})
	ctx := context.Background()

	seed := f.insertArticle(t, articleSpec{
		slug: "seed", domain: "bbc.co.uk",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"gaza": 1},
	})
	seeded, err := f.svc.AssignArticle(ctx, seed.ID)
	require.NoError(t, err)
	require.Equal(t, ActionSpawned, seeded.Action)

	const followers = 8
	ids := make([]int64, followers)
	for i := range ids {
		ids[i] = f.insertArticle(t, articleSpec{
			slug: fmt.Sprintf("follow-%d", i), domain: "theguardian.com",
			embedding: []float64{0, 1},
			tfidf:     map[string]float64{"gaza": 1},
		}).ID
	}

	errs := make([]error, followers)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.svc.AssignArticle(ctx, id)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var event db.Event
	require.NoError(t, f.primary.GORM().First(&event, seeded.EventID).Error)
	assert.Equal(t, followers+1, event.ArticleCount)
	assert.Equal(t, followers+1, event.CentroidCount)
	require.Len(t, event.CentroidEmbedding, 2)
	assert.InDelta(t, 1.0/float64(followers+1), event.CentroidEmbedding[0], 1e-9)
	assert.InDelta(t, float64(followers)/float64(followers+1), event.CentroidEmbedding[1], 1e-9)
}
