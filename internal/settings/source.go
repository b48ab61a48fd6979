package settings

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/store"
)

// StoreSource keeps settings in the settings table of the dual-write store.
type StoreSource struct {
	store *store.Store
}

func NewStoreSource(st *store.Store) *StoreSource {
	return &StoreSource{store: st}
}

func (s *StoreSource) LoadAll(ctx context.Context) (map[string]string, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("settings source is not initialized")
	}

	var rows []db.Setting
	err := s.store.Read(ctx, func(q *gorm.DB) error {
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func (s *StoreSource) Save(ctx context.Context, key, value string) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("settings source is not initialized")
	}

	_, err := s.store.Write(ctx, func(tx *store.Tx) error {
		return tx.Upsert(&db.Setting{
			Key:       key,
			Value:     value,
			UpdatedAt: globaltime.UTC(),
		})
	})
	return err
}
