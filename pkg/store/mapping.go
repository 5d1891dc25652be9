package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/territory"
)

type mappingDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MappingSource persists the account -> territory table and can warm a
// shared cache so replicas pick up mapping changes without hitting postgres.
type MappingSource struct {
	DB       mappingDB
	Cache    Cache
	CacheTTL time.Duration
}

const mappingCacheKey = "territory:mapping"

// Load reads all mapping rows and builds an immutable Mapping.
func (s *MappingSource) Load(ctx context.Context) (*territory.Mapping, error) {
	if m, ok := s.loadCached(ctx); ok {
		return m, nil
	}
	rows, err := s.DB.Query(ctx, `SELECT account, territory FROM territory_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pairs := map[string][]models.TerritoryTag{}
	for rows.Next() {
		var account, tag string
		if err := rows.Scan(&account, &tag); err != nil {
			return nil, err
		}
		account = territory.NormalizeAccount(account)
		pairs[account] = append(pairs[account], models.TerritoryTag(tag))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.storeCached(ctx, pairs)
	return territory.NewMapping(pairs), nil
}

// Save replaces one account's territory rows. The account is stored in its
// normalized spelling so a later revoke cannot miss rows written under a
// different case.
func (s *MappingSource) Save(ctx context.Context, account string, territories []models.TerritoryTag) error {
	account = territory.NormalizeAccount(account)
	if _, err := s.DB.Exec(ctx, `DELETE FROM territory_mappings WHERE account=$1`, account); err != nil {
		return err
	}
	for _, tag := range territories {
		if _, err := s.DB.Exec(ctx,
			`INSERT INTO territory_mappings (account, territory) VALUES ($1,$2)`,
			account, string(tag)); err != nil {
			return err
		}
	}
	s.invalidate(ctx)
	return nil
}

func (s *MappingSource) loadCached(ctx context.Context) (*territory.Mapping, bool) {
	if s.Cache == nil {
		return nil, false
	}
	raw, err := s.Cache.Get(ctx, mappingCacheKey)
	if err != nil || raw == "" {
		return nil, false
	}
	var pairs map[string][]models.TerritoryTag
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, false
	}
	return territory.NewMapping(pairs), true
}

func (s *MappingSource) storeCached(ctx context.Context, pairs map[string][]models.TerritoryTag) {
	if s.Cache == nil {
		return
	}
	ttl := s.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if b, err := json.Marshal(pairs); err == nil {
		_ = s.Cache.Set(ctx, mappingCacheKey, string(b), ttl)
	}
}

func (s *MappingSource) invalidate(ctx context.Context) {
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, mappingCacheKey)
	}
}
