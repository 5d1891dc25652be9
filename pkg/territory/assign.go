package territory

import (
	"hash/fnv"
	"strings"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

// The closed tag set. Unmatched hash buckets overflow into TagOther.
const (
	TagOhio       models.TerritoryTag = "OH"
	TagIndiana    models.TerritoryTag = "IN"
	TagIllinois   models.TerritoryTag = "IL"
	TagNewYork    models.TerritoryTag = "NY"
	TagCalifornia models.TerritoryTag = "CA"
	TagTexas      models.TerritoryTag = "TX"
	TagOther      models.TerritoryTag = "OTHER"
)

var tags = []models.TerritoryTag{
	TagOhio,
	TagIndiana,
	TagIllinois,
	TagNewYork,
	TagCalifornia,
	TagTexas,
}

// Tags returns the closed tag set, overflow tag excluded.
func Tags() []models.TerritoryTag {
	out := make([]models.TerritoryTag, len(tags))
	copy(out, tags)
	return out
}

// Assign maps a record key to its territory tag. Same key, same tag, across
// every recomputation: the tag is an FNV-1a bucket of the key, with no
// randomness anywhere, so row-visibility decisions cannot flap between
// refreshes.
func Assign(recordKey string) models.TerritoryTag {
	key := strings.TrimSpace(recordKey)
	if key == "" {
		return TagOther
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(len(tags)+1))
	if idx == len(tags) {
		return TagOther
	}
	return tags[idx]
}
