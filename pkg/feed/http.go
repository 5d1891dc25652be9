package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/httpx"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

type HTTPConfig struct {
	URL        string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
	Client     *http.Client
}

// HTTPSource pulls the full record set from an upstream feed endpoint that
// returns a JSON array of records. Each Fetch is one pull; the upstream is
// the source of truth and nothing is accumulated locally.
type HTTPSource struct {
	cfg HTTPConfig
}

func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url required")
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{cfg: cfg}, nil
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]models.ClaimRecord, error) {
	status, body, err := httpx.RequestJSON(ctx, s.cfg.Client, http.MethodGet, s.cfg.URL, nil, s.cfg.Headers, s.cfg.Retries, s.cfg.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("feed fetch: unexpected status %d", status)
	}
	var recs []models.ClaimRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("feed decode: %w", err)
	}
	return recs, nil
}
