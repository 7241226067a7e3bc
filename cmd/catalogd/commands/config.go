package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"shopmirror-backend/lib/configutil"
	"shopmirror-backend/lib/scrapers/odoo"
	"shopmirror-backend/lib/serviceutil"
	"shopmirror-backend/services/catalog"
	"shopmirror-backend/services/catalog/store"
	"time"
)

// Config can come from shopmirror.json5 (with .local overrides) and the
// environment; the environment wins. The storefront url, the sync
// interval and the serving port are required.
type Config struct {
	ShopBaseUrl       string `json:"shop_base_url" envconfig:"SHOP_BASE_URL"`
	SyncIntervalHours int    `json:"sync_interval_hours" envconfig:"SYNC_INTERVAL_HOURS"`
	Port              int    `json:"port" envconfig:"PORT"`

	DataDir      string `json:"data_dir" envconfig:"DATA_DIR"`
	ImagesDir    string `json:"images_dir" envconfig:"IMAGES_DIR"`
	FetchDelayMs int    `json:"fetch_delay_ms" envconfig:"FETCH_DELAY_MS"`
	FetchDetails bool   `json:"fetch_details" envconfig:"FETCH_DETAILS"`
	Verbose      bool   `json:"verbose" envconfig:"VERBOSE"`
}

func loadConfig() (Config, error) {
	cfg, err := configutil.ReadConfig[Config]("shopmirror.json5")
	if err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}
	err = configutil.ReadEnv("", &cfg)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShopBaseUrl == "" {
		return Config{}, fmt.Errorf("SHOP_BASE_URL is required")
	}
	if cfg.SyncIntervalHours <= 0 {
		return Config{}, fmt.Errorf("SYNC_INTERVAL_HOURS is required")
	}
	if cfg.Port <= 0 {
		return Config{}, fmt.Errorf("PORT is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.ImagesDir == "" {
		cfg.ImagesDir = filepath.Join(cfg.DataDir, "images", "products")
	}
	if cfg.FetchDelayMs == 0 {
		cfg.FetchDelayMs = 2000
	}
	return cfg, nil
}

func buildService(ctx context.Context, cfg Config) *catalog.Service {
	scraper, err := odoo.NewClient(ctx, odoo.ClientOptions{
		BaseUrl: cfg.ShopBaseUrl,
		Delay:   time.Duration(cfg.FetchDelayMs) * time.Millisecond,
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize storefront client", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "catalog.json"))
	if err != nil {
		serviceutil.Fatal("failed to open catalog store", err)
	}

	return catalog.NewService(ctx, scraper, st, catalog.Options{
		ImagesDir:    cfg.ImagesDir,
		FetchDetails: cfg.FetchDetails,
	})
}
