// Package catalog implements the scrape-and-sync pipeline: crawling the
// storefront, reconciling extracted records into the stored catalog,
// materializing product images and persisting the result atomically.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"shopmirror-backend/lib/scrapers/odoo"
	"shopmirror-backend/services/catalog/store"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrSyncInProgress is returned by triggers that arrive while a sync is
// already running. Triggers are rejected, never queued.
var ErrSyncInProgress = errors.New("sync already in progress")

type Options struct {
	// directory product images are written to
	ImagesDir string
	// fetch detail pages for products the catalog has never seen
	FetchDetails bool
}

// Service owns the sync state machine. It is the only writer over the
// catalog store; at most one sync runs at any time.
type Service struct {
	scraper      *odoo.Client
	store        *store.Store
	assets       *assetDownloader
	fetchDetails bool

	mu      sync.Mutex
	running bool

	// context triggered syncs run under, bound to process lifetime
	// rather than the lifetime of the http request that asked
	baseCtx context.Context
}

func NewService(ctx context.Context, scraper *odoo.Client, st *store.Store, opts Options) *Service {
	return &Service{
		scraper:      scraper,
		store:        st,
		assets:       newAssetDownloader(opts.ImagesDir),
		fetchDetails: opts.FetchDetails,
		baseCtx:      ctx,
	}
}

func (s *Service) Store() *store.Store {
	return s.store
}

func (s *Service) newRunId() string {
	return uuid.NewString()
}

// acquire transitions Idle -> Running, or reports a sync in flight.
func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSyncInProgress
	}
	s.running = true
	return nil
}

func (s *Service) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether a sync is currently in flight.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SyncNow runs one sync cycle synchronously. It fails fast with
// ErrSyncInProgress when another sync holds the state machine.
func (s *Service) SyncNow(ctx context.Context) (store.SyncRun, error) {
	err := s.acquire()
	if err != nil {
		return store.SyncRun{}, err
	}
	defer s.release()
	return s.runSync(ctx), nil
}

// TriggerSync starts a sync in the background, for callers like the
// manual endpoint that must not block for the duration of a crawl. The
// sync runs under the service's base context so it survives the
// caller's request.
func (s *Service) TriggerSync() error {
	err := s.acquire()
	if err != nil {
		return err
	}
	go func() {
		defer s.release()
		s.runSync(s.baseCtx)
	}()
	return nil
}

// RunScheduler performs the startup sync and then re-syncs on the
// configured interval until ctx dies. The timer goes through the same
// trigger path as the manual endpoint, so both share the
// mutual-exclusion guarantee.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) error {
	_, err := s.SyncNow(ctx)
	if err != nil {
		return err
	}

	c := cron.New()
	_, err = c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		err := s.TriggerSync()
		if errors.Is(err, ErrSyncInProgress) {
			slog.Warn("scheduled sync skipped, previous still running")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	slog.Info("sync scheduled", "interval", interval)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
