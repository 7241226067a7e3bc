package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"shopmirror-backend/lib/scrapers/odoo"
	"shopmirror-backend/services/catalog/store"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxListingPages caps pagination per category against broken next
// links that would loop forever.
const maxListingPages = 100

// runSync drives one complete sync cycle. The caller holds the Running
// state; this function never runs concurrently with itself.
func (s *Service) runSync(ctx context.Context) store.SyncRun {
	ctx, span := tracer.Start(ctx, "runSync")
	defer span.End()

	run := store.SyncRun{
		ID:    s.newRunId(),
		Start: time.Now(),
	}
	slog.InfoContext(ctx, "sync started", "run", run.ID)

	fresh, completed, err := s.crawl(ctx)
	if err != nil {
		// never reconcile a partial crawl: removals computed from an
		// incomplete record set would wrongly drop live products
		run.End = time.Now()
		run.Outcome = store.OutcomeFailed
		if completed > 0 {
			run.Outcome = store.OutcomePartial
		}
		run.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl aborted")
		slog.ErrorContext(ctx, "sync aborted, catalog untouched",
			"run", run.ID, "completed_categories", completed, "err", err)
		s.store.RecordRun(run)
		return run
	}

	catalog, summary := reconcile(s.store.Snapshot(), fresh, run.Start)
	run.Added = summary.Added
	run.Updated = summary.Updated
	run.Removed = summary.Removed
	run.Warnings = append(run.Warnings, summary.Warnings...)

	run.Warnings = append(run.Warnings, s.assets.ensureImages(ctx, catalog.Products)...)

	run.End = time.Now()
	run.Outcome = store.OutcomeSuccess
	err = s.store.Replace(catalog, run)
	if err != nil {
		// persistence failure is always fatal to the attempt, the
		// previous file stays in place
		run.Outcome = store.OutcomeFailed
		run.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		slog.ErrorContext(ctx, "persist catalog", "run", run.ID, "err", err)
		s.store.RecordRun(run)
		return run
	}

	span.SetAttributes(
		attribute.Int("added", run.Added),
		attribute.Int("updated", run.Updated),
		attribute.Int("removed", run.Removed),
		attribute.Int("warnings", len(run.Warnings)),
	)
	slog.InfoContext(ctx, "sync completed",
		"run", run.ID,
		"added", run.Added,
		"updated", run.Updated,
		"removed", run.Removed,
		"products", len(catalog.Products),
		"categories", len(catalog.Categories),
	)
	return run
}

// crawl walks the whole storefront: category tree, then every listing
// page of every category, then detail pages for products not yet in the
// catalog. Page fetches are strictly sequential, the scraper client
// enforces the inter-request delay. Returns how many categories were
// fully crawled when an error aborts the walk.
func (s *Service) crawl(ctx context.Context) (freshRecords, int, error) {
	ctx, span := tracer.Start(ctx, "crawl")
	defer span.End()

	var fresh freshRecords

	err := s.scraper.Connect(ctx)
	if err != nil {
		return fresh, 0, err
	}

	shopDoc, err := s.scraper.GetDocument(ctx, "/shop")
	if err != nil {
		return fresh, 0, fmt.Errorf("fetch shop root: %w", err)
	}
	categories, err := s.scraper.ParseCategories(ctx, shopDoc)
	if err != nil {
		return fresh, 0, err
	}
	slog.InfoContext(ctx, "categories discovered", "count", len(categories))

	products := map[string]*store.Product{}
	var productOrder []string

	completed := 0
	for i := range categories {
		cat := &categories[i]
		err := s.crawlCategory(ctx, cat, products, &productOrder, &fresh)
		if err != nil {
			return fresh, completed, fmt.Errorf("category %s (%q): %w", cat.ID, cat.Name, err)
		}
		completed++
	}

	for i := range categories {
		fresh.categories = append(fresh.categories, store.Category{
			ID:     categories[i].ID,
			Name:   categories[i].Name,
			URL:    categories[i].URL,
			Parent: categories[i].Parent,
		})
	}

	parentOf := map[string]string{}
	for _, cat := range categories {
		parentOf[cat.ID] = cat.Parent
	}
	existing := s.store.Snapshot()
	known := map[string]bool{}
	for _, p := range existing.Products {
		known[p.ID] = true
	}

	for _, id := range productOrder {
		p := products[id]
		finalizeMembership(p, parentOf)

		// detail pages are only worth a fetch for products the
		// catalog has never seen, descriptions rarely change
		if !known[p.ID] && s.fetchDetails {
			doc, err := s.scraper.GetDocument(ctx, p.SourceURL)
			if err != nil {
				return fresh, completed, fmt.Errorf("product detail %s: %w", p.ID, err)
			}
			p.Description = odoo.ParseProductDetail(doc)
		}
		fresh.products = append(fresh.products, *p)
	}

	span.SetAttributes(
		attribute.Int("categories", len(fresh.categories)),
		attribute.Int("products", len(fresh.products)),
	)
	return fresh, completed, nil
}

// crawlCategory fetches the category's own page (for the breadcrumb
// parent), then follows listing pagination until an empty page, a
// repeated url or the page cap.
func (s *Service) crawlCategory(
	ctx context.Context,
	cat *odoo.Category,
	products map[string]*store.Product,
	order *[]string,
	fresh *freshRecords,
) error {
	ctx, span := tracer.Start(ctx, "crawlCategory")
	defer span.End()
	span.SetAttributes(attribute.String("category", cat.ID))

	pageURL := cat.URL
	visited := map[string]bool{}
	total := 0

	for page := 1; pageURL != "" && !visited[pageURL]; page++ {
		if page > maxListingPages {
			slog.WarnContext(ctx, "page cap reached", "category", cat.ID)
			fresh.warnings = append(fresh.warnings, fmt.Sprintf(
				"category %s: stopped after %d pages", cat.ID, maxListingPages,
			))
			break
		}
		visited[pageURL] = true

		doc, err := s.scraper.GetDocument(ctx, pageURL)
		if err != nil {
			return err
		}
		if page == 1 {
			cat.Parent = odoo.ParseBreadcrumbParent(doc)
		}

		records, warnings, err := s.scraper.ParseProductGrid(ctx, doc)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fresh.warnings = append(fresh.warnings, fmt.Sprintf("category %s: %s", cat.ID, w))
		}
		for _, record := range records {
			warn := mergeRecord(record, cat.ID, products, order)
			if warn != "" {
				fresh.warnings = append(fresh.warnings, warn)
			}
		}
		total += len(records)

		if len(records) == 0 {
			break
		}
		pageURL = s.scraper.NextPage(doc)
	}

	slog.DebugContext(ctx, "category crawled", "category", cat.ID, "products", total)
	return nil
}

// mergeRecord folds one grid card into the crawl accumulator. The same
// product showing up in several categories is normal (parent and child
// listings overlap) and merges membership; the same derived id with a
// different source url is a genuine collision where the later record in
// fetch order wins, never silently.
func mergeRecord(
	record odoo.Product,
	categoryId string,
	products map[string]*store.Product,
	order *[]string,
) (warning string) {
	current, ok := products[record.ID]
	if ok && current.SourceURL == record.URL {
		if !slices.Contains(current.CategoryIDs, categoryId) {
			current.CategoryIDs = append(current.CategoryIDs, categoryId)
		}
		return ""
	}
	if ok {
		warning = fmt.Sprintf(
			"duplicate product id %s (%q replaces %q)",
			record.ID, record.Name, current.Name,
		)
		slog.Warn("duplicate product id", "id", record.ID, "kept", record.Name)
	} else {
		*order = append(*order, record.ID)
	}
	products[record.ID] = &store.Product{
		ID:          record.ID,
		Name:        record.Name,
		Code:        record.Code,
		Description: record.Description,
		Price:       record.Price,
		CategoryIDs: []string{categoryId},
		ImageURL:    record.ImageURL,
		SourceURL:   record.URL,
	}
	return warning
}

// finalizeMembership picks the product's primary category (the deepest
// one it was listed under) and expands membership with parent chains,
// the way the source site files products under both a subcategory and
// its parent.
func finalizeMembership(p *store.Product, parentOf map[string]string) {
	primary := ""
	for _, id := range p.CategoryIDs {
		if parentOf[id] != "" {
			primary = id
			break
		}
	}
	if primary == "" && len(p.CategoryIDs) > 0 {
		primary = p.CategoryIDs[0]
	}
	p.CategoryID = primary

	var expanded []string
	for _, id := range p.CategoryIDs {
		for id != "" && !slices.Contains(expanded, id) {
			expanded = append(expanded, id)
			id = parentOf[id]
		}
	}
	p.CategoryIDs = expanded
}
