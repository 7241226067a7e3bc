package catalog

import (
	"fmt"
	"log/slog"
	"shopmirror-backend/services/catalog/store"
	"slices"
	"strconv"
	"time"
)

// freshRecords is the accumulated output of one complete crawl, before
// reconciliation against the stored catalog.
type freshRecords struct {
	categories []store.Category
	products   []store.Product
	warnings   []string
}

// reconcile merges a fully completed crawl into the existing catalog.
// Records absent from the crawl are removed, that is only sound because
// callers never reconcile a partial crawl. Category parent/child links
// are rebuilt from scratch so restructurings on the source site can't
// leave stale references behind.
func reconcile(existing store.Catalog, fresh freshRecords, now time.Time) (store.Catalog, store.SyncRun) {
	run := store.SyncRun{
		Warnings: slices.Clone(fresh.warnings),
	}

	categories, catWarnings := rebuildCategories(fresh.categories)
	run.Warnings = append(run.Warnings, catWarnings...)

	known := map[string]bool{}
	for _, cat := range categories {
		known[cat.ID] = true
	}

	existingById := map[string]store.Product{}
	for _, p := range existing.Products {
		existingById[p.ID] = p
	}

	var products []store.Product
	seen := map[string]int{}
	for _, p := range fresh.products {
		// referential integrity: a product whose category did not
		// survive the crawl can't be represented
		if !known[p.CategoryID] {
			run.Warnings = append(run.Warnings, fmt.Sprintf(
				"product %s (%q) references unknown category %s, dropped",
				p.ID, p.Name, p.CategoryID,
			))
			continue
		}
		p.CategoryIDs = filterKnown(p.CategoryIDs, known)
		p.LastSeen = now

		if idx, dup := seen[p.ID]; dup {
			// duplicate derived id: the later record in fetch order
			// wins, but never silently
			run.Warnings = append(run.Warnings, fmt.Sprintf(
				"duplicate product id %s (%q replaces %q)",
				p.ID, p.Name, products[idx].Name,
			))
			slog.Warn("duplicate product id", "id", p.ID, "kept", p.Name)
			products[idx] = withCarriedImage(p, existingById)
			continue
		}
		seen[p.ID] = len(products)
		products = append(products, withCarriedImage(p, existingById))
	}

	for i, p := range products {
		prev, ok := existingById[p.ID]
		if !ok {
			run.Added++
			continue
		}
		if productChanged(prev, p) {
			run.Updated++
			continue
		}
		// unchanged: keep everything from before except the
		// freshened last-seen timestamp
		prev.LastSeen = p.LastSeen
		products[i] = prev
	}
	for _, p := range existing.Products {
		if _, ok := seen[p.ID]; !ok {
			run.Removed++
		}
	}

	// newest products first, matching the source's own ordering
	slices.SortFunc(products, func(a, b store.Product) int {
		return compareIdsDesc(a.ID, b.ID)
	})

	return store.Catalog{
		Categories: categories,
		Products:   products,
	}, run
}

// rebuildCategories deduplicates crawled categories (later fetch order
// wins, with a warning) and reconstructs the parent/child forest.
func rebuildCategories(fresh []store.Category) ([]store.Category, []string) {
	var warnings []string
	var order []string
	byId := map[string]store.Category{}
	for _, cat := range fresh {
		cat.Children = nil
		if _, dup := byId[cat.ID]; dup {
			warnings = append(warnings, fmt.Sprintf(
				"duplicate category id %s (%q), later record wins", cat.ID, cat.Name,
			))
		} else {
			order = append(order, cat.ID)
		}
		byId[cat.ID] = cat
	}

	for _, id := range order {
		cat := byId[id]
		if cat.Parent == "" {
			continue
		}
		parent, ok := byId[cat.Parent]
		if !ok || cat.Parent == cat.ID {
			// dangling or self parent would break the forest
			cat.Parent = ""
			byId[id] = cat
			continue
		}
		parent.Children = append(parent.Children, id)
		byId[cat.Parent] = parent
	}

	out := make([]store.Category, len(order))
	for i, id := range order {
		out[i] = byId[id]
	}
	return out, warnings
}

// withCarriedImage carries forward fields the crawl does not re-fetch
// for known products: the downloaded image (when the source image url
// hasn't moved, so unchanged products cost zero image requests per
// sync) and the detail-page description.
func withCarriedImage(p store.Product, existing map[string]store.Product) store.Product {
	prev, ok := existing[p.ID]
	if !ok {
		return p
	}
	if prev.ImageURL == p.ImageURL {
		p.Image = prev.Image
	}
	if p.Description == "" {
		p.Description = prev.Description
	}
	return p
}

func productChanged(prev, next store.Product) bool {
	if prev.Name != next.Name ||
		prev.Code != next.Code ||
		prev.Description != next.Description ||
		prev.Price != next.Price ||
		prev.CategoryID != next.CategoryID ||
		prev.ImageURL != next.ImageURL ||
		prev.SourceURL != next.SourceURL {
		return true
	}
	return !slices.Equal(prev.CategoryIDs, next.CategoryIDs)
}

func filterKnown(ids []string, known map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if known[id] && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// ids off the storefront are numeric, fall back to lexicographic for
// slug-derived ones
func compareIdsDesc(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case an > bn:
			return -1
		case an < bn:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}
