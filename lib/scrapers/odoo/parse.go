package odoo

import (
	"context"
	"fmt"
	"regexp"
	"shopmirror-backend/lib/htmlutil"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrStructure means a structural anchor the parser depends on is
// missing entirely, the page is unusable as the kind it was fetched as.
var ErrStructure = fmt.Errorf("required page structure missing")

// Category is one category link extracted from the storefront, before
// reconciliation. Parent is filled in by a breadcrumb pass over the
// category's own page, not by the shop root.
type Category struct {
	ID     string
	Name   string
	URL    string
	Parent string
}

// Product is one product card or detail page as extracted, before
// validation against the catalog.
type Product struct {
	ID          string
	Name        string
	Code        string
	Description string
	Price       float64
	ImageURL    string
	URL         string
}

// category urls look like /shop/category/<slug>-<id>, some themes drop
// the slug entirely
var categoryIdSuffix = regexp.MustCompile(`/shop/category/.*?-(\d+)/?$`)
var categoryIdBare = regexp.MustCompile(`/shop/category/(\d+)/?$`)

// product urls look like /shop/<slug>-<id> or /shop/product/<slug>-<id>
var productIdSuffix = regexp.MustCompile(`/shop(?:/product)?/.*?-(\d+)(?:[?#]|$)`)
var productIdBare = regexp.MustCompile(`/shop(?:/product)?/(\d+)(?:[?#]|$)`)

func CategoryIdFromURL(href string) string {
	if m := categoryIdSuffix.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := categoryIdBare.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func ProductIdFromURL(href string) string {
	if m := productIdSuffix.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := productIdBare.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

// selector sets are tried in order, themes differ in where they render
// the category tree
var categorySelectors = []string{
	`aside a[href*="/shop/category/"], .o_wsale_categories a[href*="/shop/category/"]`,
	`nav a[href*="/shop/category/"], .navbar a[href*="/shop/category/"]`,
	`a[href*="/shop/category/"]`,
}

// ParseCategories extracts every category link on the page. The shop
// root with zero category links is a hard structural failure, the
// sidebar/nav anchor is what the whole crawl hangs off of.
func (c *Client) ParseCategories(ctx context.Context, doc *goquery.Document) ([]Category, error) {
	ctx, span := tracer.Start(ctx, "ParseCategories")
	defer span.End()

	var anchors []htmlutil.Anchor
	for _, selector := range categorySelectors {
		anchors = htmlutil.GetAnchors(ctx, doc.Find(selector))
		if len(anchors) > 0 {
			break
		}
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("%w: no category links on shop page", ErrStructure)
	}

	seen := map[string]bool{}
	var categories []Category
	for _, a := range anchors {
		id := CategoryIdFromURL(a.Href)
		if id == "" {
			id = htmlutil.Slug(a.Name)
		}
		if id == "" || a.Name == "" || seen[id] {
			continue
		}
		seen[id] = true
		categories = append(categories, Category{
			ID:   id,
			Name: a.Name,
			URL:  c.Resolve(a.Href),
		})
	}

	span.SetAttributes(attribute.Int("categories", len(categories)))
	return categories, nil
}

// ParseBreadcrumbParent reads a category page's breadcrumb trail and
// returns the id of the immediate parent category, or "" for roots.
// Trail shape: Home > Parent > ... > Current.
func ParseBreadcrumbParent(doc *goquery.Document) string {
	parent := ""
	links := doc.Find(`.breadcrumb a, nav[aria-label="breadcrumb"] a`)
	if links.Length() < 2 {
		return ""
	}
	links.Each(func(i int, s *goquery.Selection) {
		// skip home and the trailing entry for the page itself
		if i == 0 || i == links.Length()-1 {
			return
		}
		href := s.AttrOr("href", "")
		if id := CategoryIdFromURL(href); id != "" {
			parent = id
		}
	})
	return parent
}

var productGridSelectors = strings.Join([]string{
	".oe_product",
	".o_wsale_product_grid_wrapper .card",
	".oe_product_cart",
	`[itemtype*="Product"]`,
}, ", ")

var gridContainerSelector = strings.Join([]string{
	"#products_grid",
	".o_wsale_products_grid_table_wrapper",
	".oe_website_sale",
}, ", ")

// ParseProductGrid extracts every product card on a listing page.
// A page without the grid container at all is structurally broken and
// returns ErrStructure; a present-but-empty grid is a legitimate end of
// pagination. Invalid cards are dropped individually with a warning,
// they never fail the page.
func (c *Client) ParseProductGrid(ctx context.Context, doc *goquery.Document) ([]Product, []string, error) {
	ctx, span := tracer.Start(ctx, "ParseProductGrid")
	defer span.End()

	if doc.Find(gridContainerSelector).Length() == 0 {
		return nil, nil, fmt.Errorf("%w: product grid container not found", ErrStructure)
	}

	cards := doc.Find(productGridSelectors)
	if cards.Length() == 0 {
		// fallback structure some themes use
		cards = doc.Find(".o_wsale_products_grid_table_wrapper form")
	}

	var products []Product
	var warnings []string
	seen := map[string]bool{}
	cards.Each(func(_ int, card *goquery.Selection) {
		product, err := c.parseProductCard(card)
		if err != nil {
			warnings = append(warnings, err.Error())
			span.AddEvent("dropped record", trace.WithAttributes(
				attribute.String("reason", err.Error()),
			))
			return
		}
		// nested selector sets can match the same card twice
		if seen[product.ID] {
			return
		}
		seen[product.ID] = true
		products = append(products, product)
	})

	span.SetAttributes(
		attribute.Int("products", len(products)),
		attribute.Int("dropped", len(warnings)),
	)
	return products, warnings, nil
}

var productCodePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

func (c *Client) parseProductCard(card *goquery.Selection) (Product, error) {
	link := card.Find(`a[href*="/shop/"]`).First()
	if link.Length() == 0 {
		link = card.Closest("a")
	}
	if link.Length() == 0 {
		return Product{}, fmt.Errorf("product card has no link")
	}
	href := link.AttrOr("href", "")

	id := ProductIdFromURL(href)
	if id == "" {
		return Product{}, fmt.Errorf("no product id in url %q", href)
	}

	name := htmlutil.NormalizeText(
		card.Find(`.oe_product_name, h5, h6, .card-title, [itemprop="name"]`).First().Text(),
	)
	if name == "" {
		return Product{}, fmt.Errorf("product %s has no name", id)
	}

	sourceURL := c.Resolve(href)
	if sourceURL == "" {
		return Product{}, fmt.Errorf("product %s has malformed url %q", id, href)
	}

	price := 0.0
	priceText := card.Find(`.oe_currency_value, .product_price .oe_price, [itemprop="price"]`).First().Text()
	if strings.TrimSpace(priceText) != "" {
		parsed, err := htmlutil.ParsePrice(priceText)
		if err != nil {
			return Product{}, fmt.Errorf("product %s: %w", id, err)
		}
		if parsed < 0 {
			return Product{}, fmt.Errorf("product %s has negative price %f", id, parsed)
		}
		price = parsed
	}

	imageURL := ""
	img := card.Find(`img[src*="/web/image"], img[data-src*="/web/image"]`).First()
	if img.Length() > 0 {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		imageURL = c.Resolve(src)
	}

	code := ""
	codeText := htmlutil.NormalizeText(
		card.Find(".oe_product_code, .product_code, small").First().Text(),
	)
	if productCodePattern.MatchString(codeText) {
		code = codeText
	}

	return Product{
		ID:       id,
		Name:     name,
		Code:     code,
		Price:    price,
		ImageURL: imageURL,
		URL:      sourceURL,
	}, nil
}

// ParseProductDetail enriches a grid record with fields only present on
// the product's own page. The grid record is authoritative for identity;
// a detail page missing its description block just contributes nothing.
func ParseProductDetail(doc *goquery.Document) (description string) {
	sel := doc.Find(`#product_full_description, .product_description, [itemprop="description"]`).First()
	if sel.Length() == 0 {
		return ""
	}
	return htmlutil.NormalizeText(sel.Text())
}

// NextPage returns the absolute url of the next listing page, or "" at
// the end of pagination.
func (c *Client) NextPage(doc *goquery.Document) string {
	next := doc.Find(`a.page-link[rel="next"], .pagination .next a, a[aria-label="Next"]`).First()
	if next.Length() == 0 {
		return ""
	}
	href := next.AttrOr("href", "")
	if href == "" {
		return ""
	}
	return c.Resolve(href)
}
