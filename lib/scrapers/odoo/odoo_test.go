package odoo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const shopPage = `<!DOCTYPE html>
<html><body>
<aside>
	<a href="/shop/category/metal-sheets-1">Metal Sheets</a>
	<a href="/shop/category/tubes-2">Tubes</a>
	<a href="/shop/category/metal-sheets-1">Metal Sheets</a>
</aside>
<div id="products_grid">
	<div class="oe_product">
		<a href="/shop/galvanized-sheet-101">view</a>
		<h6 class="oe_product_name">Galvanized Sheet</h6>
		<span class="oe_currency_value">1,250.00</span>
		<img src="/web/image/101"/>
		<small>GS-101</small>
	</div>
	<div class="oe_product">
		<a href="/shop/steel-tube-102">view</a>
		<h6 class="oe_product_name">Steel Tube</h6>
		<span class="oe_currency_value">340.50</span>
		<img data-src="/web/image/102"/>
	</div>
	<div class="oe_product">
		<a href="/shop/broken-item-103">view</a>
		<span class="oe_currency_value">10.00</span>
	</div>
</div>
<ul class="pagination"><a class="page-link" rel="next" href="/shop?page=2">Next</a></ul>
</body></html>`

const subcategoryPage = `<!DOCTYPE html>
<html><body>
<ol class="breadcrumb">
	<a href="/">Home</a>
	<a href="/shop/category/metal-sheets-1">Metal Sheets</a>
	<a href="/shop/category/tubes-2">Tubes</a>
</ol>
<div id="products_grid"></div>
</body></html>`

const brokenPage = `<!DOCTYPE html>
<html><body><div class="totally-unrelated">nothing here</div></body></html>`

func testClient(t *testing.T, baseUrl string) *Client {
	client, err := NewClient(context.Background(), ClientOptions{
		BaseUrl:   baseUrl,
		Delay:     time.Millisecond,
		RetryWait: time.Millisecond * 10,
	})
	require.NoError(t, err)
	return client
}

func doc(t *testing.T, html string) *goquery.Document {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return d
}

func TestIdDerivation(t *testing.T) {
	require.Equal(t, "1", CategoryIdFromURL("/shop/category/metal-sheets-1"))
	require.Equal(t, "7", CategoryIdFromURL("/shop/category/7"))
	require.Equal(t, "", CategoryIdFromURL("/shop/category/no-id-here"))

	require.Equal(t, "101", ProductIdFromURL("/shop/galvanized-sheet-101"))
	require.Equal(t, "101", ProductIdFromURL("/shop/product/galvanized-sheet-101?variant=2"))
	require.Equal(t, "33", ProductIdFromURL("/shop/33"))
	require.Equal(t, "", ProductIdFromURL("/shop/category/metal-sheets-1"))
}

func TestParseCategories(t *testing.T) {
	client := testClient(t, "https://shop.example.com")

	categories, err := client.ParseCategories(context.Background(), doc(t, shopPage))
	require.NoError(t, err)
	require.Len(t, categories, 2)
	require.Equal(t, "1", categories[0].ID)
	require.Equal(t, "Metal Sheets", categories[0].Name)
	require.Equal(t, "https://shop.example.com/shop/category/metal-sheets-1", categories[0].URL)
	require.Equal(t, "2", categories[1].ID)
}

func TestParseCategoriesMissingAnchor(t *testing.T) {
	client := testClient(t, "https://shop.example.com")

	_, err := client.ParseCategories(context.Background(), doc(t, brokenPage))
	require.ErrorIs(t, err, ErrStructure)
}

func TestParseBreadcrumbParent(t *testing.T) {
	require.Equal(t, "1", ParseBreadcrumbParent(doc(t, subcategoryPage)))
	// a root category page has no intermediate breadcrumb entries
	require.Equal(t, "", ParseBreadcrumbParent(doc(t, shopPage)))
}

func TestParseProductGrid(t *testing.T) {
	client := testClient(t, "https://shop.example.com")

	products, warnings, err := client.ParseProductGrid(context.Background(), doc(t, shopPage))
	require.NoError(t, err)

	// the nameless card is dropped with a warning, not the page
	require.Len(t, products, 2)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "103")

	require.Equal(t, "101", products[0].ID)
	require.Equal(t, "Galvanized Sheet", products[0].Name)
	require.Equal(t, "GS-101", products[0].Code)
	require.Equal(t, 1250.0, products[0].Price)
	require.Equal(t, "https://shop.example.com/web/image/101", products[0].ImageURL)
	require.Equal(t, "https://shop.example.com/shop/galvanized-sheet-101", products[0].URL)

	// data-src images count too
	require.Equal(t, "https://shop.example.com/web/image/102", products[1].ImageURL)
	require.Equal(t, "", products[1].Code)
}

func TestParseProductGridMissingContainer(t *testing.T) {
	client := testClient(t, "https://shop.example.com")

	_, _, err := client.ParseProductGrid(context.Background(), doc(t, brokenPage))
	require.ErrorIs(t, err, ErrStructure)
}

func TestNextPage(t *testing.T) {
	client := testClient(t, "https://shop.example.com")

	require.Equal(t,
		"https://shop.example.com/shop?page=2",
		client.NextPage(doc(t, shopPage)),
	)
	require.Equal(t, "", client.NextPage(doc(t, subcategoryPage)))
}

func TestRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(shopPage))
	}))
	defer server.Close()

	delay := time.Millisecond * 50
	client, err := NewClient(context.Background(), ClientOptions{
		BaseUrl: server.URL,
		Delay:   delay,
	})
	require.NoError(t, err)

	const requests = 4
	start := time.Now()
	for i := 0; i < requests; i++ {
		_, err := client.GetDocument(context.Background(), "/shop")
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, delay*(requests-1))
}

func TestRetryTransient(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(shopPage))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.GetDocument(context.Background(), "/shop")
	require.NoError(t, err)
	require.Equal(t, int32(3), hits.Load())
}

func TestNotFoundFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.GetDocument(context.Background(), "/missing")
	require.Error(t, err)
	require.Equal(t, int32(1), hits.Load())
}
