package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"shopmirror-backend/lib/scrapers/odoo"
	"shopmirror-backend/services/catalog/store"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const storefrontRoot = `<!DOCTYPE html><html><body>
<aside>
	<a href="/shop/category/sheets-1">Sheets</a>
	<a href="/shop/category/tubes-2">Tubes</a>
</aside>
</body></html>`

const sheetsPage1 = `<!DOCTYPE html><html><body>
<ol class="breadcrumb"><a href="/">Home</a><a href="/shop/category/sheets-1">Sheets</a></ol>
<div id="products_grid">
	<div class="oe_product">
		<a href="/shop/sheet-a-101">view</a>
		<h6 class="oe_product_name">Sheet A</h6>
		<span class="oe_currency_value">100.00</span>
		<img src="/web/image/101"/>
		<small>SH-101</small>
	</div>
	<div class="oe_product">
		<a href="/shop/sheet-b-102">view</a>
		<h6 class="oe_product_name">Sheet B</h6>
		<span class="oe_currency_value">200.00</span>
		<img src="/web/image/102"/>
	</div>
</div>
<a class="page-link" rel="next" href="/shop/category/sheets-1?page=2">Next</a>
</body></html>`

const sheetsPage2 = `<!DOCTYPE html><html><body>
<ol class="breadcrumb"><a href="/">Home</a><a href="/shop/category/sheets-1">Sheets</a></ol>
<div id="products_grid"></div>
</body></html>`

// tubes is a child of sheets, and it lists Sheet A a second time the way
// overlapping storefront listings do
const tubesPage = `<!DOCTYPE html><html><body>
<ol class="breadcrumb"><a href="/">Home</a><a href="/shop/category/sheets-1">Sheets</a><a href="/shop/category/tubes-2">Tubes</a></ol>
<div id="products_grid">
	<div class="oe_product">
		<a href="/shop/tube-a-201">view</a>
		<h6 class="oe_product_name">Tube A</h6>
		<span class="oe_currency_value">50.00</span>
		<img src="/web/image/201"/>
	</div>
	<div class="oe_product">
		<a href="/shop/sheet-a-101">view</a>
		<h6 class="oe_product_name">Sheet A</h6>
		<span class="oe_currency_value">100.00</span>
		<img src="/web/image/101"/>
		<small>SH-101</small>
	</div>
</div>
</body></html>`

type fakeStorefront struct {
	server *httptest.Server

	mu        sync.Mutex
	failTubes bool
	blockShop chan struct{}

	imageHits  atomic.Int32
	detailHits atomic.Int32
}

func newFakeStorefront(t *testing.T) *fakeStorefront {
	f := &fakeStorefront{}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeStorefront) setFailTubes(fail bool) {
	f.mu.Lock()
	f.failTubes = fail
	f.mu.Unlock()
}

func (f *fakeStorefront) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	failTubes := f.failTubes
	block := f.blockShop
	f.mu.Unlock()

	switch r.URL.Path {
	case "/shop":
		if block != nil {
			<-block
		}
		w.Write([]byte(storefrontRoot))
	case "/shop/category/sheets-1":
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(sheetsPage2))
			return
		}
		w.Write([]byte(sheetsPage1))
	case "/shop/category/tubes-2":
		if failTubes {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(tubesPage))
	case "/shop/sheet-a-101", "/shop/sheet-b-102", "/shop/tube-a-201":
		f.detailHits.Add(1)
		w.Write([]byte(`<html><body><div id="product_full_description">
			Industrial grade stock item
		</div></body></html>`))
	case "/web/image/101", "/web/image/102", "/web/image/201":
		f.imageHits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestService(t *testing.T, f *fakeStorefront, dataDir string) *Service {
	scraper, err := odoo.NewClient(context.Background(), odoo.ClientOptions{
		BaseUrl:   f.server.URL,
		Delay:     time.Millisecond,
		Retries:   1,
		RetryWait: time.Millisecond,
	})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dataDir, "catalog.json"))
	require.NoError(t, err)

	return NewService(context.Background(), scraper, st, Options{
		ImagesDir:    filepath.Join(dataDir, "images", "products"),
		FetchDetails: true,
	})
}

func TestSyncEndToEnd(t *testing.T) {
	f := newFakeStorefront(t)
	dataDir := t.TempDir()
	service := newTestService(t, f, dataDir)

	run, err := service.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, run.Outcome)
	require.Equal(t, 3, run.Added)
	require.Equal(t, 0, run.Updated)
	require.Equal(t, 0, run.Removed)
	require.NotEmpty(t, run.ID)

	snapshot := service.Store().Snapshot()
	require.Len(t, snapshot.Categories, 2)
	sheets, ok := snapshot.Category("1")
	require.True(t, ok)
	require.Equal(t, "", sheets.Parent)
	require.Equal(t, []string{"2"}, sheets.Children)
	tubes, ok := snapshot.Category("2")
	require.True(t, ok)
	require.Equal(t, "1", tubes.Parent)

	// newest-id first
	require.Len(t, snapshot.Products, 3)
	require.Equal(t, "201", snapshot.Products[0].ID)
	require.Equal(t, "102", snapshot.Products[1].ID)
	require.Equal(t, "101", snapshot.Products[2].ID)

	// Sheet A was listed under both categories: primary is the deeper
	// one, membership covers both
	sheetA := snapshot.Products[2]
	require.Equal(t, "2", sheetA.CategoryID)
	require.ElementsMatch(t, []string{"1", "2"}, sheetA.CategoryIDs)
	require.Equal(t, "SH-101", sheetA.Code)
	require.Equal(t, "Industrial grade stock item", sheetA.Description)

	// images landed on disk under their product ids
	require.Equal(t, "/images/products/101.jpg", sheetA.Image)
	_, err = os.Stat(filepath.Join(dataDir, "images", "products", "101.jpg"))
	require.NoError(t, err)
	require.Equal(t, int32(3), f.imageHits.Load())
	require.Equal(t, int32(3), f.detailHits.Load())

	// the catalog survives a restart
	reopened, err := store.Open(filepath.Join(dataDir, "catalog.json"))
	require.NoError(t, err)
	require.Len(t, reopened.Snapshot().Products, 3)
	require.Equal(t, run.ID, reopened.LastRun().ID)
}

func TestSecondSyncIsIdempotent(t *testing.T) {
	f := newFakeStorefront(t)
	dataDir := t.TempDir()
	service := newTestService(t, f, dataDir)

	_, err := service.SyncNow(context.Background())
	require.NoError(t, err)

	run, err := service.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, run.Outcome)
	require.Equal(t, 0, run.Added)
	require.Equal(t, 0, run.Updated)
	require.Equal(t, 0, run.Removed)

	// known products cost zero image and zero detail requests
	require.Equal(t, int32(3), f.imageHits.Load())
	require.Equal(t, int32(3), f.detailHits.Load())
}

func TestFailedSyncLeavesCatalogUntouched(t *testing.T) {
	f := newFakeStorefront(t)
	dataDir := t.TempDir()
	service := newTestService(t, f, dataDir)

	_, err := service.SyncNow(context.Background())
	require.NoError(t, err)

	path := filepath.Join(dataDir, "catalog.json")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	f.setFailTubes(true)
	run, err := service.SyncNow(context.Background())
	require.NoError(t, err)
	// sheets completed before the walk died, tubes never did
	require.Equal(t, store.OutcomePartial, run.Outcome)
	require.NotEmpty(t, run.Error)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	// readers still see the previous good catalog, and the failure
	require.Len(t, service.Store().Snapshot().Products, 3)
	require.Equal(t, store.OutcomePartial, service.Store().LastRun().Outcome)
}

func TestConcurrentSyncRejected(t *testing.T) {
	f := newFakeStorefront(t)
	service := newTestService(t, f, t.TempDir())

	block := make(chan struct{})
	f.mu.Lock()
	f.blockShop = block
	f.mu.Unlock()

	err := service.TriggerSync()
	require.NoError(t, err)
	require.Eventually(t, service.Running, time.Second, time.Millisecond*5)

	require.ErrorIs(t, service.TriggerSync(), ErrSyncInProgress)
	_, err = service.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)

	f.mu.Lock()
	f.blockShop = nil
	f.mu.Unlock()
	close(block)

	require.Eventually(t, func() bool { return !service.Running() },
		time.Second*5, time.Millisecond*10)
	require.Equal(t, store.OutcomeSuccess, service.Store().LastRun().Outcome)
}
