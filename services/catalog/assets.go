package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"shopmirror-backend/lib/telemetry"
	"shopmirror-backend/services/catalog/store"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

// assetWorkers bounds parallel image downloads. Images live on a
// different resource than the listing pages, so they are not subject to
// the page fetcher's sequencing delay.
const assetWorkers = 4

// PublicImagePrefix is the url path the serving layer mounts the image
// directory under; stored image references are public paths so the
// catalog file is directly servable.
const PublicImagePrefix = "/images/products"

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

type assetDownloader struct {
	http *resty.Client
	dir  string
}

func newAssetDownloader(dir string) *assetDownloader {
	client := resty.New()
	client.SetHeader("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	client.SetTimeout(time.Second * 30)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(time.Second)
	telemetry.InstrumentResty(client, "shopmirror.services/catalog/assets")

	return &assetDownloader{
		http: client,
		dir:  dir,
	}
}

// existingImage reports a previously downloaded file for this product,
// whatever extension it was saved with.
func (d *assetDownloader) existingImage(productId string) string {
	for _, ext := range []string{".jpg", ".png", ".webp"} {
		name := productId + ext
		_, err := os.Stat(filepath.Join(d.dir, name))
		if err == nil {
			return path.Join(PublicImagePrefix, name)
		}
	}
	return ""
}

// ensureImage makes sure the product's image exists on disk and returns
// its public path. Idempotent: a product whose image is already present
// costs zero requests.
func (d *assetDownloader) ensureImage(ctx context.Context, product store.Product) (string, error) {
	if product.ImageURL == "" {
		return "", nil
	}
	if local := d.existingImage(product.ID); local != "" {
		return local, nil
	}

	res, err := d.http.R().
		SetContext(ctx).
		Get(product.ImageURL)
	if err != nil {
		return "", fmt.Errorf("download image for product %s: %w", product.ID, err)
	}
	if res.StatusCode() != 200 {
		return "", fmt.Errorf("download image for product %s: status %d", product.ID, res.StatusCode())
	}

	contentType := strings.Split(res.Header().Get("Content-Type"), ";")[0]
	ext, ok := imageExtensions[strings.TrimSpace(contentType)]
	if !ok {
		ext = ".jpg"
	}

	err = os.MkdirAll(d.dir, 0755)
	if err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	name := product.ID + ext
	err = os.WriteFile(filepath.Join(d.dir, name), res.Body(), 0644)
	if err != nil {
		return "", fmt.Errorf("write image for product %s: %w", product.ID, err)
	}

	return path.Join(PublicImagePrefix, name), nil
}

// ensureImages materializes images for every product in place. Failures
// are independent: a failed download leaves that product's image
// reference empty and becomes a warning, eligible for retry on the next
// cycle. It never fails the sync.
func (d *assetDownloader) ensureImages(ctx context.Context, products []store.Product) []string {
	ctx, span := tracer.Start(ctx, "ensureImages")
	defer span.End()

	var mu sync.Mutex
	var warnings []string

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(assetWorkers)
	for i := range products {
		if products[i].Image != "" || products[i].ImageURL == "" {
			continue
		}
		i := i
		group.Go(func() error {
			local, err := d.ensureImage(ctx, products[i])
			if err != nil {
				slog.WarnContext(ctx, "image download failed",
					"product", products[i].ID, "err", err)
				mu.Lock()
				warnings = append(warnings, err.Error())
				mu.Unlock()
				return nil
			}
			mu.Lock()
			products[i].Image = local
			mu.Unlock()
			return nil
		})
	}
	// workers never return errors, Wait only synchronizes
	_ = group.Wait()

	return warnings
}
