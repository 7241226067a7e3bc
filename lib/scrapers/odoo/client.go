package odoo

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"shopmirror-backend/lib/telemetry"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

// Client fetches pages off a single Odoo storefront. All requests go
// through one resty client so the cookie jar, the retry policy and the
// inter-request delay apply to every page uniformly.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	// guards the minimum delay between consecutive requests, the
	// storefront blocks clients that hammer it
	limiterMu sync.Mutex
	lastReq   time.Time
	delay     time.Duration
}

type ClientOptions struct {
	BaseUrl string
	// minimum wall-clock gap between two consecutive requests,
	// defaults to 2s
	Delay time.Duration
	// bounded retries for transient failures, defaults to 3
	Retries int
	// base wait between retries, defaults to 2s
	RetryWait time.Duration
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		return nil, fmt.Errorf("base url %q is not absolute", opts.BaseUrl)
	}
	if opts.Delay == 0 {
		opts.Delay = time.Second * 2
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Second * 2
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeaders(map[string]string{
		"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language":           "es-ES,es;q=0.9,en;q=0.8",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Cache-Control":             "max-age=0",
	})
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	client.SetRetryCount(opts.Retries)
	client.SetRetryWaitTime(opts.RetryWait)
	client.SetRetryMaxWaitTime(opts.RetryWait * 10)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return res.StatusCode() >= 500 || res.StatusCode() == 429
	})

	c := &Client{
		BaseUrl: baseUrl,
		Http:    client,
		delay:   opts.Delay,
	}
	client.OnBeforeRequest(func(_ *resty.Client, _ *resty.Request) error {
		c.waitTurn()
		return nil
	})
	telemetry.InstrumentResty(client, "shopmirror.scrapers/odoo/http")

	return c, nil
}

// waitTurn blocks until at least `delay` has passed since the previous
// request left this client. This is a sequencing constraint on every
// page fetch, not a best-effort hint.
func (c *Client) waitTurn() {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	since := time.Since(c.lastReq)
	if since < c.delay {
		time.Sleep(c.delay - since)
	}
	c.lastReq = time.Now()
}

// Connect probes the shop root so a dead or blocking storefront fails
// the sync before any crawling starts.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Connect")
	defer span.End()

	_, err := c.GetDocument(ctx, "/shop")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storefront unreachable")
		return fmt.Errorf("connect to %s: %w", c.BaseUrl, err)
	}
	return nil
}

// GetDocument fetches `ref` (absolute, or relative to the base url) and
// parses the body into a goquery document. Transient failures have been
// retried by the time an error is returned here.
func (c *Client) GetDocument(ctx context.Context, ref string) (*goquery.Document, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(ref)
	if err != nil {
		return nil, err
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("GET %s: status %d", res.Request.URL, res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return nil, fmt.Errorf("parse html from %s: %w", res.Request.URL, err)
	}
	return doc, nil
}

// Resolve joins a possibly-relative href against the storefront base.
func (c *Client) Resolve(href string) string {
	link, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return c.BaseUrl.ResolveReference(link).String()
}
