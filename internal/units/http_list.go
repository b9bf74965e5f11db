package units

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/regintel/crawl-engine/internal/engine"
)

// HTTPList fetches listing pages with Colly and yields one item per linked
// article. Field-level extraction is deliberately shallow: downstream
// formatter stages own content parsing, this unit only discovers items.
type HTTPList struct {
	meta      engine.CrawlerMeta
	baseURL   string
	userAgent string
	linkQuery string
	timeout   time.Duration
}

// NewHTTPList builds an HTTPList unit. Recognized settings: user_agent,
// link_query (CSS selector, default "a[href]"), timeout_seconds.
func NewHTTPList(meta engine.CrawlerMeta, baseURL string, settings map[string]any) *HTTPList {
	return &HTTPList{
		meta:      meta,
		baseURL:   baseURL,
		userAgent: settingString(settings, "user_agent", "crawl-engine/0.1"),
		linkQuery: settingString(settings, "link_query", "a[href]"),
		timeout:   settingDuration(settings, "timeout_seconds", 15*time.Second),
	}
}

// Meta returns the unit metadata.
func (u *HTTPList) Meta() engine.CrawlerMeta { return u.meta }

// Execute visits the listing page(s) and collects linked items, honoring
// max_items and max_pages payload overrides.
func (u *HTTPList) Execute(ctx context.Context, payload engine.Payload) (engine.CrawlResult, error) {
	maxItems := payload.Int(payloadMaxItems, 50)
	maxPages := payload.Int(payloadMaxPages, 1)
	if maxPages <= 0 {
		maxPages = 1
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = u.userAgent
	c.SetRequestTimeout(u.timeout)
	c.IgnoreRobotsTxt = false

	var (
		items    []engine.Item
		fetchErr error
		pages    int
	)

	c.OnHTML(u.linkQuery, func(e *colly.HTMLElement) {
		if maxItems > 0 && len(items) >= maxItems {
			return
		}
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		items = append(items, engine.Item{
			SourceURL:   href,
			Title:       strings.TrimSpace(e.Text),
			CollectedAt: time.Now().UTC(),
		})
	})

	c.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
	})

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return engine.CrawlResult{}, engine.NewCrawlError(engine.ErrKindCanceled, err)
		}
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
		if err := u.visit(ctx, c, u.pageURL(page)); err != nil {
			fetchErr = err
			break
		}
		pages++
	}

	if fetchErr != nil && len(items) == 0 {
		return engine.CrawlResult{}, classifyFetchError(fetchErr)
	}
	if pages == 0 && len(items) == 0 {
		return engine.CrawlResult{}, engine.NewCrawlError(engine.ErrKindNetwork, errors.New("no pages fetched"))
	}
	return engine.CrawlResult{Items: items}, nil
}

// visit runs one blocking colly fetch under the caller's context.
func (u *HTTPList) visit(ctx context.Context, c *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}

func (u *HTTPList) pageURL(page int) string {
	if page <= 1 {
		return u.baseURL
	}
	sep := "?"
	if strings.Contains(u.baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", u.baseURL, sep, page)
}

func classifyFetchError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewCrawlError(engine.ErrKindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewCrawlError(engine.ErrKindCanceled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.NewCrawlError(engine.ErrKindTimeout, err)
	}
	return engine.NewCrawlError(engine.ErrKindNetwork, err)
}
