package units

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Rendered fetches JavaScript-heavy listing pages with headless Chrome and
// yields one item per discovered link, like HTTPList but after rendering.
type Rendered struct {
	meta        engine.CrawlerMeta
	baseURL     string
	userAgent   string
	linkQuery   string
	navTimeout  time.Duration
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewRendered builds a Rendered unit backed by a shared exec allocator.
func NewRendered(meta engine.CrawlerMeta, baseURL string, settings map[string]any) (*Rendered, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: rendered unit %s requires base_url", engine.ErrValidation, meta.Name)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Rendered{
		meta:        meta,
		baseURL:     baseURL,
		userAgent:   settingString(settings, "user_agent", "crawl-engine/0.1"),
		linkQuery:   settingString(settings, "link_query", "a[href]"),
		navTimeout:  settingDuration(settings, "nav_timeout_seconds", 45*time.Second),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Meta returns the unit metadata.
func (u *Rendered) Meta() engine.CrawlerMeta { return u.meta }

// Close cancels the allocator context.
func (u *Rendered) Close() {
	u.allocCancel()
}

type renderedLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Execute renders the listing page and collects links from the final DOM.
func (u *Rendered) Execute(ctx context.Context, payload engine.Payload) (engine.CrawlResult, error) {
	maxItems := payload.Int(payloadMaxItems, 50)

	taskCtx, taskCancel := chromedp.NewContext(u.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, u.navTimeout)
	defer cancel()

	// Abort rendering when the executor's attempt context ends.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	var links []renderedLink
	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(a => ({href: a.href, text: a.textContent.trim()}))`,
		u.linkQuery,
	)
	actions := []chromedp.Action{
		u.networkSetupAction(),
		chromedp.Navigate(u.baseURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(script, &links),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return engine.CrawlResult{}, engine.NewCrawlError(engine.ErrKindCanceled, ctx.Err())
		}
		return engine.CrawlResult{}, classifyFetchError(fmt.Errorf("chromedp run: %w", err))
	}

	now := time.Now().UTC()
	items := make([]engine.Item, 0, len(links))
	for _, link := range links {
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
		if link.Href == "" || strings.HasPrefix(link.Href, "javascript:") {
			continue
		}
		items = append(items, engine.Item{
			SourceURL:   link.Href,
			Title:       link.Text,
			CollectedAt: now,
		})
	}
	return engine.CrawlResult{Items: items}, nil
}

func (u *Rendered) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if u.userAgent != "" {
			if err := emulation.SetUserAgentOverride(u.userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
