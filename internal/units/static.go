package units

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/regintel/crawl-engine/internal/engine"
)

// Static returns a fixed number of synthetic items. It exists for local
// development and smoke tests of the pipeline without outbound traffic.
type Static struct {
	meta  engine.CrawlerMeta
	count int
}

// NewStatic builds a Static unit. settings.item_count controls how many
// items each run yields (default 3).
func NewStatic(meta engine.CrawlerMeta, settings map[string]any) *Static {
	count := 3
	switch v := settings["item_count"].(type) {
	case int:
		count = v
	case float64:
		count = int(v)
	}
	return &Static{meta: meta, count: count}
}

// Meta returns the unit metadata.
func (s *Static) Meta() engine.CrawlerMeta { return s.meta }

// Execute yields the configured synthetic items, honoring max_items.
func (s *Static) Execute(ctx context.Context, payload engine.Payload) (engine.CrawlResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.CrawlResult{}, engine.NewCrawlError(engine.ErrKindCanceled, err)
	}
	count := s.count
	if max := payload.Int(payloadMaxItems, 0); max > 0 && max < count {
		count = max
	}
	now := time.Now().UTC()
	items := make([]engine.Item, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, engine.Item{
			SourceURL:   fmt.Sprintf("static://%s/%d", s.meta.Name, i),
			Title:       fmt.Sprintf("%s item %d", s.meta.Label, i),
			RawPayload:  []byte(fmt.Sprintf(`{"index":%d}`, i)),
			CollectedAt: now,
		})
	}
	return engine.CrawlResult{Items: items}, nil
}

// Failing always returns a classified error. Test helper for failure paths.
type Failing struct {
	meta engine.CrawlerMeta
	kind engine.ErrorKind
}

// NewFailing builds a unit that fails with the given classification.
func NewFailing(meta engine.CrawlerMeta, kind engine.ErrorKind) *Failing {
	return &Failing{meta: meta, kind: kind}
}

// Meta returns the unit metadata.
func (f *Failing) Meta() engine.CrawlerMeta { return f.meta }

// Execute fails with the configured classification.
func (f *Failing) Execute(context.Context, engine.Payload) (engine.CrawlResult, error) {
	return engine.CrawlResult{}, engine.NewCrawlError(f.kind, errors.New("synthetic failure"))
}
