// Package units contains the builtin crawler unit implementations and the
// config-driven factory that registers them at startup.
package units

import (
	"fmt"
	"time"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/registry"
)

// Unit kinds accepted by Build.
const (
	KindHTTPList = "http_list"
	KindRendered = "rendered"
	KindStatic   = "static"
)

// Spec describes one unit to construct from configuration.
type Spec struct {
	Name     string
	Kind     string
	Label    string
	Category string
	SourceID string
	BaseURL  string
	Settings map[string]any
}

// Build constructs a unit from its spec. Unknown kinds are rejected so a
// typo in config fails startup instead of failing the first run.
func Build(spec Spec) (registry.Unit, error) {
	meta := engine.CrawlerMeta{
		Name:        spec.Name,
		Label:       spec.Label,
		Category:    spec.Category,
		Description: fmt.Sprintf("%s unit for %s", spec.Kind, spec.BaseURL),
	}
	if meta.Label == "" {
		meta.Label = spec.Name
	}
	switch spec.Kind {
	case KindHTTPList:
		return NewHTTPList(meta, spec.BaseURL, spec.Settings), nil
	case KindRendered:
		return NewRendered(meta, spec.BaseURL, spec.Settings)
	case KindStatic:
		return NewStatic(meta, spec.Settings), nil
	default:
		return nil, fmt.Errorf("%w: unknown unit kind %q for %s", engine.ErrValidation, spec.Kind, spec.Name)
	}
}

// Payload keys shared by the builtin units.
const (
	payloadMaxItems = "max_items"
	payloadMaxPages = "max_pages"
)

func settingString(settings map[string]any, key, def string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

func settingDuration(settings map[string]any, key string, def time.Duration) time.Duration {
	switch v := settings[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v) * time.Second
	default:
		return def
	}
}
