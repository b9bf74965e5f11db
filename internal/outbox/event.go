// Package outbox defines the downstream item event contract.
package outbox

import "time"

// ItemEvent is emitted once per collected item on pipeline completion.
// Delivery is at-least-once; consumers dedupe by ContentHash.
type ItemEvent struct {
	SourceURL   string    `json:"source_url"`
	ContentHash string    `json:"content_hash"`
	RawPayload  []byte    `json:"raw_payload,omitempty"`
	CrawlerName string    `json:"crawler_name"`
	CollectedAt time.Time `json:"collected_at"`
}
