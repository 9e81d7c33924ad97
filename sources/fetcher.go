package sources

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is one customer-shaped record as emitted by a source, normalized
// just enough to stage. Identity resolution happens later, in unify.
type RawRecord struct {
	ExternalId      string
	Email           string
	Phone           string
	FullName        string
	TotalSpent      decimal.Decimal
	SourceUpdatedAt *time.Time
	Raw             json.RawMessage
}

// Page is one fetched page. NextCursor is opaque to the engine; it round-trips
// through the run checkpoint. HasMore=false ends the run.
type Page struct {
	Records    []RawRecord
	HasMore    bool
	NextCursor string
}

// Fetcher fetches one page per call. Implementations rate-limit themselves and
// must be safe to call again with the same cursor (the engine retries chunks).
type Fetcher interface {
	Source() string
	FetchPage(ctx context.Context, cursor string) (Page, error)
}
