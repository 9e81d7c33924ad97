package sources

import "fmt"

// NewFetcher builds the fetcher for an HTTP-paginated source. updatedSince is
// the incremental window (RFC3339, empty for a full sync); it is fixed for the
// life of a run so retried and resumed pages see the same window. csv-import
// and the internal sources (bulk-unify, command-center) are not fetchers and
// are handled by their own runners.
func NewFetcher(source string, secretRef string, updatedSince string) (Fetcher, error) {
	switch source {
	case "stripe":
		return NewStripeFetcher(secretRef, updatedSince)
	case "gumroad":
		return NewGumroadFetcher(secretRef, updatedSince)
	case "hubspot":
		return NewHubspotFetcher(secretRef, updatedSince)
	case "telegram":
		return NewTelegramFetcher(secretRef, updatedSince)
	default:
		return nil, fmt.Errorf("no fetcher for source %q", source)
	}
}
