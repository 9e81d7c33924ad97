package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

type gumroadFetcher struct {
	client       *apiClient
	updatedSince string
}

func NewGumroadFetcher(secretRef string, updatedSince string) (Fetcher, error) {
	client, err := newAPIClient("gumroad", secretRef)
	if err != nil {
		return nil, err
	}
	return &gumroadFetcher{client: client, updatedSince: updatedSince}, nil
}

func (f *gumroadFetcher) Source() string { return "gumroad" }

type gumroadSale struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	FullName  string      `json:"full_name"`
	Price     json.Number `json:"price"`
	CreatedAt string      `json:"created_at"`
}

type gumroadListResponse struct {
	Success bool              `json:"success"`
	Sales   []json.RawMessage `json:"sales"`
	PageKey string            `json:"page_key"`
}

// Gumroad pages with an opaque page_key; an empty key on the response means
// the last page.
func (f *gumroadFetcher) FetchPage(ctx context.Context, cursor string) (Page, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("page_key", cursor)
	}
	if t, err := time.Parse(time.RFC3339, f.updatedSince); err == nil {
		params.Set("after", t.Format("2006-01-02"))
	}

	var resp gumroadListResponse
	if err := f.client.getJSON(ctx, "/v2/sales", params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{
		HasMore:    resp.PageKey != "",
		NextCursor: resp.PageKey,
	}
	for _, raw := range resp.Sales {
		var sale gumroadSale
		if err := json.Unmarshal(raw, &sale); err != nil {
			continue
		}
		if strings.TrimSpace(sale.ID) == "" {
			continue
		}
		page.Records = append(page.Records, RawRecord{
			ExternalId:      sale.ID,
			Email:           strings.ToLower(strings.TrimSpace(sale.Email)),
			FullName:        strings.TrimSpace(sale.FullName),
			TotalSpent:      decimalFromNumber(sale.Price),
			SourceUpdatedAt: parseTimePtr(sale.CreatedAt),
			Raw:             raw,
		})
	}
	return page, nil
}
