package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type stripeFetcher struct {
	client       *apiClient
	updatedSince string
}

func NewStripeFetcher(secretRef string, updatedSince string) (Fetcher, error) {
	client, err := newAPIClient("stripe", secretRef)
	if err != nil {
		return nil, err
	}
	return &stripeFetcher{client: client, updatedSince: updatedSince}, nil
}

func (f *stripeFetcher) Source() string { return "stripe" }

type stripeCustomer struct {
	ID         string      `json:"id"`
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	Phone      string      `json:"phone"`
	Created    int64       `json:"created"`
	TotalSpent json.Number `json:"total_spent"`
}

type stripeListResponse struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// Stripe pages with starting_after carrying the last object id of the
// previous page.
func (f *stripeFetcher) FetchPage(ctx context.Context, cursor string) (Page, error) {
	params := url.Values{}
	params.Set("limit", pageLimitParam(100))
	if cursor != "" {
		params.Set("starting_after", cursor)
	}
	if t, err := time.Parse(time.RFC3339, f.updatedSince); err == nil {
		params.Set("created[gte]", strconv.FormatInt(t.Unix(), 10))
	}

	var resp stripeListResponse
	if err := f.client.getJSON(ctx, "/v1/customers", params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{HasMore: resp.HasMore}
	for _, raw := range resp.Data {
		var cust stripeCustomer
		if err := json.Unmarshal(raw, &cust); err != nil {
			continue
		}
		if strings.TrimSpace(cust.ID) == "" {
			continue
		}
		rec := RawRecord{
			ExternalId: cust.ID,
			Email:      strings.ToLower(strings.TrimSpace(cust.Email)),
			Phone:      strings.TrimSpace(cust.Phone),
			FullName:   strings.TrimSpace(cust.Name),
			TotalSpent: decimalFromNumber(cust.TotalSpent),
			Raw:        raw,
		}
		if cust.Created > 0 {
			t := time.Unix(cust.Created, 0).UTC()
			rec.SourceUpdatedAt = &t
		}
		page.Records = append(page.Records, rec)
		page.NextCursor = cust.ID
	}
	if !page.HasMore {
		page.NextCursor = ""
	}
	return page, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
