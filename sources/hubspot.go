package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

type hubspotFetcher struct {
	client       *apiClient
	updatedSince string
}

func NewHubspotFetcher(secretRef string, updatedSince string) (Fetcher, error) {
	client, err := newAPIClient("hubspot", secretRef)
	if err != nil {
		return nil, err
	}
	return &hubspotFetcher{client: client, updatedSince: updatedSince}, nil
}

func (f *hubspotFetcher) Source() string { return "hubspot" }

type hubspotContact struct {
	ID         string `json:"id"`
	Properties struct {
		Email     string `json:"email"`
		FirstName string `json:"firstname"`
		LastName  string `json:"lastname"`
		Phone     string `json:"phone"`
	} `json:"properties"`
	UpdatedAt string `json:"updatedAt"`
}

type hubspotListResponse struct {
	Results []json.RawMessage `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// HubSpot pages with paging.next.after; absence of paging.next means done.
func (f *hubspotFetcher) FetchPage(ctx context.Context, cursor string) (Page, error) {
	params := url.Values{}
	params.Set("limit", pageLimitParam(100))
	params.Set("properties", "email,firstname,lastname,phone")
	if cursor != "" {
		params.Set("after", cursor)
	}
	if f.updatedSince != "" {
		params.Set("updatedAfter", f.updatedSince)
	}

	var resp hubspotListResponse
	if err := f.client.getJSON(ctx, "/crm/v3/objects/contacts", params, &resp); err != nil {
		return Page{}, err
	}

	var page Page
	if resp.Paging != nil && resp.Paging.Next != nil && resp.Paging.Next.After != "" {
		page.HasMore = true
		page.NextCursor = resp.Paging.Next.After
	}
	for _, raw := range resp.Results {
		var contact hubspotContact
		if err := json.Unmarshal(raw, &contact); err != nil {
			continue
		}
		if strings.TrimSpace(contact.ID) == "" {
			continue
		}
		fullName := strings.TrimSpace(strings.TrimSpace(contact.Properties.FirstName) + " " + strings.TrimSpace(contact.Properties.LastName))
		page.Records = append(page.Records, RawRecord{
			ExternalId:      contact.ID,
			Email:           strings.ToLower(strings.TrimSpace(contact.Properties.Email)),
			Phone:           strings.TrimSpace(contact.Properties.Phone),
			FullName:        fullName,
			SourceUpdatedAt: parseTimePtr(contact.UpdatedAt),
			Raw:             raw,
		})
	}
	return page, nil
}
