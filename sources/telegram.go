package sources

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

type telegramFetcher struct {
	client       *apiClient
	updatedSince string
}

func NewTelegramFetcher(secretRef string, updatedSince string) (Fetcher, error) {
	client, err := newAPIClient("telegram", secretRef)
	if err != nil {
		return nil, err
	}
	return &telegramFetcher{client: client, updatedSince: updatedSince}, nil
}

func (f *telegramFetcher) Source() string { return "telegram" }

type telegramMember struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	UpdatedAt string `json:"updated_at"`
}

type telegramListResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextOffset int64             `json:"next_offset"`
	HasMore    bool              `json:"has_more"`
}

// The chat-platform bridge pages with a numeric offset.
func (f *telegramFetcher) FetchPage(ctx context.Context, cursor string) (Page, error) {
	params := url.Values{}
	params.Set("limit", pageLimitParam(200))
	if cursor != "" {
		if _, err := strconv.ParseInt(cursor, 10, 64); err != nil {
			cursor = "0"
		}
		params.Set("offset", cursor)
	}
	if f.updatedSince != "" {
		params.Set("updated_since", f.updatedSince)
	}

	var resp telegramListResponse
	if err := f.client.getJSON(ctx, "/members", params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{HasMore: resp.HasMore}
	if resp.HasMore {
		page.NextCursor = strconv.FormatInt(resp.NextOffset, 10)
	}
	for _, raw := range resp.Items {
		var member telegramMember
		if err := json.Unmarshal(raw, &member); err != nil {
			continue
		}
		if member.ID == 0 {
			continue
		}
		fullName := strings.TrimSpace(strings.TrimSpace(member.FirstName) + " " + strings.TrimSpace(member.LastName))
		if fullName == "" {
			fullName = strings.TrimSpace(member.Username)
		}
		page.Records = append(page.Records, RawRecord{
			ExternalId:      strconv.FormatInt(member.ID, 10),
			Phone:           strings.TrimSpace(member.Phone),
			FullName:        fullName,
			SourceUpdatedAt: parseTimePtr(member.UpdatedAt),
			Raw:             raw,
		})
	}
	return page, nil
}
