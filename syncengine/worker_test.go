package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/audience_backend/models"
	"bitbucket.org/mmdatafocus/audience_backend/sources"
)

func TestClassifyFetchErr(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		runFatal  bool
	}{
		{"rate limited", &sources.APIError{Source: "stripe", StatusCode: 429}, true, false},
		{"server error", &sources.APIError{Source: "gumroad", StatusCode: 503}, true, false},
		{"unauthorized", &sources.APIError{Source: "hubspot", StatusCode: 401}, false, true},
		{"forbidden", &sources.APIError{Source: "telegram", StatusCode: 403}, false, true},
		{"bad request", &sources.APIError{Source: "stripe", StatusCode: 400}, false, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"plain error", errors.New("malformed page"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyFetchErr(tc.err)
			if IsTransient(got) != tc.transient {
				t.Fatalf("IsTransient = %v, want %v", IsTransient(got), tc.transient)
			}
			if IsRunFatal(got) != tc.runFatal {
				t.Fatalf("IsRunFatal = %v, want %v", IsRunFatal(got), tc.runFatal)
			}
		})
	}
}

type stubFetcher struct {
	page sources.Page
}

func (f *stubFetcher) Source() string { return models.SyncSourceStripe }

func (f *stubFetcher) FetchPage(ctx context.Context, cursor string) (sources.Page, error) {
	return f.page, nil
}

func TestFetchRunnerDryRunReportsWouldBeInserts(t *testing.T) {
	page := sources.Page{}
	for i := 0; i < 5; i++ {
		page.Records = append(page.Records, sources.RawRecord{ExternalId: fmt.Sprintf("c-%d", i)})
	}
	r := &fetchRunner{
		run:     &models.SyncRun{DryRun: true, Source: models.SyncSourceStripe},
		fetcher: &stubFetcher{page: page},
	}

	res, err := r.RunChunk(context.Background(), NewCursorCheckpoint("", ""))
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	// A dry run simulates the counts: inserted reflects what a real run would
	// have staged, without writing anything.
	if res.Fetched != 5 || res.Inserted != 5 {
		t.Fatalf("fetched=%d inserted=%d, want 5/5", res.Fetched, res.Inserted)
	}
}

func TestClassifyFetchErrKeepsCause(t *testing.T) {
	cause := &sources.APIError{Source: "stripe", StatusCode: 500, Body: "oops"}
	got := classifyFetchErr(cause)

	var apiErr *sources.APIError
	if !errors.As(got, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("wrapped error lost its cause: %v", got)
	}
}
