package unify

import (
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/audience_backend/models"
	"bitbucket.org/mmdatafocus/audience_backend/utils"
	"github.com/ttacon/libphonenumber"
)

// IdentityKey is the unification key of a record: a normalized email when
// present, else a normalized phone. Records with neither are skipped.
type IdentityKey struct {
	Kind  string
	Value string
}

func ComputeIdentityKey(email string, phone string) (IdentityKey, bool) {
	if v := NormalizeEmail(email); v != "" {
		return IdentityKey{Kind: models.IdentityKindEmail, Value: v}, true
	}
	if v := NormalizePhone(phone); v != "" {
		return IdentityKey{Kind: models.IdentityKindPhone, Value: v}, true
	}
	return IdentityKey{}, false
}

func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !utils.IsValidEmail(email) {
		return ""
	}
	return email
}

// NormalizePhone canonicalizes to E.164 so the same number matches across
// sources regardless of formatting. Unparseable numbers normalize to "",
// never to a guess.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	region := strings.TrimSpace(os.Getenv("UNIFY_DEFAULT_REGION"))
	if region == "" {
		region = "US"
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return ""
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// ApplyMerge folds a staged record into a customer non-destructively:
//   - empty customer fields are filled from the record
//   - populated fields are overwritten only by a strictly newer record
//     (by source_updated_at)
//   - lifetime_revenue converges by max, since sources report cumulative
//     spend and re-emission must not inflate it
//
// Returns whether anything changed.
func ApplyMerge(cust *models.Customer, rec *models.StagedRecord) bool {
	changed := false

	recNewer := false
	if rec.SourceUpdatedAt != nil {
		if cust.LastSourceUpdatedAt == nil || rec.SourceUpdatedAt.After(*cust.LastSourceUpdatedAt) {
			recNewer = true
		}
	}

	setField := func(dst *string, src string) {
		src = strings.TrimSpace(src)
		if src == "" {
			return
		}
		if *dst == "" || (recNewer && *dst != src) {
			*dst = src
			changed = true
		}
	}
	setField(&cust.FullName, rec.FullName)
	setField(&cust.Email, NormalizeEmail(rec.Email))
	setField(&cust.Phone, NormalizePhone(rec.Phone))

	if rec.TotalSpent.GreaterThan(cust.LifetimeRevenue) {
		cust.LifetimeRevenue = rec.TotalSpent
		changed = true
	}

	if rec.SourceUpdatedAt != nil {
		if cust.FirstSeenAt == nil || rec.SourceUpdatedAt.Before(*cust.FirstSeenAt) {
			cust.FirstSeenAt = rec.SourceUpdatedAt
			changed = true
		}
		if recNewer {
			cust.LastSourceUpdatedAt = rec.SourceUpdatedAt
			changed = true
		}
	}

	return changed
}
