package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CandidateStatus tracks a candidate product through its lifecycle in
// the promotion ledger.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
)

// MatchTier identifies which stage of the resolution funnel produced a
// product binding.
type MatchTier string

const (
	TierExact     MatchTier = "exact"
	TierFuzzy     MatchTier = "fuzzy"
	TierPromoted  MatchTier = "promoted"
	TierCandidate MatchTier = "candidate"
)

// Confidence assigned per tier. Exact alias hits are authoritative,
// fuzzy and freshly promoted bindings carry the same score, and an
// item still parked in the candidate ledger stays low.
const (
	ConfidenceExact     = 1.0
	ConfidenceFuzzy     = 0.85
	ConfidencePromoted  = 0.85
	ConfidenceCandidate = 0.60
)

// DefaultCategoryName is the fallback leaf for products without a
// recognizable category.
const DefaultCategoryName = "Other"

type Category struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Product is a canonical entry in the product index.
type Product struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Synonyms   []string   `json:"synonyms" db:"synonyms"`
	CategoryID *uuid.UUID `json:"category_id,omitempty" db:"category_id"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Alias maps one observed raw item text to a product. The confirmation
// count records how many independent receipts agreed on the mapping;
// shop and user record where the text was first sighted.
type Alias struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	RawText           string     `json:"raw_text" db:"raw_text"`
	ProductID         uuid.UUID  `json:"product_id" db:"product_id"`
	ConfirmationCount int        `json:"confirmation_count" db:"confirmation_count"`
	ShopID            *uuid.UUID `json:"shop_id,omitempty" db:"shop_id"`
	UserID            *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	FirstSeen         time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen          time.Time  `json:"last_seen" db:"last_seen"`
}

// Candidate is an unrecognized item text waiting to accumulate enough
// independent sightings to be promoted into the product index.
// ProductID is set once the candidate is approved.
type Candidate struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	RepresentativeName  string          `json:"representative_name" db:"representative_name"`
	ConfirmationCount   int             `json:"confirmation_count" db:"confirmation_count"`
	SuggestedCategoryID *uuid.UUID      `json:"suggested_category_id,omitempty" db:"suggested_category_id"`
	ProductID           *uuid.UUID      `json:"product_id,omitempty" db:"product_id"`
	Status              CandidateStatus `json:"status" db:"status"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// Resolution is the outcome of pushing one raw item text through the
// resolution funnel. ProductID is nil while the text is only a
// candidate.
type Resolution struct {
	ProductID  *uuid.UUID `json:"product_id,omitempty"`
	CategoryID *uuid.UUID `json:"category_id,omitempty"`
	Tier       MatchTier  `json:"tier"`
	Confidence float64    `json:"confidence"`
}

// NormalizeText lowercases and collapses whitespace in raw item text
// so alias and candidate lookups are insensitive to OCR spacing noise.
func NormalizeText(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}
