package shops

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Shop is a retail location resolved from receipt header text.
type Shop struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	NormalizedKey string    `json:"normalized_key" db:"normalized_key"`
	Address       *string   `json:"address,omitempty" db:"address"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizeKey builds the identity key for a shop from its (name,
// address) pair: each half lowercased, punctuation stripped,
// whitespace collapsed, joined with "|". The address half is empty
// when absent, so two branches of one chain at different addresses
// stay distinct shops. An empty result means the name itself was
// unusable.
func NormalizeKey(name string, address *string) string {
	n := normalizeText(name)
	if n == "" {
		return ""
	}
	addr := ""
	if address != nil {
		addr = normalizeText(*address)
	}
	return n + "|" + addr
}

func normalizeText(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
