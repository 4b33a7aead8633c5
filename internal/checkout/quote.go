package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/store"
)

// QuoteHash fingerprints the parameters a quote was priced against. The same
// hash is recomputed from the stored checkout before money moves; a mismatch
// means the document was edited around the API after pricing.
func QuoteHash(listingID, checkIn, checkOut string, guests store.Guests, couponCode string) string {
	canonical := fmt.Sprintf("%s|%s|%s|%d|%d|%d|%s",
		listingID, checkIn, checkOut, guests.Adults, guests.Children, guests.Infants, couponCode)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// verifyQuoteHash checks the stored stay parameters against the locked
// quote's fingerprint.
func verifyQuoteHash(c *store.Checkout) error {
	if c.Quote == nil {
		return apperrors.Ef(apperrors.CodeInternal, "checkout %s has no locked quote", c.ID)
	}
	if QuoteHash(c.ListingID, c.CheckIn, c.CheckOut, c.Guests, c.CouponCode) != c.Quote.Hash {
		return apperrors.E(apperrors.CodeQuoteMismatch,
			"checkout parameters no longer match the locked quote")
	}
	return nil
}

// verifyQuoteFresh enforces the quote TTL. Only hold placement checks this;
// once inventory is held at the quoted price, the quote stays good for the
// life of the hold.
func verifyQuoteFresh(c *store.Checkout, now time.Time) error {
	if c.Quote == nil {
		return apperrors.Ef(apperrors.CodeInternal, "checkout %s has no locked quote", c.ID)
	}
	if now.After(c.Quote.ExpiresAt) {
		return apperrors.E(apperrors.CodeQuoteExpired,
			"quote has expired, start a new checkout to reprice the stay")
	}
	return nil
}
