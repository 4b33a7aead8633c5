package pms

import (
	"github.com/CoveStays/checkout/internal/store"
)

// Reservation lifecycle types understood by the property management system.
// A hold is created as "reserved" and promoted to "booked" once payment
// settles.
const (
	ReservationTypeReserved = "reserved"
	ReservationTypeBooked   = "booked"
)

// Listing is the subset of the PMS listing record the checkout flow needs.
type Listing struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Currency  string `json:"currency"`
	MaxGuests int    `json:"maxGuests"`
}

// SearchRequest filters the listing search. Zero values leave the
// corresponding filter off.
type SearchRequest struct {
	CheckIn  string
	CheckOut string
	Guests   int
	Limit    int
}

// PriceRequest asks the PMS to price a stay. Dates use YYYY-MM-DD.
type PriceRequest struct {
	CheckIn    string       `json:"checkIn"`
	CheckOut   string       `json:"checkOut"`
	Guests     store.Guests `json:"guests"`
	CouponCode string       `json:"couponCode,omitempty"`
}

// PriceQuote is the PMS pricing response. All amounts are integers in the
// smallest currency unit.
type PriceQuote struct {
	Total       int64  `json:"total"`
	Currency    string `json:"currency"`
	Subtotal    int64  `json:"subtotal"`
	CleaningFee int64  `json:"cleaningFee"`
	ServiceFee  int64  `json:"serviceFee"`
	Taxes       int64  `json:"taxes"`
}

// CalendarDay is one day of a listing's availability calendar.
type CalendarDay struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Price     int64  `json:"price"`
}

// ReservationRequest creates a reservation against a listing. Type selects
// whether the PMS blocks inventory provisionally ("reserved") or finally
// ("booked"). TotalPrice carries the locked quote total so the PMS ledger
// starts out matching what the shopper will be charged.
type ReservationRequest struct {
	ListingID  string       `json:"listingId"`
	CheckIn    string       `json:"checkIn"`
	CheckOut   string       `json:"checkOut"`
	Type       string       `json:"type"`
	Guest      store.Guest  `json:"guest"`
	Guests     store.Guests `json:"guests"`
	TotalPrice int64        `json:"totalPrice"`
	Currency   string       `json:"currency"`
}

// Reservation is the PMS view of a reservation.
type Reservation struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	BookingCode string `json:"bookingCode,omitempty"`
	ListingID   string `json:"listingId"`
	CheckIn     string `json:"checkIn"`
	CheckOut    string `json:"checkOut"`
}

// ReservationPatch mutates an existing reservation. Only the lifecycle type
// can change through the checkout flow.
type ReservationPatch struct {
	Type string `json:"type,omitempty"`
}

// PaymentRecord registers a settled payment against a reservation so the PMS
// ledger matches the processor's.
type PaymentRecord struct {
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}
