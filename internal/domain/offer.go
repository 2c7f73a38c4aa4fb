package domain

// OfferStatus represents the lifecycle state of an offer. Offers start
// active and move to exactly one terminal status; a terminal offer is
// immutable and is never deleted.
type OfferStatus string

const (
	OfferStatusActive    OfferStatus = "active"
	OfferStatusFilled    OfferStatus = "filled"
	OfferStatusCancelled OfferStatus = "cancelled"
)

// Terminal reports whether the status is one an offer can never leave.
func (s OfferStatus) Terminal() bool {
	return s == OfferStatusFilled || s == OfferStatusCancelled
}

// Offer mirrors one on-chain D3SK offer. Amounts are kept as the exact
// decimal strings emitted by the chain; Price is a derived float used only
// for sorting and filtering, never for settlement math.
type Offer struct {
	ID          string      `json:"id"`
	Maker       string      `json:"maker"`
	SellType    string      `json:"sell_type"`
	SellAmount  string      `json:"sell_amount"`
	AskType     string      `json:"ask_type"`
	AskAmount   string      `json:"ask_amount"`
	Price       float64     `json:"price"`
	Status      OfferStatus `json:"status"`
	CreatedAt   int64       `json:"created_at"`
	ExpiresAt   *int64      `json:"expires_at,omitempty"`
	FilledAt    *int64      `json:"filled_at,omitempty"`
	CancelledAt *int64      `json:"cancelled_at,omitempty"`
	Taker       *string     `json:"taker,omitempty"`
}

// Pair returns the trade direction of the offer as "SELL-ASK".
func (o Offer) Pair() string {
	return o.SellType + "-" + o.AskType
}

// SortOrder selects the ordering of ListActive results.
type SortOrder string

const (
	SortPriceAsc  SortOrder = "price_asc"
	SortPriceDesc SortOrder = "price_desc"
	SortNewest    SortOrder = "newest"
	SortOldest    SortOrder = "oldest"
)

const (
	// DefaultListLimit is applied when a filter does not specify a limit.
	DefaultListLimit = 100
	// MaxListLimit caps the limit of any list query.
	MaxListLimit = 1000
)

// OfferFilter narrows and orders ListActive results. Zero values mean
// "no constraint".
type OfferFilter struct {
	Pair     string
	Maker    string
	MinPrice *float64
	MaxPrice *float64
	Sort     SortOrder
	Limit    int
	Offset   int
}

// Normalize clamps out-of-range pagination values to safe defaults and
// resolves the sort order. Invalid inputs are corrected, not rejected.
func (f OfferFilter) Normalize() OfferFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	switch f.Sort {
	case SortPriceAsc, SortPriceDesc, SortNewest, SortOldest:
	default:
		f.Sort = SortNewest
	}
	return f
}

// BookLevel aggregates all active offers at one price point for one trade
// direction of a pair. Amount is a decimal string summing the base amounts.
type BookLevel struct {
	Price  float64 `json:"price"`
	Count  int     `json:"count"`
	Amount string  `json:"amount"`
}

// OrderBook is the read-time aggregation of active offers for a pair,
// recomputed per call. Bids are offers selling the base asset, asks the
// reverse direction; both are ascending by price.
type OrderBook struct {
	Pair string      `json:"pair"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}
