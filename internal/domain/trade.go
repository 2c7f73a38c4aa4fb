package domain

// Trade is an immutable record of one completed fill of an offer. The asset
// legs are copied from the offer at fill time so the row stays meaningful
// even though the offer itself is never deleted.
type Trade struct {
	ID         int64   `json:"id"`
	OfferID    string  `json:"offer_id"`
	Maker      string  `json:"maker"`
	Taker      string  `json:"taker"`
	SellType   string  `json:"sell_type"`
	SellAmount string  `json:"sell_amount"`
	AskType    string  `json:"ask_type"`
	AskAmount  string  `json:"ask_amount"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"`
}

// Pair returns the trade direction as "SELL-ASK".
func (t Trade) Pair() string {
	return t.SellType + "-" + t.AskType
}

// Stats is an aggregate snapshot over the mirror, computed at read time.
// VolumeInWindow sums trade sell amounts as a decimal string.
type Stats struct {
	ActiveOffers   int64  `json:"active_offers"`
	TotalTrades    int64  `json:"total_trades"`
	TradesInWindow int64  `json:"trades_in_window"`
	VolumeInWindow string `json:"volume_in_window"`
	ActivePairs    int64  `json:"active_pairs"`
	Timestamp      int64  `json:"timestamp"`
}
