package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
	"github.com/d3sk-protocol/d3sk-indexer/internal/flow"
)

// Chain payloads arrive as flat JSON objects with every numeric field
// string-encoded; amounts stay strings all the way into the store so fixed
// point precision survives.

type offerEventPayload struct {
	ID         string  `json:"id"`
	Maker      string  `json:"maker"`
	SellType   string  `json:"sellType"`
	SellAmount string  `json:"sellAmount"`
	AskType    string  `json:"askType"`
	AskAmount  string  `json:"askAmount"`
	Price      string  `json:"price"`
	ExpiresAt  *string `json:"expiresAt"`
}

// registerEventPayload is the registry's OfferRegistered shape. Unlike the
// contract's OfferCreated it keys the offer by offerId and carries no price;
// the price is derived from the two legs.
type registerEventPayload struct {
	OfferID    string `json:"offerId"`
	Maker      string `json:"maker"`
	SellType   string `json:"sellType"`
	SellAmount string `json:"sellAmount"`
	AskType    string `json:"askType"`
	AskAmount  string `json:"askAmount"`
}

type fillEventPayload struct {
	OfferID    string `json:"offerId"`
	Taker      string `json:"taker"`
	SellAmount string `json:"sellAmount"`
	AskAmount  string `json:"askAmount"`
	Price      string `json:"price"`
}

type cancelEventPayload struct {
	OfferID string `json:"offerId"`
}

type removeEventPayload struct {
	OfferID string `json:"offerId"`
	Reason  string `json:"reason"`
}

func parsePrice(s string) (float64, error) {
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, domain.ErrInvalidInput)
	}
	return p, nil
}

func parseMillis(s string) (int64, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", s, domain.ErrInvalidInput)
	}
	return ms, nil
}

func (p offerEventPayload) toOffer(ts int64) (domain.Offer, error) {
	if p.ID == "" || p.Maker == "" || p.SellType == "" || p.AskType == "" ||
		p.SellAmount == "" || p.AskAmount == "" {
		return domain.Offer{}, fmt.Errorf("incomplete offer fields: %w", domain.ErrInvalidInput)
	}
	price, err := parsePrice(p.Price)
	if err != nil {
		return domain.Offer{}, err
	}
	offer := domain.Offer{
		ID:         p.ID,
		Maker:      p.Maker,
		SellType:   p.SellType,
		SellAmount: p.SellAmount,
		AskType:    p.AskType,
		AskAmount:  p.AskAmount,
		Price:      price,
		Status:     domain.OfferStatusActive,
		CreatedAt:  ts,
	}
	if p.ExpiresAt != nil && *p.ExpiresAt != "" {
		exp, err := parseMillis(*p.ExpiresAt)
		if err != nil {
			return domain.Offer{}, err
		}
		offer.ExpiresAt = &exp
	}
	return offer, nil
}

func (p registerEventPayload) toOffer(ts int64) (domain.Offer, error) {
	if p.OfferID == "" || p.Maker == "" || p.SellType == "" || p.AskType == "" ||
		p.SellAmount == "" || p.AskAmount == "" {
		return domain.Offer{}, fmt.Errorf("incomplete registration fields: %w", domain.ErrInvalidInput)
	}
	sell, err := decimal.NewFromString(p.SellAmount)
	if err != nil {
		return domain.Offer{}, fmt.Errorf("sellAmount %q: %w", p.SellAmount, domain.ErrInvalidInput)
	}
	ask, err := decimal.NewFromString(p.AskAmount)
	if err != nil || ask.IsZero() {
		return domain.Offer{}, fmt.Errorf("askAmount %q: %w", p.AskAmount, domain.ErrInvalidInput)
	}
	return domain.Offer{
		ID:         p.OfferID,
		Maker:      p.Maker,
		SellType:   p.SellType,
		SellAmount: p.SellAmount,
		AskType:    p.AskType,
		AskAmount:  p.AskAmount,
		Price:      sell.Div(ask).InexactFloat64(),
		Status:     domain.OfferStatusActive,
		CreatedAt:  ts,
	}, nil
}

// handleOfferCreated mirrors a contract-level offer creation. A replayed id
// is a full no-op: nothing is written and no event is published.
func (ix *Indexer) handleOfferCreated(ctx context.Context, ev flow.Event) error {
	var p offerEventPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	offer, err := p.toOffer(ev.Timestamp)
	if err != nil {
		return err
	}
	return ix.upsertOffer(ctx, offer, domain.EventOfferCreated, ev.Timestamp)
}

// handleOfferRegistered mirrors a registry-level registration, which carries
// the offer legs but no explicit price.
func (ix *Indexer) handleOfferRegistered(ctx context.Context, ev flow.Event) error {
	var p registerEventPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	offer, err := p.toOffer(ev.Timestamp)
	if err != nil {
		return err
	}
	return ix.upsertOffer(ctx, offer, domain.EventOfferRegistered, ev.Timestamp)
}

func (ix *Indexer) upsertOffer(ctx context.Context, offer domain.Offer, busType domain.EventType, ts int64) error {
	if _, err := ix.offers.GetByID(ctx, offer.ID); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := ix.offers.Upsert(ctx, offer); err != nil {
		return err
	}
	ix.publish(ctx, busType, offer, ts)
	return nil
}

// handleOfferFilled transitions the offer to filled and appends the trade.
// A replay (offer already terminal) skips the trade insert too, so the
// append-only trade log stays duplicate-free under at-least-once delivery.
func (ix *Indexer) handleOfferFilled(ctx context.Context, ev flow.Event) error {
	var p fillEventPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	if p.OfferID == "" || p.Taker == "" {
		return fmt.Errorf("incomplete fill fields: %w", domain.ErrInvalidInput)
	}

	changed, err := ix.offers.Transition(ctx, p.OfferID, domain.OfferStatusFilled, ev.Timestamp, &p.Taker)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	offer, err := ix.offers.GetByID(ctx, p.OfferID)
	if err != nil {
		return err
	}

	price := offer.Price
	if p.Price != "" {
		if parsed, err := parsePrice(p.Price); err == nil {
			price = parsed
		}
	}
	trade := domain.Trade{
		OfferID:    offer.ID,
		Maker:      offer.Maker,
		Taker:      p.Taker,
		SellType:   offer.SellType,
		SellAmount: offer.SellAmount,
		AskType:    offer.AskType,
		AskAmount:  offer.AskAmount,
		Price:      price,
		Timestamp:  ev.Timestamp,
	}
	if p.SellAmount != "" {
		trade.SellAmount = p.SellAmount
	}
	if p.AskAmount != "" {
		trade.AskAmount = p.AskAmount
	}

	id, err := ix.trades.Insert(ctx, trade)
	if err != nil {
		return err
	}
	trade.ID = id

	ix.publish(ctx, domain.EventOfferFilled, map[string]any{
		"offer": offer,
		"trade": trade,
	}, ev.Timestamp)
	return nil
}

func (ix *Indexer) handleOfferCancelled(ctx context.Context, ev flow.Event) error {
	var p cancelEventPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	if p.OfferID == "" {
		return fmt.Errorf("missing offerId: %w", domain.ErrInvalidInput)
	}

	changed, err := ix.offers.Transition(ctx, p.OfferID, domain.OfferStatusCancelled, ev.Timestamp, nil)
	if err != nil || !changed {
		return err
	}

	offer, err := ix.offers.GetByID(ctx, p.OfferID)
	if err != nil {
		return err
	}
	ix.publish(ctx, domain.EventOfferCancelled, offer, ev.Timestamp)
	return nil
}

// handleOfferRemoved treats a registry removal of a still-active offer as a
// cancellation; removals of already-terminal offers are no-ops.
func (ix *Indexer) handleOfferRemoved(ctx context.Context, ev flow.Event) error {
	var p removeEventPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	if p.OfferID == "" {
		return fmt.Errorf("missing offerId: %w", domain.ErrInvalidInput)
	}

	changed, err := ix.offers.Transition(ctx, p.OfferID, domain.OfferStatusCancelled, ev.Timestamp, nil)
	if err != nil || !changed {
		return err
	}

	ix.publish(ctx, domain.EventOfferRemoved, map[string]any{
		"offer_id": p.OfferID,
		"reason":   p.Reason,
	}, ev.Timestamp)
	return nil
}

// offerKey extracts the offer id an event refers to, for shard routing.
func offerKey(ev flow.Event) string {
	var key struct {
		ID      string `json:"id"`
		OfferID string `json:"offerId"`
	}
	if err := json.Unmarshal(ev.Data, &key); err != nil {
		return ""
	}
	if key.OfferID != "" {
		return key.OfferID
	}
	return key.ID
}
