// Package flow provides the Flow access-node clients the indexer consumes:
// a REST client for chain head and ranged event queries, and a WebSocket
// client for live event streaming.
package flow

import (
	"encoding/json"
	"fmt"
)

// Event is one chain event, normalized to the minimal shape the indexer
// needs. Data holds the raw event payload; Timestamp is ms since epoch.
type Event struct {
	Type      string
	Height    uint64
	Timestamp int64
	Data      json.RawMessage
}

// Qualified event type names for the D3SK contracts, in the canonical Flow
// form A.<address>.<contract>.<event>.
func OfferCreatedType(offerAddr string) string {
	return fmt.Sprintf("A.%s.D3SKOffer.OfferCreated", trimAddr(offerAddr))
}

func OfferFilledType(offerAddr string) string {
	return fmt.Sprintf("A.%s.D3SKOffer.OfferFilled", trimAddr(offerAddr))
}

func OfferCancelledType(offerAddr string) string {
	return fmt.Sprintf("A.%s.D3SKOffer.OfferCancelled", trimAddr(offerAddr))
}

func OfferRegisteredType(registryAddr string) string {
	return fmt.Sprintf("A.%s.D3SKRegistry.OfferRegistered", trimAddr(registryAddr))
}

func OfferRemovedType(registryAddr string) string {
	return fmt.Sprintf("A.%s.D3SKRegistry.OfferRemoved", trimAddr(registryAddr))
}

// trimAddr drops a leading 0x; Flow qualified type names use bare hex.
func trimAddr(addr string) string {
	if len(addr) > 2 && addr[0] == '0' && (addr[1] == 'x' || addr[1] == 'X') {
		return addr[2:]
	}
	return addr
}
