package events

import (
	"time"

	"github.com/sig-0/p2pdesk/storage/types"
)

// Topic identifies a domain event stream
type Topic string

const (
	TopicOfferExpired    Topic = "offer.expired"
	TopicTradeCreated    Topic = "trade.created"
	TopicPaymentClaimed  Topic = "trade.payment_claimed"
	TopicTradeCompleted  Topic = "trade.completed"
	TopicTradeCancelled  Topic = "trade.cancelled"
	TopicDisputeOpened   Topic = "dispute.opened"
	TopicDisputeResolved Topic = "dispute.resolved"
)

func (t Topic) String() string {
	return string(t)
}

type OfferExpired struct {
	OfferID   string    `json:"offer_id"`
	OwnerID   string    `json:"owner_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

type TradeCreated struct {
	TradeID  string  `json:"trade_id"`
	OfferID  string  `json:"offer_id"`
	BuyerID  string  `json:"buyer_id"`
	SellerID string  `json:"seller_id"`
	Amount   float64 `json:"amount"`
}

type PaymentClaimed struct {
	TradeID   string    `json:"trade_id"`
	BuyerID   string    `json:"buyer_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

type TradeCompleted struct {
	TradeID     string    `json:"trade_id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type TradeCancelled struct {
	TradeID     string    `json:"trade_id"`
	CancelledBy string    `json:"cancelled_by,omitempty"` // empty on timeout
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type DisputeOpened struct {
	DisputeID string `json:"dispute_id"`
	TradeID   string `json:"trade_id"`
	RaisedBy  string `json:"raised_by"`
	Reason    string `json:"reason"`
}

type DisputeResolved struct {
	DisputeID  string           `json:"dispute_id"`
	TradeID    string           `json:"trade_id"`
	ResolvedBy string           `json:"resolved_by"`
	Resolution types.Resolution `json:"resolution"`
}
