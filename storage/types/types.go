package types

import "time"

type Asset string

const (
	AssetBTC  Asset = "BTC"
	AssetETH  Asset = "ETH"
	AssetSOL  Asset = "SOL"
	AssetUSDT Asset = "USDT"
)

func (a Asset) String() string {
	return string(a)
}

type FiatCurrency string

const (
	FiatUSD FiatCurrency = "USD"
	FiatEUR FiatCurrency = "EUR"
	FiatGBP FiatCurrency = "GBP"
	FiatVES FiatCurrency = "VES"
)

func (f FiatCurrency) String() string {
	return string(f)
}

type OfferSide string

const (
	SideBuy  OfferSide = "BUY"
	SideSell OfferSide = "SELL"
)

func (s OfferSide) String() string {
	return string(s)
}

type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentCash         PaymentMethod = "CASH"
	PaymentPayPal       PaymentMethod = "PAYPAL"
	PaymentRevolut      PaymentMethod = "REVOLUT"
	PaymentWise         PaymentMethod = "WISE"
)

func (p PaymentMethod) String() string {
	return string(p)
}

type OfferStatus string

const (
	OfferActive    OfferStatus = "ACTIVE"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferCancelled OfferStatus = "CANCELLED"
	OfferExhausted OfferStatus = "EXHAUSTED"
)

func (s OfferStatus) String() string {
	return string(s)
}

// Offer is a standing intent to buy or sell a crypto asset at a stated
// price, with size and payment-method constraints
type Offer struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Side           OfferSide       `json:"side"`
	Asset          Asset           `json:"asset"`
	FiatCurrency   FiatCurrency    `json:"fiat_currency"`
	PricePerUnit   float64         `json:"price_per_unit"`
	MinAmount      float64         `json:"min_amount"`
	MaxAmount      float64         `json:"max_amount"`
	TotalAmount    float64         `json:"total_amount"`
	Remaining      float64         `json:"remaining"`
	PaymentMethods []PaymentMethod `json:"payment_methods"`
	Terms          string          `json:"terms,omitempty"`
	AutoReply      string          `json:"auto_reply,omitempty"`
	PaymentWindow  time.Duration   `json:"payment_window"`
	Status         OfferStatus     `json:"status"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HasPaymentMethod reports whether the offer accepts the given method
func (o *Offer) HasPaymentMethod(m PaymentMethod) bool {
	for _, pm := range o.PaymentMethods {
		if pm == m {
			return true
		}
	}

	return false
}

type TradeStatus string

const (
	TradeCreated         TradeStatus = "CREATED"
	TradeAwaitingPayment TradeStatus = "AWAITING_PAYMENT"
	TradePaymentClaimed  TradeStatus = "PAYMENT_CLAIMED"
	TradeCompleted       TradeStatus = "COMPLETED"
	TradeCancelled       TradeStatus = "CANCELLED"
	TradeDisputed        TradeStatus = "DISPUTED"
	TradeRefunded        TradeStatus = "REFUNDED"
)

func (s TradeStatus) String() string {
	return string(s)
}

// Terminal reports whether the status admits no further transitions
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeCompleted, TradeCancelled, TradeRefunded:
		return true
	default:
		return false
	}
}

// Rateable reports whether the trade settled in a way that warrants
// feedback. Cancelled trades never reached payment and carry none
func (s TradeStatus) Rateable() bool {
	return s == TradeCompleted || s == TradeRefunded
}

// Trade is a bilateral agreement instantiated when a counterparty
// accepts (part of) an Offer. Trades are never deleted; terminal trades
// are retained for audit and rating
type Trade struct {
	ID                 string        `json:"id"`
	OfferID            string        `json:"offer_id"`
	BuyerID            string        `json:"buyer_id"`
	SellerID           string        `json:"seller_id"`
	Asset              Asset         `json:"asset"`
	AmountCrypto       float64       `json:"amount_crypto"`
	PricePerUnit       float64       `json:"price_per_unit"`
	TotalFiat          float64       `json:"total_fiat"`
	FiatCurrency       FiatCurrency  `json:"fiat_currency"`
	PaymentMethod      PaymentMethod `json:"payment_method"`
	Status             TradeStatus   `json:"status"`
	EscrowID           string        `json:"escrow_id"`
	DisputeID          string        `json:"dispute_id,omitempty"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	PaymentDeadline    time.Time     `json:"payment_deadline"`
	CreatedAt          time.Time     `json:"created_at"`
	PaymentConfirmedAt *time.Time    `json:"payment_confirmed_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
}

// Participant reports whether the given user is the trade's buyer or seller
func (t *Trade) Participant(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Counterparty returns the other side of the trade for a participant
func (t *Trade) Counterparty(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}

	return t.BuyerID
}

type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowSplit    EscrowStatus = "SPLIT"
)

func (s EscrowStatus) String() string {
	return string(s)
}

// Terminal reports whether the escrow can no longer be moved
func (s EscrowStatus) Terminal() bool {
	return s != EscrowLocked
}

// Escrow is the locked-balance holding of the seller's crypto for the
// duration of a Trade. Once RELEASED, REFUNDED or SPLIT it is immutable
type Escrow struct {
	ID         string       `json:"id"`
	TradeID    string       `json:"trade_id"`
	SellerID   string       `json:"seller_id"`
	Asset      Asset        `json:"asset"`
	Amount     float64      `json:"amount"`
	Status     EscrowStatus `json:"status"`
	LockedAt   time.Time    `json:"locked_at"`
	ReleasedAt *time.Time   `json:"released_at,omitempty"`
}

type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "OPEN"
	DisputeInvestigating DisputeStatus = "INVESTIGATING"
	DisputeResolved      DisputeStatus = "RESOLVED"
	DisputeEscalated     DisputeStatus = "ESCALATED"
)

func (s DisputeStatus) String() string {
	return string(s)
}

type Resolution string

const (
	ResolutionRelease Resolution = "RELEASE"
	ResolutionRefund  Resolution = "REFUND"
	ResolutionSplit   Resolution = "SPLIT"
)

func (r Resolution) String() string {
	return string(r)
}

// Dispute freezes its Trade's escrow until an arbitrator resolves it
type Dispute struct {
	ID          string             `json:"id"`
	TradeID     string             `json:"trade_id"`
	RaisedBy    string             `json:"raised_by"`
	Reason      string             `json:"reason"`
	Description string             `json:"description,omitempty"`
	Status      DisputeStatus      `json:"status"`
	Resolution  Resolution         `json:"resolution,omitempty"`
	Shares      map[string]float64 `json:"shares,omitempty"`
	ResolvedBy  string             `json:"resolved_by,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
}

// TradeRating is post-trade feedback from one participant about the other
type TradeRating struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"trade_id"`
	RaterID   string    `json:"rater_id"`
	RatedID   string    `json:"rated_id"`
	Rating    int       `json:"rating"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TradingLimits tracks a user's rolling trading volume against
// KYC-tiered ceilings. Volumes only grow within a window and reset at
// window boundaries
type TradingLimits struct {
	UserID        string    `json:"user_id"`
	KycLevel      int       `json:"kyc_level"`
	DailyLimit    float64   `json:"daily_limit"`
	MonthlyLimit  float64   `json:"monthly_limit"`
	DailyVolume   float64   `json:"daily_volume"`
	MonthlyVolume float64   `json:"monthly_volume"`
	DayResetAt    time.Time `json:"day_reset_at"`
	MonthResetAt  time.Time `json:"month_reset_at"`
}

// OfferQuery filters offer listings
type OfferQuery struct {
	Side    *OfferSide    `json:"side"`
	Asset   *Asset        `json:"asset"`
	Fiat    *FiatCurrency `json:"fiat"`
	Status  *OfferStatus  `json:"status"`
	OwnerID *string       `json:"owner_id"`
	Offset  int64         `json:"offset"`
	Limit   int32         `json:"limit"`
}

// Page wraps the results for pagination
type Page[T any] struct {
	Results []T   `json:"results"`
	Total   int64 `json:"total"`
}
