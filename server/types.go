package server

import "github.com/sig-0/p2pdesk/storage/types"

type CreateOfferRequest struct {
	OwnerID              string                `json:"owner_id"`
	Side                 types.OfferSide       `json:"side"`
	Asset                types.Asset           `json:"asset"`
	FiatCurrency         types.FiatCurrency    `json:"fiat_currency"`
	PricePerUnit         float64               `json:"price_per_unit"`
	MinAmount            float64               `json:"min_amount"`
	MaxAmount            float64               `json:"max_amount"`
	TotalAmount          float64               `json:"total_amount"`
	PaymentMethods       []types.PaymentMethod `json:"payment_methods"`
	Terms                string                `json:"terms"`
	AutoReply            string                `json:"auto_reply"`
	PaymentWindowMinutes int                   `json:"payment_window_minutes"`
}

type AcceptOfferRequest struct {
	ActorID       string              `json:"actor_id"`
	Amount        float64             `json:"amount"`
	PaymentMethod types.PaymentMethod `json:"payment_method"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

type CancelTradeRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type RaiseDisputeRequest struct {
	ActorID     string `json:"actor_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type ResolveDisputeRequest struct {
	ResolverID string             `json:"resolver_id"`
	Resolution types.Resolution   `json:"resolution"`
	Shares     map[string]float64 `json:"shares,omitempty"`
}

type SubmitRatingRequest struct {
	RaterID  string `json:"rater_id"`
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
