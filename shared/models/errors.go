package models

import (
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Error is a domain error surfaced to callers. Two errors are equal under
// errors.Is when their codes match, so a detailed instance still matches its
// sentinel.
type Error struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy carrying a more specific message
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Validation errors
var (
	ErrAuctionNotOpen   = &Error{Code: "AuctionNotOpen", Field: "productId", Message: "auction is not open for bidding", Status: http.StatusBadRequest}
	ErrSelfBid          = &Error{Code: "SelfBid", Field: "productId", Message: "sellers cannot bid on their own product", Status: http.StatusBadRequest}
	ErrBelowFloor       = &Error{Code: "BelowFloor", Field: "amount", Message: "bid must exceed the current floor", Status: http.StatusBadRequest}
	ErrInvalidAmount    = &Error{Code: "InvalidAmount", Field: "amount", Message: "bid amount must be positive", Status: http.StatusBadRequest}
	ErrCurrencyMismatch = &Error{Code: "CurrencyMismatch", Field: "currency", Message: "bid currency does not match the product", Status: http.StatusBadRequest}
	ErrBidNotPending    = &Error{Code: "BidNotPending", Field: "bidId", Message: "bid is not pending", Status: http.StatusBadRequest}
	ErrBidNotEligible   = &Error{Code: "BidNotEligible", Field: "selectedBidId", Message: "selected bid must be an accepted bid on this product", Status: http.StatusBadRequest}
	ErrInvalidAction    = &Error{Code: "InvalidAction", Field: "action", Message: "action must be accept or reject", Status: http.StatusBadRequest}
	ErrInvalidRequest   = &Error{Code: "InvalidRequest", Message: "invalid request body", Status: http.StatusBadRequest}
	ErrEmptyMessage     = &Error{Code: "EmptyMessage", Field: "content", Message: "message needs content or an attachment", Status: http.StatusBadRequest}
)

// Lookup and permission errors
var (
	ErrProductNotFound      = &Error{Code: "ProductNotFound", Field: "productId", Message: "product not found", Status: http.StatusNotFound}
	ErrBidNotFound          = &Error{Code: "BidNotFound", Field: "bidId", Message: "bid not found", Status: http.StatusNotFound}
	ErrConversationNotFound = &Error{Code: "ConversationNotFound", Field: "conversationId", Message: "conversation not found", Status: http.StatusNotFound}
	ErrNotParticipant       = &Error{Code: "NotParticipant", Message: "not a participant of this conversation", Status: http.StatusForbidden}
	ErrForbidden            = &Error{Code: "Forbidden", Message: "not allowed", Status: http.StatusForbidden}
	ErrUnauthorized         = &Error{Code: "Unauthorized", Message: "missing or invalid token", Status: http.StatusUnauthorized}
	ErrRateLimited          = &Error{Code: "RateLimited", Message: "too many bids, slow down", Status: http.StatusTooManyRequests}
)

// NewBelowFloor reports the floor a rejected bid failed to exceed
func NewBelowFloor(floor decimal.Decimal, currency string) *Error {
	return ErrBelowFloor.WithMessage("bid must be greater than %s %s", floor.StringFixed(2), currency)
}
