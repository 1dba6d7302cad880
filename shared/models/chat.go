package models

import "time"

// Conversation is the chat between a seller and a buyer about one product.
// The (seller, buyer, product) triple is unique.
type Conversation struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"seller_id"`
	BuyerID   string    `json:"buyer_id"`
	ProductID string    `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is the seller or the buyer
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.SellerID || userID == c.BuyerID)
}

// Counterpart returns the other side of the conversation
func (c *Conversation) Counterpart(userID string) string {
	if userID == c.SellerID {
		return c.BuyerID
	}
	return c.SellerID
}

// Message is one chat line
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content,omitempty"`
	Attachment     string    `json:"attachment,omitempty"`
	Seen           bool      `json:"seen"`
	CreatedAt      time.Time `json:"created_at"`
}

// StartConversationRequest is the body for opening a chat about a product
type StartConversationRequest struct {
	ProductID string `json:"productId"`
}
