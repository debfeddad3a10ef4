package model

import "time"

// Message represents a direct message between two users as stored.
type Message struct {
	ID                int64      `json:"id"`
	SenderID          int64      `json:"sender_id"`
	SenderUsername    string     `json:"sender_username"`
	RecipientID       int64      `json:"recipient_id"`
	RecipientUsername string     `json:"recipient_username"`
	Content           string     `json:"content"`
	SentAt            time.Time  `json:"sent_at"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	SenderDeleted     bool       `json:"-"`
	RecipientDeleted  bool       `json:"-"`
}

// MessageView is the wire form of a message pushed over the WebSocket
// and returned by the REST listing. Field names are part of the wire
// contract and must stay stable.
type MessageView struct {
	ID                   int64      `json:"id"`
	SenderUsername       string     `json:"senderUsername"`
	SenderDisplayName    string     `json:"senderDisplayName"`
	RecipientUsername    string     `json:"recipientUsername"`
	RecipientDisplayName string     `json:"recipientDisplayName"`
	Content              string     `json:"content"`
	SentAt               time.Time  `json:"sentAt"`
	ReadAt               *time.Time `json:"readAt,omitempty"`
}

// View projects the stored message into its wire form. Display names
// come from the resolved sender and recipient.
func (m *Message) View(senderDisplay, recipientDisplay string) MessageView {
	return MessageView{
		ID:                   m.ID,
		SenderUsername:       m.SenderUsername,
		SenderDisplayName:    senderDisplay,
		RecipientUsername:    m.RecipientUsername,
		RecipientDisplayName: recipientDisplay,
		Content:              m.Content,
		SentAt:               m.SentAt,
		ReadAt:               m.ReadAt,
	}
}
