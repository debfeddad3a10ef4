package handler

// WebSocket event names. These, and their payload shapes, are the wire
// contract with clients and must stay stable.
const (
	// Client -> Server
	EventSendMessage = "SendMessage"

	// Server -> Client
	EventReceiveMessageThread = "ReceiveMessageThread"
	EventNewMessage           = "NewMessage"
	EventNewMessageReceived   = "NewMessageReceived"
	EventError                = "Error"
)

// SendMessagePayload is the client's SendMessage invocation body.
type SendMessagePayload struct {
	RecipientUsername string `json:"recipientUsername"`
	Content           string `json:"content"`
}

// AlertPayload is pushed as NewMessageReceived to the recipient's other
// live connections. It names the sender but never carries content.
type AlertPayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// ErrorPayload is pushed back to the invoking connection when an
// operation is rejected. The connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeValidation = "validation"
	ErrCodeNotFound   = "not_found"
	ErrCodeStore      = "store_error"
	ErrCodeInternal   = "internal_error"
)
