package bus

// QuotedMessage is the message an inbound message replies to, as resolved by
// the channel that received it.
type QuotedMessage struct {
	MessageID  string   `json:"message_id"`
	SenderID   string   `json:"sender_id"`
	SenderName string   `json:"sender_name"`
	Text       string   `json:"text"`
	Time       int64    `json:"time"`
	Media      []string `json:"media,omitempty"`
	FromBot    bool     `json:"from_bot"`
}

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	Mentions   []string          `json:"mentions,omitempty"`
	Reply      *QuotedMessage    `json:"reply,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Image is an outbound picture. Data wins over Path when both are set.
type Image struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
}

type OutboundMessage struct {
	Channel string  `json:"channel"`
	ChatID  string  `json:"chat_id"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
	ReplyTo string  `json:"reply_to,omitempty"`
	// QuoteID marks a message that displays a stored quote, so the platform
	// message id can be mapped back to it after delivery.
	QuoteID string `json:"quote_id,omitempty"`
}
