package chat

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// MaxContentLength bounds a message body, in characters.
const MaxContentLength = 1000

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	frameCodec = sonic.ConfigStd
	validate   = validator.New(validator.WithRequiredStructEnabled())
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

// Message is a persisted chat message. It is never updated once stored.
type Message struct {
	ID        string
	AccountID string
	Username  string
	Content   string
	CreatedAt time.Time
}

// Summary is the JSON form broadcast to every client and returned by the
// history endpoint.
type Summary struct {
	ID                string `json:"id"`
	AccountID         string `json:"accountId"`
	Username          string `json:"username"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	Content           string `json:"content"`
	DateCreated       string `json:"dateCreated"`
}

// PictureURLFunc resolves an author's profile picture URL.
type PictureURLFunc func(accountID string) string

func (m Message) Summary(pictureURL PictureURLFunc) Summary {
	s := Summary{
		ID:          m.ID,
		AccountID:   m.AccountID,
		Username:    m.Username,
		Content:     m.Content,
		DateCreated: m.CreatedAt.UTC().Format(dateLayout),
	}
	if pictureURL != nil {
		s.ProfilePictureURL = pictureURL(m.AccountID)
	}
	return s
}

// summaryID reads the id of a marshalled Summary, or "" if there is none.
func summaryID(payload []byte) string {
	var s struct {
		ID string `json:"id"`
	}
	if err := frameCodec.Unmarshal(payload, &s); err != nil {
		return ""
	}
	return s.ID
}

// ---------------------------------------------
// WebSocket frames
// ---------------------------------------------

// CreateMessage is the frame a client sends to post a message.
// The author comes from the connection, never from the frame.
type CreateMessage struct {
	Content string `json:"content" validate:"required,max=1000"`
}

// ErrorFrame is sent back to the sender when CHAT_ERROR_FRAMES is enabled.
type ErrorFrame struct {
	Error string `json:"error"`
}

// parseCreateMessage decodes and validates one inbound frame.
func parseCreateMessage(frame []byte) (CreateMessage, error) {
	var msg CreateMessage
	if err := frameCodec.Unmarshal(frame, &msg); err != nil {
		return msg, err
	}
	if err := validate.Struct(msg); err != nil {
		return msg, err
	}
	return msg, nil
}
