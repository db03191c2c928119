package model

type Account struct {
	ID        string
	PublicKey string
	CreatedAt int64
}

type AuthRequest struct {
	ID                string
	PublicKey         string
	Response          string
	ResponseAccountID string
	Token             string
	CreatedAt         int64
	UpdatedAt         int64
}

const (
	DeviceTypeIOS     = "ios"
	DeviceTypeAndroid = "android"
	DeviceTypeDesktop = "desktop"
	DeviceTypeWeb     = "web"
)

func ValidDeviceType(t string) bool {
	switch t {
	case DeviceTypeIOS, DeviceTypeAndroid, DeviceTypeDesktop, DeviceTypeWeb:
		return true
	}
	return false
}

type Device struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Type       string `json:"type"`
	PairedAt   int64  `json:"pairedAt"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

type PairingCode struct {
	Code      string
	UserID    string
	IssuedAt  int64
	ExpiresAt int64
	Consumed  bool
}

// Session is the transient server-side record of one live connection. It is
// created on handshake and discarded on disconnect; a reconnect produces a
// new session for the same device.
type Session struct {
	ID          string
	UserID      string
	DeviceID    string
	DeviceType  string
	ConnectedAt int64
	LastSeenAt  int64
}

const (
	ComponentText      = "text"
	ComponentCode      = "code"
	ComponentImage     = "image"
	ComponentChart     = "chart"
	ComponentMarkdown  = "markdown"
	ComponentButton    = "button"
	ComponentInput     = "input"
	ComponentContainer = "container"
	ComponentCamera    = "camera"
)

type Component struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	Content       string  `json:"content"`
	Style         string  `json:"style,omitempty"`
	IsInteractive bool    `json:"isInteractive"`
}

type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CanvasState is the authoritative shape of one shared workspace. Components
// keep insertion order; Revision increases by one on every mutation.
type CanvasState struct {
	ID         string      `json:"id"`
	Components []Component `json:"components"`
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	Zoom       float64     `json:"zoom"`
	PanOffset  Offset      `json:"panOffset"`
	Revision   int64       `json:"revision"`
}

// CanvasUpdate is the delta pushed to viewers. Exactly one of Component or
// Closed is meaningful.
type CanvasUpdate struct {
	CanvasID  string     `json:"canvasId"`
	Revision  int64      `json:"revision"`
	Component *Component `json:"component,omitempty"`
	Closed    bool       `json:"closed,omitempty"`
}

const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

type ChatMessage struct {
	ID        string
	UserID    string
	Seq       int64
	Role      string
	Content   string
	CreatedAt int64
}
