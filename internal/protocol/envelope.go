package protocol

import (
	"encoding/json"
	"errors"
)

// Request types a node may issue.
const (
	TypeChat    = "chat"
	TypePairing = "pairing"
	TypeCanvas  = "canvas"
	TypeImage   = "image"
	TypeCommand = "command"
)

// Push types the server emits without a matching request.
const (
	TypeMessage      = "message"
	TypeCanvasUpdate = "canvas"
)

// Request is the client-to-server envelope. ID is unique per request and is
// echoed back as the response's RequestID.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the server-to-client envelope. A non-empty RequestID marks it
// as the reply to a pending request; an empty one marks an unsolicited push
// routed by Type.
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type"`
	Payload   string `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r Response) IsPush() bool {
	return r.RequestID == ""
}

func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	if req.ID == "" {
		return Request{}, errors.New("missing request id")
	}
	if req.Type == "" {
		return Request{}, errors.New("missing request type")
	}
	return req, nil
}

func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, err
	}
	if resp.Type == "" {
		return Response{}, errors.New("missing response type")
	}
	return resp, nil
}

type ChatPayload struct {
	Message string `json:"message"`
}

const (
	PairingActionRequestCode = "request_code"
)

type PairingPayload struct {
	Action string `json:"action"`
}

const (
	CanvasActionCreate = "create"
	CanvasActionWatch  = "watch"
	CanvasActionUpdate = "update"
	CanvasActionClose  = "close"
)

type CanvasPayload struct {
	Action    string          `json:"action"`
	CanvasID  string          `json:"canvasId,omitempty"`
	Component json.RawMessage `json:"component,omitempty"`
}

const (
	ImageActionAnalyze = "analyze"
)

type ImagePayload struct {
	Action string `json:"action"`
	Image  string `json:"image"`
}

const (
	CommandActionListDevices  = "list_devices"
	CommandActionRemoveDevice = "remove_device"
)

type CommandPayload struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId,omitempty"`
}
