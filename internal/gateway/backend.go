package gateway

import "context"

// ChatBackend produces the assistant reply for a chat request. The gateway
// only requires that a call returns (or fails) within the request timeout
// window; everything else about the reasoning pipeline lives elsewhere.
type ChatBackend interface {
	Reply(ctx context.Context, userID, message string) (string, error)
}

// ImageAnalyzer produces analysis text for a base64-encoded image.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, userID, imageBase64 string) (string, error)
}
