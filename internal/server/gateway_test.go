package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"canvas-gateway/internal/auth"
	"canvas-gateway/internal/model"
	"canvas-gateway/internal/protocol"
	"canvas-gateway/internal/store"
)

type scriptedChat struct {
	reply string
}

func (s scriptedChat) Reply(ctx context.Context, userID, message string) (string, error) {
	return s.reply, nil
}

type scriptedImages struct {
	analysis string
}

func (s scriptedImages) Analyze(ctx context.Context, userID, imageBase64 string) (string, error) {
	return s.analysis, nil
}

func newGatewayServer(t *testing.T, deps Deps) (*httptest.Server, auth.TokenConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	if deps.Store == nil {
		deps.Store = store.New()
	}
	deps.TokenConfig = tokenCfg
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, tokenCfg
}

func dialNode(t *testing.T, srv *httptest.Server, token, deviceID, deviceType string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/node"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Device-ID", deviceID)
	header.Set("X-Device-Type", deviceType)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, id, reqType string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = data
	}
	if err := conn.WriteJSON(protocol.Request{ID: id, Type: reqType, Payload: raw}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Response {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp protocol.Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return resp
}

func TestGatewayHandshakeRejections(t *testing.T) {
	srv, tokenCfg := newGatewayServer(t, Deps{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/node"

	cases := []struct {
		name   string
		header http.Header
		status int
	}{
		{name: "no token", header: http.Header{}, status: http.StatusUnauthorized},
		{
			name: "garbage token",
			header: http.Header{
				"Authorization": {"Bearer nonsense"},
				"X-Device-Id":   {"dev-1"},
				"X-Device-Type": {"web"},
			},
			status: http.StatusUnauthorized,
		},
	}

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	cases = append(cases,
		struct {
			name   string
			header http.Header
			status int
		}{
			name: "missing device id",
			header: http.Header{
				"Authorization": {"Bearer " + tok},
				"X-Device-Type": {"web"},
			},
			status: http.StatusBadRequest,
		},
		struct {
			name   string
			header http.Header
			status int
		}{
			name: "bad device type",
			header: http.Header{
				"Authorization": {"Bearer " + tok},
				"X-Device-Id":   {"dev-1"},
				"X-Device-Type": {"toaster"},
			},
			status: http.StatusBadRequest,
		},
	)

	for _, tc := range cases {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, tc.header)
		if err == nil {
			conn.Close()
			t.Fatalf("%s: handshake unexpectedly succeeded", tc.name)
		}
		if resp == nil || resp.StatusCode != tc.status {
			t.Fatalf("%s: want status %d, got %v", tc.name, tc.status, resp)
		}
	}
}

func TestGatewayChatRoundTripAndFanout(t *testing.T) {
	st := store.New()
	srv, tokenCfg := newGatewayServer(t, Deps{Store: st, Chat: scriptedChat{reply: "hi there"}})

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	sender := dialNode(t, srv, tok, "dev-1", "desktop")
	other := dialNode(t, srv, tok, "dev-2", "web")
	time.Sleep(50 * time.Millisecond) // let the second join settle

	sendRequest(t, sender, "req-1", protocol.TypeChat, protocol.ChatPayload{Message: "hello"})

	resp := readEnvelope(t, sender)
	if resp.RequestID != "req-1" || resp.Error != "" {
		t.Fatalf("bad reply: %+v", resp)
	}
	if resp.Payload != "hi there" {
		t.Fatalf("want %q, got %q", "hi there", resp.Payload)
	}

	push := readEnvelope(t, other)
	if !push.IsPush() || push.Type != protocol.TypeMessage || push.Payload != "hi there" {
		t.Fatalf("bad fanout push: %+v", push)
	}

	// Both sides of the exchange land in the transcript.
	msgs := st.ListChatMessages("user-1", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("want 2 transcript entries, got %d", len(msgs))
	}
	if msgs[0].Role != model.ChatRoleUser || msgs[1].Role != model.ChatRoleAssistant {
		t.Fatalf("bad transcript roles: %+v", msgs)
	}
}

func TestGatewayImageAnalysis(t *testing.T) {
	srv, tokenCfg := newGatewayServer(t, Deps{Images: scriptedImages{analysis: "a cat on a desk"}})

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := dialNode(t, srv, tok, "dev-1", "ios")

	sendRequest(t, conn, "req-1", protocol.TypeImage, protocol.ImagePayload{
		Action: protocol.ImageActionAnalyze,
		Image:  "aGVsbG8=",
	})
	resp := readEnvelope(t, conn)
	if resp.RequestID != "req-1" || resp.Error != "" || resp.Payload != "a cat on a desk" {
		t.Fatalf("bad analysis reply: %+v", resp)
	}

	// Missing image data is refused, not forwarded.
	sendRequest(t, conn, "req-2", protocol.TypeImage, protocol.ImagePayload{Action: protocol.ImageActionAnalyze})
	resp = readEnvelope(t, conn)
	if resp.RequestID != "req-2" || resp.Error == "" {
		t.Fatalf("want error reply, got %+v", resp)
	}
}

func TestGatewayPairingFlow(t *testing.T) {
	st := store.New()
	srv, tokenCfg := newGatewayServer(t, Deps{Store: st})

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := dialNode(t, srv, tok, "dev-1", "desktop")

	sendRequest(t, conn, "req-1", protocol.TypePairing, protocol.PairingPayload{
		Action: protocol.PairingActionRequestCode,
	})
	resp := readEnvelope(t, conn)
	if resp.Error != "" {
		t.Fatalf("pairing failed: %+v", resp)
	}
	code := resp.Payload
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		t.Fatalf("want 6-digit code, got %q", code)
	}

	// The code pairs a new device to the issuing user.
	dev, err := st.VerifyPairingCode(code, "phone-1", "android", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("VerifyPairingCode: %v", err)
	}
	if dev.UserID != "user-1" {
		t.Fatalf("device paired to %q", dev.UserID)
	}

	// Single use.
	if _, err := st.VerifyPairingCode(code, "phone-2", "android", time.Now().UnixMilli()); err != store.ErrPairingCodeConsumed {
		t.Fatalf("want ErrPairingCodeConsumed, got %v", err)
	}
}

func TestGatewayCanvasSyncBetweenConnections(t *testing.T) {
	srv, tokenCfg := newGatewayServer(t, Deps{})

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	editor := dialNode(t, srv, tok, "dev-1", "desktop")
	viewer := dialNode(t, srv, tok, "dev-2", "web")

	// Editor opens a canvas.
	sendRequest(t, editor, "req-1", protocol.TypeCanvas, protocol.CanvasPayload{
		Action: protocol.CanvasActionCreate,
	})
	resp := readEnvelope(t, editor)
	if resp.Error != "" {
		t.Fatalf("create failed: %+v", resp)
	}
	var created model.CanvasState
	if err := json.Unmarshal([]byte(resp.Payload), &created); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if created.ID == "" || created.Width != 1920 || created.Height != 1080 || created.Zoom != 1 {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	// Viewer subscribes and gets the same snapshot.
	sendRequest(t, viewer, "req-2", protocol.TypeCanvas, protocol.CanvasPayload{
		Action:   protocol.CanvasActionWatch,
		CanvasID: created.ID,
	})
	resp = readEnvelope(t, viewer)
	if resp.Error != "" {
		t.Fatalf("watch failed: %+v", resp)
	}
	var watched model.CanvasState
	if err := json.Unmarshal([]byte(resp.Payload), &watched); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if watched.ID != created.ID || watched.Revision != created.Revision {
		t.Fatalf("snapshots diverge: %+v vs %+v", watched, created)
	}

	// Editor places a component; both connections receive the delta.
	comp, _ := json.Marshal(model.Component{ID: "c1", Type: model.ComponentText, Content: "hello", Width: 120, Height: 40})
	sendRequest(t, editor, "req-3", protocol.TypeCanvas, protocol.CanvasPayload{
		Action:    protocol.CanvasActionUpdate,
		CanvasID:  created.ID,
		Component: comp,
	})

	var ack, editorPush *protocol.Response
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, editor)
		if env.IsPush() {
			editorPush = &env
		} else {
			ack = &env
		}
	}
	if ack == nil || ack.RequestID != "req-3" || ack.Error != "" {
		t.Fatalf("bad update ack: %+v", ack)
	}
	if editorPush == nil || editorPush.Type != protocol.TypeCanvasUpdate {
		t.Fatalf("editor missed its own delta: %+v", editorPush)
	}

	viewerPush := readEnvelope(t, viewer)
	if !viewerPush.IsPush() || viewerPush.Type != protocol.TypeCanvasUpdate {
		t.Fatalf("bad viewer push: %+v", viewerPush)
	}
	var update model.CanvasUpdate
	if err := json.Unmarshal([]byte(viewerPush.Payload), &update); err != nil {
		t.Fatalf("bad delta: %v", err)
	}
	if update.CanvasID != created.ID || update.Revision != created.Revision+1 {
		t.Fatalf("bad delta revision: %+v", update)
	}
	if update.Component == nil || update.Component.Content != "hello" {
		t.Fatalf("bad delta component: %+v", update)
	}

	// Closing discards the canvas for everyone.
	sendRequest(t, editor, "req-4", protocol.TypeCanvas, protocol.CanvasPayload{
		Action:   protocol.CanvasActionClose,
		CanvasID: created.ID,
	})
	closePush := readEnvelope(t, viewer)
	var closed model.CanvasUpdate
	if err := json.Unmarshal([]byte(closePush.Payload), &closed); err != nil {
		t.Fatalf("bad close delta: %v", err)
	}
	if !closed.Closed || closed.CanvasID != created.ID {
		t.Fatalf("bad close delta: %+v", closed)
	}

	// A later watch finds nothing.
	sendRequest(t, viewer, "req-5", protocol.TypeCanvas, protocol.CanvasPayload{
		Action:   protocol.CanvasActionWatch,
		CanvasID: created.ID,
	})
	resp = readEnvelope(t, viewer)
	if resp.Error != "Canvas not found" {
		t.Fatalf("want Canvas not found, got %+v", resp)
	}
}

func TestGatewayCanvasIsolatedByUser(t *testing.T) {
	srv, tokenCfg := newGatewayServer(t, Deps{})

	tokA, _ := auth.CreateToken("user-a", tokenCfg)
	tokB, _ := auth.CreateToken("user-b", tokenCfg)
	owner := dialNode(t, srv, tokA, "dev-a", "desktop")
	stranger := dialNode(t, srv, tokB, "dev-b", "desktop")

	sendRequest(t, owner, "req-1", protocol.TypeCanvas, protocol.CanvasPayload{
		Action: protocol.CanvasActionCreate,
	})
	resp := readEnvelope(t, owner)
	var created model.CanvasState
	if err := json.Unmarshal([]byte(resp.Payload), &created); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}

	sendRequest(t, stranger, "req-2", protocol.TypeCanvas, protocol.CanvasPayload{
		Action:   protocol.CanvasActionWatch,
		CanvasID: created.ID,
	})
	resp = readEnvelope(t, stranger)
	if resp.Error != "Canvas not found" {
		t.Fatalf("cross-user watch should be refused, got %+v", resp)
	}
}

func TestGatewayWatcherSeesContiguousRevisions(t *testing.T) {
	srv, tokenCfg := newGatewayServer(t, Deps{})

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	editor := dialNode(t, srv, tok, "dev-1", "desktop")
	viewer := dialNode(t, srv, tok, "dev-2", "web")

	sendRequest(t, editor, "req-1", protocol.TypeCanvas, protocol.CanvasPayload{
		Action: protocol.CanvasActionCreate,
	})
	resp := readEnvelope(t, editor)
	var created model.CanvasState
	if err := json.Unmarshal([]byte(resp.Payload), &created); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}

	// The viewer joins mid-stream: whatever snapshot revision it gets,
	// every later revision must arrive as a delta with no gap.
	const updates = 30
	viewerErr := make(chan error, 1)
	go func() {
		viewerErr <- func() error {
			payload, _ := json.Marshal(protocol.CanvasPayload{
				Action:   protocol.CanvasActionWatch,
				CanvasID: created.ID,
			})
			if err := viewer.WriteJSON(protocol.Request{ID: "watch-1", Type: protocol.TypeCanvas, Payload: payload}); err != nil {
				return err
			}
			_ = viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
			var reply protocol.Response
			if err := viewer.ReadJSON(&reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("watch: %s", reply.Error)
			}
			var snap model.CanvasState
			if err := json.Unmarshal([]byte(reply.Payload), &snap); err != nil {
				return err
			}

			for next := snap.Revision + 1; next <= updates; next++ {
				_ = viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
				var env protocol.Response
				if err := viewer.ReadJSON(&env); err != nil {
					return err
				}
				var u model.CanvasUpdate
				if err := json.Unmarshal([]byte(env.Payload), &u); err != nil {
					return err
				}
				if u.Revision != next {
					return fmt.Errorf("revision gap: want %d, got %d", next, u.Revision)
				}
			}
			return nil
		}()
	}()

	for i := 0; i < updates; i++ {
		comp, _ := json.Marshal(model.Component{ID: fmt.Sprintf("c%d", i), Type: model.ComponentText, Content: "x"})
		id := fmt.Sprintf("u%d", i)
		sendRequest(t, editor, id, protocol.TypeCanvas, protocol.CanvasPayload{
			Action:    protocol.CanvasActionUpdate,
			CanvasID:  created.ID,
			Component: comp,
		})
		for {
			env := readEnvelope(t, editor)
			if !env.IsPush() && env.RequestID == id {
				if env.Error != "" {
					t.Fatalf("update %s: %s", id, env.Error)
				}
				break
			}
		}
	}

	if err := <-viewerErr; err != nil {
		t.Fatalf("viewer: %v", err)
	}
}

func TestGatewayDeviceCommands(t *testing.T) {
	st := store.New()
	srv, tokenCfg := newGatewayServer(t, Deps{Store: st})

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := dialNode(t, srv, tok, "dev-1", "desktop")

	sendRequest(t, conn, "req-1", protocol.TypeCommand, protocol.CommandPayload{
		Action: protocol.CommandActionListDevices,
	})
	resp := readEnvelope(t, conn)
	if resp.Error != "" {
		t.Fatalf("list failed: %+v", resp)
	}
	var devices []model.Device
	if err := json.Unmarshal([]byte(resp.Payload), &devices); err != nil {
		t.Fatalf("bad device list: %v", err)
	}
	// The connecting device registers itself on handshake.
	if len(devices) != 1 || devices[0].ID != "dev-1" {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	sendRequest(t, conn, "req-2", protocol.TypeCommand, protocol.CommandPayload{
		Action:   protocol.CommandActionRemoveDevice,
		DeviceID: "no-such-device",
	})
	resp = readEnvelope(t, conn)
	if resp.Error != "Device not found" {
		t.Fatalf("want Device not found, got %+v", resp)
	}

	sendRequest(t, conn, "req-3", protocol.TypeCommand, protocol.CommandPayload{
		Action:   protocol.CommandActionRemoveDevice,
		DeviceID: "dev-1",
	})
	resp = readEnvelope(t, conn)
	if resp.Error != "" {
		t.Fatalf("remove failed: %+v", resp)
	}
	if got := st.ListDevices("user-1"); len(got) != 0 {
		t.Fatalf("device still registered: %+v", got)
	}
}

func TestGatewayUnknownRequestType(t *testing.T) {
	srv, tokenCfg := newGatewayServer(t, Deps{})

	tok, _ := auth.CreateToken("user-1", tokenCfg)
	conn := dialNode(t, srv, tok, "dev-1", "web")

	sendRequest(t, conn, "req-1", "telemetry", nil)
	resp := readEnvelope(t, conn)
	if resp.RequestID != "req-1" || resp.Error != "unknown request type" {
		t.Fatalf("want unknown request type error, got %+v", resp)
	}
}
