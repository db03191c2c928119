package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"canvas-gateway/internal/model"
	"canvas-gateway/internal/protocol"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

const (
	defaultRequestTimeout = 120 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultRetryBase      = 2 * time.Second
	defaultMaxAttempts    = 5
)

// Options configures a Client. URL, Token, DeviceID and DeviceType are
// required unless a Transport is supplied.
type Options struct {
	URL        string
	Token      string
	DeviceID   string
	DeviceType string

	// RequestTimeout bounds how long a request waits for its reply.
	RequestTimeout time.Duration
	// ConnectTimeout bounds each handshake attempt.
	ConnectTimeout time.Duration
	// RetryBase is the unit of the linear reconnect delay; attempt n
	// waits n*RetryBase.
	RetryBase time.Duration
	// MaxReconnectAttempts caps automatic reconnection before giving up.
	MaxReconnectAttempts int

	// Transport overrides the websocket transport.
	Transport Transport

	// after overrides the reconnect delay timer.
	after func(time.Duration) <-chan time.Time
}

// Events are optional callbacks. They are invoked from the client's internal
// goroutines and must not block.
type Events struct {
	OnConnected       func()
	OnDisconnected    func(err error)
	OnChatMessage     func(message string)
	OnCanvasUpdate    func(update model.CanvasUpdate)
	OnReconnectFailed func(err error)
}

// Client is a gateway node: it multiplexes concurrent requests over one
// connection, dispatches unsolicited pushes, mirrors canvas state, and
// reconnects with a linear backoff when the connection drops.
type Client struct {
	opts      Options
	events    Events
	transport Transport
	pending   *pendingTable
	canvases  *canvasCache
	policy    backoff.BackOff
	after     func(time.Duration) <-chan time.Time

	mu              sync.Mutex
	state           State
	attempts        int
	cancelReconnect chan struct{}
	// dropped records a disconnect that fired while a dial was still in
	// flight, so the dialer never publishes a dead transport as connected.
	dropped bool
}

// linearBackOff yields base, 2*base, ... up to max delays, then Stop.
type linearBackOff struct {
	base    time.Duration
	max     int
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.max {
		return backoff.Stop
	}
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func New(opts Options, events Events) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxAttempts
	}

	c := &Client{
		opts:     opts,
		events:   events,
		pending:  newPendingTable(),
		canvases: newCanvasCache(),
		policy:   &linearBackOff{base: opts.RetryBase, max: opts.MaxReconnectAttempts},
		after:    opts.after,
		state:    StateDisconnected,
	}
	if c.after == nil {
		c.after = func(d time.Duration) <-chan time.Time { return time.After(d) }
	}

	if opts.Transport != nil {
		c.transport = opts.Transport
	} else {
		t, err := NewWebSocketTransport(opts.URL, opts.Token, opts.DeviceID, opts.DeviceType,
			opts.ConnectTimeout, c.handleMessage, c.handleDisconnect)
		if err != nil {
			return nil, err
		}
		c.transport = t
	}
	return c, nil
}

// Connect establishes the connection. It is also how a caller recovers after
// Disconnect or a terminal reconnect failure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.dropped = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	err := c.transport.Connect(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	if c.state != StateConnecting || c.dropped {
		// Disconnect raced the dial, or the new link died before we
		// could publish it.
		c.dropped = false
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		_ = c.transport.Close()
		return ErrNotConnected
	}
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()
	c.policy.Reset()

	if c.events.OnConnected != nil {
		c.events.OnConnected()
	}
	return nil
}

// Disconnect deliberately closes the connection. Pending requests fail with
// ErrNotConnected and no reconnection is attempted.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.state = StateDisconnected
	if c.cancelReconnect != nil {
		close(c.cancelReconnect)
		c.cancelReconnect = nil
	}
	c.mu.Unlock()

	err := c.transport.Close()
	c.pending.failAll(ErrNotConnected)
	return err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// ReconnectAttempts reports how many reconnect dials have been made since
// the connection last dropped.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) handleDisconnect(err error) {
	c.pending.failAll(ErrNotConnected)

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateReconnecting {
		// A dial is in flight; let the dialer discard its result.
		c.dropped = true
		c.mu.Unlock()
		return
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.attempts = 0
	cancel := make(chan struct{})
	c.cancelReconnect = cancel
	c.mu.Unlock()

	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected(err)
	}
	go c.reconnectLoop(cancel)
}

func (c *Client) reconnectLoop(cancel chan struct{}) {
	for {
		delay := c.policy.NextBackOff()
		if delay == backoff.Stop {
			c.policy.Reset()
			c.mu.Lock()
			c.state = StateFailed
			c.cancelReconnect = nil
			c.mu.Unlock()
			if c.events.OnReconnectFailed != nil {
				c.events.OnReconnectFailed(ErrMaxReconnectAttemptsReached)
			}
			return
		}

		select {
		case <-cancel:
			return
		case <-c.after(delay):
		}

		c.mu.Lock()
		c.attempts++
		// Any drop recorded before this dial belongs to a link that no
		// longer exists.
		c.dropped = false
		c.mu.Unlock()

		ctx, cancelCtx := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		err := c.transport.Connect(ctx)
		cancelCtx()
		if err != nil {
			continue
		}

		c.mu.Lock()
		// A Disconnect racing with the dial wins.
		select {
		case <-cancel:
			c.mu.Unlock()
			_ = c.transport.Close()
			return
		default:
		}
		if c.dropped {
			// The fresh link died before we could publish it; keep
			// redialing on the remaining schedule.
			c.dropped = false
			c.mu.Unlock()
			continue
		}
		c.state = StateConnected
		c.cancelReconnect = nil
		c.mu.Unlock()
		c.policy.Reset()
		if c.events.OnConnected != nil {
			c.events.OnConnected()
		}
		return
	}
}

func (c *Client) handleMessage(data []byte) {
	resp, err := protocol.ParseResponse(data)
	if err != nil {
		// Not an envelope; surface the raw frame as a chat message so
		// nothing the server says is silently lost.
		c.dispatchChat(string(data))
		return
	}

	if !resp.IsPush() {
		r := result{payload: resp.Payload}
		if resp.Error != "" {
			r = result{err: &ServerError{Message: resp.Error}}
		}
		c.pending.resolve(resp.RequestID, r)
		return
	}

	switch resp.Type {
	case protocol.TypeMessage:
		c.dispatchChat(resp.Payload)
	case protocol.TypeCanvasUpdate:
		var u model.CanvasUpdate
		if err := json.Unmarshal([]byte(resp.Payload), &u); err != nil || u.CanvasID == "" {
			c.dispatchChat(resp.Payload)
			return
		}
		c.canvases.apply(u)
		if c.events.OnCanvasUpdate != nil {
			c.events.OnCanvasUpdate(u)
		}
	default:
		c.dispatchChat(string(data))
	}
}

func (c *Client) dispatchChat(message string) {
	if c.events.OnChatMessage != nil {
		c.events.OnChatMessage(message)
	}
}

// Request sends one envelope and blocks until the reply, the request
// timeout, a disconnect, or ctx cancellation.
func (c *Client) Request(ctx context.Context, reqType string, payload any) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		raw = data
	}

	id := uuid.New().String()
	frame, err := json.Marshal(protocol.Request{ID: id, Type: reqType, Payload: raw})
	if err != nil {
		return "", err
	}

	ch := c.pending.register(id, c.opts.RequestTimeout)
	if err := c.transport.Send(frame); err != nil {
		c.pending.cancel(id)
		return "", err
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		c.pending.cancel(id)
		return "", ctx.Err()
	}
}

// SendChat sends a chat message and returns the assistant reply.
func (c *Client) SendChat(ctx context.Context, message string) (string, error) {
	return c.Request(ctx, protocol.TypeChat, protocol.ChatPayload{Message: message})
}

// RequestPairingCode asks the server to mint a single-use pairing code.
func (c *Client) RequestPairingCode(ctx context.Context) (string, error) {
	return c.Request(ctx, protocol.TypePairing, protocol.PairingPayload{
		Action: protocol.PairingActionRequestCode,
	})
}

// CreateCanvas opens a fresh canvas, subscribes this connection to its
// updates, and seeds the local mirror with the initial snapshot.
func (c *Client) CreateCanvas(ctx context.Context) (model.CanvasState, error) {
	payload, err := c.Request(ctx, protocol.TypeCanvas, protocol.CanvasPayload{
		Action: protocol.CanvasActionCreate,
	})
	if err != nil {
		return model.CanvasState{}, err
	}
	return c.cacheCanvasSnapshot(payload)
}

// WatchCanvas subscribes to an existing canvas and returns its current
// snapshot.
func (c *Client) WatchCanvas(ctx context.Context, canvasID string) (model.CanvasState, error) {
	payload, err := c.Request(ctx, protocol.TypeCanvas, protocol.CanvasPayload{
		Action:   protocol.CanvasActionWatch,
		CanvasID: canvasID,
	})
	if err != nil {
		return model.CanvasState{}, err
	}
	return c.cacheCanvasSnapshot(payload)
}

func (c *Client) cacheCanvasSnapshot(payload string) (model.CanvasState, error) {
	var cs model.CanvasState
	if err := json.Unmarshal([]byte(payload), &cs); err != nil {
		return model.CanvasState{}, err
	}
	c.canvases.put(cs)
	return cs, nil
}

// UpdateComponent upserts one component on a canvas. The new state arrives
// back as a pushed delta, the same way it reaches every other viewer.
func (c *Client) UpdateComponent(ctx context.Context, canvasID string, comp model.Component) error {
	raw, err := json.Marshal(comp)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, protocol.TypeCanvas, protocol.CanvasPayload{
		Action:    protocol.CanvasActionUpdate,
		CanvasID:  canvasID,
		Component: raw,
	})
	return err
}

// CloseCanvas discards a canvas for every viewer.
func (c *Client) CloseCanvas(ctx context.Context, canvasID string) error {
	_, err := c.Request(ctx, protocol.TypeCanvas, protocol.CanvasPayload{
		Action:   protocol.CanvasActionClose,
		CanvasID: canvasID,
	})
	return err
}

// AnalyzeImage submits a base64 image for analysis and returns the
// description.
func (c *Client) AnalyzeImage(ctx context.Context, imageBase64 string) (string, error) {
	return c.Request(ctx, protocol.TypeImage, protocol.ImagePayload{
		Action: protocol.ImageActionAnalyze,
		Image:  imageBase64,
	})
}

// ListDevices returns the devices paired to this account.
func (c *Client) ListDevices(ctx context.Context) ([]model.Device, error) {
	payload, err := c.Request(ctx, protocol.TypeCommand, protocol.CommandPayload{
		Action: protocol.CommandActionListDevices,
	})
	if err != nil {
		return nil, err
	}
	var devices []model.Device
	if err := json.Unmarshal([]byte(payload), &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// RemoveDevice unpairs a device from this account.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	_, err := c.Request(ctx, protocol.TypeCommand, protocol.CommandPayload{
		Action:   protocol.CommandActionRemoveDevice,
		DeviceID: deviceID,
	})
	return err
}

// Canvas returns a copy of the locally mirrored canvas state.
func (c *Client) Canvas(canvasID string) (model.CanvasState, bool) {
	return c.canvases.get(canvasID)
}
