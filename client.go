// SPDX-License-Identifier: MIT

package vnc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ButtonMask represents the state of pointer buttons in a pointer event.
type ButtonMask uint8

// Button mask constants for standard mouse buttons and scroll wheel events.
const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	Button4
	Button5
	Button6
	Button7
	Button8
)

// defaultEventBuffer is the event queue capacity when the caller does
// not configure one. The queue is bounded: a consumer that stops
// polling eventually blocks the reader instead of growing memory.
const defaultEventBuffer = 64

// ClientConfig configures a client session. Most callers should use the
// functional options with Connect instead of filling this in directly.
type ClientConfig struct {
	// Auth lists the authentication methods the caller is willing to
	// use, in preference order. Defaults to None only.
	Auth []ClientAuth

	// AuthFunc, when set, overrides Auth: it is called with the
	// security types offered by the server and returns the method to
	// use, or nil to refuse the connection.
	AuthFunc AuthFunc

	// AuthRegistry, when set, negotiates the method from its
	// registered factories, using Auth as the preference order.
	AuthRegistry *AuthRegistry

	// Exclusive requests that the server disconnect other clients.
	// By default the session is shared.
	Exclusive bool

	// Logger receives structured handshake and pump logging.
	// Defaults to NoOpLogger.
	Logger Logger

	// EventBuffer is the capacity of the event queue.
	EventBuffer int

	// CopyRect, ZRLE, Cursor, DesktopSize, and ExtendedKeyEvents
	// toggle which encodings are advertised to the server. Raw is
	// always in the list; with no toggle set no list is sent.
	CopyRect          bool
	ZRLE              bool
	Cursor            bool
	DesktopSize       bool
	ExtendedKeyEvents bool
}

// ClientOption is a functional option for configuring a client session.
type ClientOption func(*ClientConfig)

// WithAuth sets the authentication methods the caller is willing to
// use, in preference order.
func WithAuth(auth ...ClientAuth) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Auth = auth
	}
}

// WithAuthFunc sets a decision function that picks the authentication
// method from the security types offered by the server.
func WithAuthFunc(fn AuthFunc) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.AuthFunc = fn
	}
}

// WithAuthRegistry negotiates authentication from a registry of method
// factories instead of a fixed list.
func WithAuthRegistry(registry *AuthRegistry) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.AuthRegistry = registry
	}
}

// WithShared requests shared (true) or exclusive (false) access.
// Sessions are shared unless configured otherwise.
func WithShared(shared bool) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Exclusive = !shared
	}
}

// WithLogger sets the logger for the session.
func WithLogger(logger Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithEventBuffer sets the capacity of the event queue. The reader
// blocks when the queue is full.
func WithEventBuffer(size int) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.EventBuffer = size
	}
}

// WithCopyRect advertises the CopyRect encoding.
func WithCopyRect() ClientOption {
	return func(cfg *ClientConfig) {
		cfg.CopyRect = true
	}
}

// WithZRLE advertises the ZRLE encoding.
func WithZRLE() ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ZRLE = true
	}
}

// WithCursor advertises the Cursor pseudo-encoding.
func WithCursor() ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Cursor = true
	}
}

// WithDesktopSize advertises the DesktopSize pseudo-encoding.
func WithDesktopSize() ClientOption {
	return func(cfg *ClientConfig) {
		cfg.DesktopSize = true
	}
}

// WithExtendedKeyEvents advertises the QEMU extended key event
// pseudo-encoding.
func WithExtendedKeyEvents() ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ExtendedKeyEvents = true
	}
}

// Client is an established client session. One background goroutine
// (the pump) reads server messages and delivers events; the caller's
// own goroutine issues commands and polls events. Commands are safe for
// concurrent use.
type Client struct {
	conn   net.Conn
	logger Logger

	events chan Event
	done   chan struct{}
	closed sync.Once

	name   string
	width  uint16
	height uint16

	writeMu sync.Mutex

	formatMu sync.Mutex
	format   PixelFormat
}

// Connect performs the RFB handshake over an established connection and
// starts the background reader. On success the connection is owned by
// the returned Client; on failure the caller keeps ownership.
func Connect(conn net.Conn, options ...ClientOption) (*Client, error) {
	return ConnectWithContext(context.Background(), conn, options...)
}

// ConnectWithContext is Connect with the handshake bounded by the
// context's deadline. The deadline applies to the handshake only; after
// it completes the connection deadline is cleared.
func ConnectWithContext(ctx context.Context, conn net.Conn, options ...ClientOption) (*Client, error) {
	cfg := &ClientConfig{}
	for _, option := range options {
		option(cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, networkError("Connect", "failed to set handshake deadline", err)
		}
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}

	client, err := handshake(conn, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := client.advertiseEncodings(cfg); err != nil {
		return nil, err
	}

	go client.pump()

	return client, nil
}

// handshake drives the client side of the connection establishment
// state machine: version, security, authentication, and init.
func handshake(conn net.Conn, cfg *ClientConfig, logger Logger) (*Client, error) {
	version, err := readVersion(conn)
	if err != nil {
		return nil, err
	}
	logger.Debug("Received server version", Field{Key: "version", Value: version.String()})

	if err := version.writeTo(conn); err != nil {
		return nil, err
	}

	securityTypes, err := readOfferedSecurityTypes(conn, version)
	if err != nil {
		return nil, err
	}

	if len(securityTypes) == 0 {
		reason, err := readString(conn)
		if err != nil {
			return nil, err
		}
		logger.Error("Server refused connection", Field{Key: "reason", Value: reason})
		return nil, &ServerRefusalError{Reason: reason}
	}

	available := make([]SecurityType, 0, len(securityTypes))
	for _, t := range securityTypes {
		switch t {
		case SecTypeNone, SecTypeVNCAuthentication, SecTypeAppleRemoteDesktop:
			available = append(available, t)
		}
	}

	auth := chooseAuth(cfg, available)
	if auth == nil {
		logger.Error("No acceptable authentication method",
			Field{Key: "server_types", Value: fmt.Sprintf("%v", securityTypes)})
		return nil, ErrAuthenticationUnavailable
	}
	logger.Info("Selected authentication method", Field{Key: "method", Value: auth.String()})

	// For 3.3 the server dictates the type; 3.7+ echo the choice back.
	if version != Version33 {
		if err := auth.SecurityType().writeTo(conn); err != nil {
			return nil, err
		}
	}

	if err := auth.Handshake(conn); err != nil {
		return nil, err
	}

	// The SecurityResult is omitted for None under 3.3 and 3.7.
	skipResult := auth.SecurityType() == SecTypeNone &&
		(version == Version33 || version == Version37)
	if !skipResult {
		result, err := readSecurityResult(conn)
		if err != nil {
			return nil, err
		}
		if result == SecurityResultFailed {
			reason := ""
			if version == Version38 {
				reason, err = readString(conn)
				if err != nil {
					return nil, err
				}
			}
			logger.Error("Authentication failed", Field{Key: "reason", Value: reason})
			return nil, &AuthenticationFailureError{Reason: reason}
		}
	}

	if err := (ClientInit{Shared: !cfg.Exclusive}).writeTo(conn); err != nil {
		return nil, err
	}

	serverInit, err := readServerInit(conn)
	if err != nil {
		return nil, err
	}

	validator := newInputValidator()
	if err := validator.ValidateFramebufferDimensions(serverInit.Width, serverInit.Height); err != nil {
		return nil, err
	}
	if err := serverInit.Format.Validate(); err != nil {
		return nil, protocolError("handshake", "server sent invalid pixel format", err)
	}

	logger.Info("Handshake completed",
		Field{Key: "name", Value: serverInit.Name},
		Field{Key: "width", Value: serverInit.Width},
		Field{Key: "height", Value: serverInit.Height},
		Field{Key: "bpp", Value: serverInit.Format.BPP})

	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}

	return &Client{
		conn:   conn,
		logger: logger,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		name:   serverInit.Name,
		width:  serverInit.Width,
		height: serverInit.Height,
		format: serverInit.Format,
	}, nil
}

// readOfferedSecurityTypes reads the server's security offer: a single
// u32 type for 3.3 (Invalid meaning refusal), a u8-counted list for
// 3.7 and later.
func readOfferedSecurityTypes(r io.Reader, version Version) ([]SecurityType, error) {
	if version == Version33 {
		var t uint32
		if err := binary.Read(r, binary.BigEndian, &t); err != nil {
			return nil, networkError("readOfferedSecurityTypes", "failed to read security type", err)
		}
		if SecurityType(t) == SecTypeInvalid {
			return nil, nil
		}
		return []SecurityType{SecurityType(t)}, nil
	}
	return readSecurityTypes(r)
}

func chooseAuth(cfg *ClientConfig, available []SecurityType) ClientAuth {
	if cfg.AuthFunc != nil {
		return cfg.AuthFunc(available)
	}
	if cfg.AuthRegistry != nil {
		var preferred []SecurityType
		for _, method := range cfg.Auth {
			preferred = append(preferred, method.SecurityType())
		}
		return cfg.AuthRegistry.Negotiate(available, preferred)
	}
	methods := cfg.Auth
	if methods == nil {
		methods = []ClientAuth{&ClientAuthNone{}}
	}
	for _, method := range methods {
		for _, offered := range available {
			if method.SecurityType() == offered {
				return method
			}
		}
	}
	return nil
}

// advertiseEncodings sends the SetEncodings the session was configured
// with. Raw needs no advertisement but is included for servers that
// treat the list as exhaustive.
func (c *Client) advertiseEncodings(cfg *ClientConfig) error {
	encodings := []Encoding{}
	if cfg.ZRLE {
		encodings = append(encodings, EncodingZRLE)
	}
	if cfg.CopyRect {
		encodings = append(encodings, EncodingCopyRect)
	}
	encodings = append(encodings, EncodingRaw)
	if cfg.Cursor {
		encodings = append(encodings, EncodingCursor)
	}
	if cfg.DesktopSize {
		encodings = append(encodings, EncodingDesktopSize)
	}
	if cfg.ExtendedKeyEvents {
		encodings = append(encodings, EncodingExtendedKeyEvent)
	}
	if len(encodings) == 1 {
		// Raw alone is implicit.
		return nil
	}
	return c.SetEncodings(encodings)
}

// Name returns the desktop name from ServerInit.
func (c *Client) Name() string {
	return c.name
}

// Size returns the current framebuffer dimensions. The value follows
// Resize events as they are polled.
func (c *Client) Size() (width, height uint16) {
	return c.width, c.height
}

// Format returns the pixel format currently in effect for the session.
func (c *Client) Format() PixelFormat {
	c.formatMu.Lock()
	defer c.formatMu.Unlock()
	return c.format
}

// SetEncodings tells the server which encodings the client understands,
// in preference order.
func (c *Client) SetEncodings(encodings []Encoding) error {
	return c.send(SetEncodings{Encodings: encodings})
}

// RequestUpdate asks the server for an update of the given region.
// With incremental set, only changed pixels are sent.
func (c *Client) RequestUpdate(rect Rect, incremental bool) error {
	return c.send(FramebufferUpdateRequest{
		Incremental: incremental,
		X:           rect.Left,
		Y:           rect.Top,
		Width:       rect.Width,
		Height:      rect.Height,
	})
}

// SendKeyEvent reports a key press or release identified by an X11
// keysym.
func (c *Client) SendKeyEvent(down bool, key uint32) error {
	return c.send(KeyEvent{Down: down, Key: key})
}

// SendPointerEvent reports pointer position and button state.
func (c *Client) SendPointerEvent(buttons ButtonMask, x, y uint16) error {
	return c.send(PointerEvent{ButtonMask: uint8(buttons), X: x, Y: y})
}

// SendExtendedKeyEvent sends a QEMU extended key event carrying an XT
// keycode in addition to the keysym. Only meaningful after the server
// confirmed the ExtendedKeyEvent pseudo-encoding.
func (c *Client) SendExtendedKeyEvent(down bool, keysym, keycode uint32) error {
	return c.send(ExtendedKeyEvent{Down: down, Keysym: keysym, Keycode: keycode})
}

// UpdateClipboard reports new clipboard contents to the server. The
// text must be Latin-1; anything else is rejected.
func (c *Client) UpdateClipboard(text string) error {
	if err := newInputValidator().ValidateLatin1(text); err != nil {
		return err
	}
	return c.send(ClientCutText{Text: text})
}

// PokeQEMU re-sends the current pixel format. QEMU responds to any
// SetPixelFormat with a framebuffer update, which makes it useful as a
// cheap liveness and resize probe.
func (c *Client) PokeQEMU() error {
	return c.send(SetPixelFormat{Format: c.Format()})
}

// SetFormat switches the session to a new pixel format.
//
// This is best-effort by the nature of the protocol: there is no
// framing boundary between pixels in the old format and pixels that
// follow SetPixelFormat, so a server with updates already in flight can
// corrupt the stream. SetFormat narrows the window by draining the
// event queue, requesting one full non-incremental update, and blocking
// until the whole-framebuffer PutPixels arrives; only then, with the
// server known to be idle, does it issue SetPixelFormat and swap the
// shared format. Events consumed while waiting are discarded.
func (c *Client) SetFormat(format PixelFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}

	for c.PollEvent() != nil {
	}

	full := Rect{Left: 0, Top: 0, Width: c.width, Height: c.height}
	if err := c.RequestUpdate(full, false); err != nil {
		return err
	}

	for {
		event := c.WaitEvent()
		if event == nil {
			return networkError("SetFormat", "session closed while waiting for update", nil)
		}
		switch ev := event.(type) {
		case EventDisconnected:
			if ev.Err != nil {
				return ev.Err
			}
			return ErrDisconnected
		case EventPutPixels:
			if ev.Rect == full {
				// The requested full update has arrived; switch now.
				// Updates the server sends unrequested can still race.
				if err := c.send(SetPixelFormat{Format: format}); err != nil {
					return err
				}
				c.formatMu.Lock()
				c.format = format
				c.formatMu.Unlock()
				return nil
			}
		}
	}
}

// PollEvent returns the next delivered event, or nil if the queue is
// empty. It never blocks.
func (c *Client) PollEvent() Event {
	select {
	case event, ok := <-c.events:
		if !ok {
			return nil
		}
		return c.observe(event)
	default:
		return nil
	}
}

// WaitEvent blocks until an event is delivered. It returns nil once the
// session has ended and the queue is exhausted.
func (c *Client) WaitEvent() Event {
	event, ok := <-c.events
	if !ok {
		return nil
	}
	return c.observe(event)
}

// observe applies session-level bookkeeping to an event on its way to
// the caller.
func (c *Client) observe(event Event) Event {
	if resize, ok := event.(EventResize); ok {
		c.width = resize.Width
		c.height = resize.Height
	}
	return event
}

// Disconnect shuts the connection down. The pump unblocks with an EOF
// or I/O error and stops; once Disconnect has been called its terminal
// event may be dropped. WaitEvent returns nil once the queue is
// exhausted.
func (c *Client) Disconnect() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(m ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteClientMessage(c.conn, m)
}

// deliver queues an event for the caller, blocking while the queue is
// full. It reports false once the session is shutting down.
func (c *Client) deliver(event Event) bool {
	select {
	case c.events <- event:
		return true
	case <-c.done:
		return false
	}
}

// pump is the background reader. It owns the read side of the
// connection and the session-scoped ZRLE decoder, and converts every
// failure into a terminal EventDisconnected.
func (c *Client) pump() {
	defer close(c.events)

	decoder := newZRLEDecoder()
	defer decoder.Close() //nolint:errcheck

	for {
		err := c.pumpOne(decoder)
		if err == nil {
			continue
		}
		if err == ErrDisconnected || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			c.logger.Info("Connection closed")
			c.deliver(EventDisconnected{})
		} else if err == errPumpStopped {
			c.logger.Debug("Event delivery stopped")
		} else {
			c.logger.Error("Session failed", Field{Key: "error", Value: err})
			c.deliver(EventDisconnected{Err: err})
		}
		return
	}
}

// errPumpStopped is an internal signal that event delivery was cut
// short by Disconnect; it never reaches the caller.
var errPumpStopped = fmt.Errorf("vnc: event delivery stopped")

// pumpOne reads and dispatches a single server message.
func (c *Client) pumpOne(decoder *zrleDecoder) error {
	message, err := ReadServerMessage(c.conn)
	if err != nil {
		return err
	}

	switch m := message.(type) {
	case FramebufferUpdateHeader:
		format := c.Format()
		for i := uint16(0); i < m.Count; i++ {
			if err := c.pumpRectangle(decoder, format); err != nil {
				return err
			}
		}
		if !c.deliver(EventEndOfFrame{}) {
			return errPumpStopped
		}
	case SetColourMapEntries:
		if !c.deliver(EventSetColourMap{FirstColour: m.FirstColour, Colours: m.Colours}) {
			return errPumpStopped
		}
	case Bell:
		if !c.deliver(EventBell{}) {
			return errPumpStopped
		}
	case ServerCutText:
		if !c.deliver(EventClipboard{Text: m.Text}) {
			return errPumpStopped
		}
	}
	return nil
}

// pumpRectangle reads one rectangle of a framebuffer update and
// delivers the events it decodes to.
func (c *Client) pumpRectangle(decoder *zrleDecoder, format PixelFormat) error {
	header, err := readRectangleHeader(c.conn)
	if err != nil {
		return err
	}
	dst := header.Rect()
	c.logger.Debug("Rectangle",
		Field{Key: "rect", Value: dst.String()},
		Field{Key: "encoding", Value: header.Encoding.String()})

	switch header.Encoding {
	case EncodingRaw:
		length := int(dst.Width) * int(dst.Height) * format.BytesPerPixel()
		pixels := make([]byte, length)
		if _, err := io.ReadFull(c.conn, pixels); err != nil {
			return networkError("pumpRectangle", "failed to read raw pixel data", err)
		}
		if !c.deliver(EventPutPixels{Rect: dst, Pixels: pixels}) {
			return errPumpStopped
		}

	case EncodingCopyRect:
		var srcX, srcY uint16
		if err := binary.Read(c.conn, binary.BigEndian, &srcX); err != nil {
			return networkError("pumpRectangle", "failed to read copy source", err)
		}
		if err := binary.Read(c.conn, binary.BigEndian, &srcY); err != nil {
			return networkError("pumpRectangle", "failed to read copy source", err)
		}
		src := Rect{Left: srcX, Top: srcY, Width: dst.Width, Height: dst.Height}
		if !c.deliver(EventCopyPixels{Src: src, Dst: dst}) {
			return errPumpStopped
		}

	case EncodingZRLE:
		data, err := readBytes(c.conn)
		if err != nil {
			return err
		}
		completed, err := decoder.decode(format, dst, data, func(tile Rect, pixels []byte) (bool, error) {
			return c.deliver(EventPutPixels{Rect: tile, Pixels: pixels}), nil
		})
		if err != nil {
			return err
		}
		if !completed {
			return errPumpStopped
		}

	case EncodingCursor:
		pixels := make([]byte, int(dst.Width)*int(dst.Height)*format.BytesPerPixel())
		if _, err := io.ReadFull(c.conn, pixels); err != nil {
			return networkError("pumpRectangle", "failed to read cursor pixels", err)
		}
		maskBits := make([]byte, (int(dst.Width)+7)/8*int(dst.Height))
		if _, err := io.ReadFull(c.conn, maskBits); err != nil {
			return networkError("pumpRectangle", "failed to read cursor mask", err)
		}
		event := EventSetCursor{
			Width:    dst.Width,
			Height:   dst.Height,
			HotspotX: dst.Left,
			HotspotY: dst.Top,
			Pixels:   pixels,
			MaskBits: maskBits,
		}
		if !c.deliver(event) {
			return errPumpStopped
		}

	case EncodingDesktopSize:
		if !c.deliver(EventResize{Width: dst.Width, Height: dst.Height}) {
			return errPumpStopped
		}

	default:
		return protocolError("pumpRectangle",
			fmt.Sprintf("unexpected encoding %s", header.Encoding), nil)
	}
	return nil
}
