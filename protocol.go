// SPDX-License-Identifier: MIT

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
)

// Rect is a rectangular region of the framebuffer. It is used both for
// coordinates inside the framebuffer and for rectangle dimensions inside
// updates.
type Rect struct {
	Left   uint16
	Top    uint16
	Width  uint16
	Height uint16
}

// NewRect creates a Rect from position and dimensions.
func NewRect(left, top, width, height uint16) Rect {
	return Rect{Left: left, Top: top, Width: width, Height: height}
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.Left, r.Top)
}

// Colour is a single colour map entry with 16-bit intensities.
type Colour struct {
	R uint16
	G uint16
	B uint16
}

func readColour(r io.Reader) (Colour, error) {
	var c Colour
	data := []interface{}{&c.R, &c.G, &c.B}
	for _, val := range data {
		if err := binary.Read(r, binary.BigEndian, val); err != nil {
			return c, networkError("readColour", "failed to read colour component", err)
		}
	}
	return c, nil
}

func (c Colour) writeTo(w io.Writer) error {
	data := []interface{}{c.R, c.G, c.B}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("Colour.writeTo", "failed to write colour component", err)
		}
	}
	return nil
}

// Version identifies a negotiated RFB protocol version.
type Version int

// Supported protocol versions. Apple's "RFB 003.889" banner is accepted
// on read and normalized to Version38; all subsequent framing decisions
// treat it as 3.8.
const (
	Version33 Version = iota
	Version37
	Version38
)

func (v Version) String() string {
	switch v {
	case Version33:
		return "RFB 3.3"
	case Version37:
		return "RFB 3.7"
	case Version38:
		return "RFB 3.8"
	default:
		return fmt.Sprintf("RFB version %d", int(v))
	}
}

func readVersion(r io.Reader) (Version, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, networkError("readVersion", "failed to read protocol version", err)
	}
	switch string(buf[:]) {
	case "RFB 003.003\n":
		return Version33, nil
	case "RFB 003.007\n":
		return Version37, nil
	case "RFB 003.008\n":
		return Version38, nil
	case "RFB 003.889\n":
		// Apple Remote Desktop.
		return Version38, nil
	default:
		return 0, protocolError("readVersion",
			fmt.Sprintf("unexpected protocol version %q", string(buf[:])), nil)
	}
}

func (v Version) writeTo(w io.Writer) error {
	var banner string
	switch v {
	case Version33:
		banner = "RFB 003.003\n"
	case Version37:
		banner = "RFB 003.007\n"
	case Version38:
		banner = "RFB 003.008\n"
	default:
		return validationError("Version.writeTo", fmt.Sprintf("invalid version %d", int(v)), nil)
	}
	if _, err := w.Write([]byte(banner)); err != nil {
		return networkError("Version.writeTo", "failed to write protocol version", err)
	}
	return nil
}

// SecurityType identifies an RFB security type. Values outside the known
// set are preserved so they round-trip through the proxy.
type SecurityType uint8

// Security types from the core protocol plus the Apple Remote Desktop
// extension.
const (
	SecTypeInvalid            SecurityType = 0
	SecTypeNone               SecurityType = 1
	SecTypeVNCAuthentication  SecurityType = 2
	SecTypeAppleRemoteDesktop SecurityType = 30
)

func (t SecurityType) String() string {
	switch t {
	case SecTypeInvalid:
		return "Invalid"
	case SecTypeNone:
		return "None"
	case SecTypeVNCAuthentication:
		return "VncAuthentication"
	case SecTypeAppleRemoteDesktop:
		return "AppleRemoteDesktop"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

func readSecurityType(r io.Reader) (SecurityType, error) {
	var t uint8
	if err := binary.Read(r, binary.BigEndian, &t); err != nil {
		return 0, networkError("readSecurityType", "failed to read security type", err)
	}
	return SecurityType(t), nil
}

func (t SecurityType) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint8(t)); err != nil {
		return networkError("SecurityType.writeTo", "failed to write security type", err)
	}
	return nil
}

func readSecurityTypes(r io.Reader) ([]SecurityType, error) {
	var count uint8
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, networkError("readSecurityTypes", "failed to read security type count", err)
	}
	types := make([]SecurityType, 0, count)
	for i := uint8(0); i < count; i++ {
		t, err := readSecurityType(r)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func writeSecurityTypes(w io.Writer, types []SecurityType) error {
	if len(types) > 255 {
		return validationError("writeSecurityTypes",
			fmt.Sprintf("too many security types: %d", len(types)), nil)
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(types))); err != nil {
		return networkError("writeSecurityTypes", "failed to write security type count", err)
	}
	for _, t := range types {
		if err := t.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

// SecurityResult is the outcome of the security handshake.
type SecurityResult uint32

// Security handshake outcomes.
const (
	SecurityResultSucceeded SecurityResult = 0
	SecurityResultFailed    SecurityResult = 1
)

func readSecurityResult(r io.Reader) (SecurityResult, error) {
	var result uint32
	if err := binary.Read(r, binary.BigEndian, &result); err != nil {
		return 0, networkError("readSecurityResult", "failed to read security result", err)
	}
	switch SecurityResult(result) {
	case SecurityResultSucceeded, SecurityResultFailed:
		return SecurityResult(result), nil
	default:
		return 0, protocolError("readSecurityResult",
			fmt.Sprintf("unexpected security result %d", result), nil)
	}
}

func (sr SecurityResult) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint32(sr)); err != nil {
		return networkError("SecurityResult.writeTo", "failed to write security result", err)
	}
	return nil
}

// All strings on the wire are u32-length-prefixed ISO 8859-1 (Latin-1).
// Decoding widens each byte to one code point and is lossless; encoding
// rejects text containing characters outside Latin-1 rather than
// narrowing them lossily.

func readString(r io.Reader) (string, error) {
	data, err := readBytes(r)
	if err != nil {
		return "", err
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", encodingError("readString", "failed to decode Latin-1 string", err)
	}
	return string(decoded), nil
}

func writeString(w io.Writer, s string) error {
	data, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return validationError("writeString", "string contains characters outside Latin-1", err)
	}
	return writeBytesPrefixed(w, data)
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, networkError("readBytes", "failed to read length prefix", err)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, networkError("readBytes", "failed to read data", err)
	}
	return data, nil
}

func writeBytesPrefixed(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return networkError("writeBytesPrefixed", "failed to write length prefix", err)
	}
	if _, err := w.Write(data); err != nil {
		return networkError("writeBytesPrefixed", "failed to write data", err)
	}
	return nil
}

func readPadding(r io.Reader, n int) error {
	var pad [3]byte
	if _, err := io.ReadFull(r, pad[:n]); err != nil {
		return networkError("readPadding", "failed to read padding", err)
	}
	return nil
}

func writePadding(w io.Writer, n int) error {
	var pad [3]byte
	if _, err := w.Write(pad[:n]); err != nil {
		return networkError("writePadding", "failed to write padding", err)
	}
	return nil
}

// Encoding is the tagged value identifying a rectangle's payload format.
// Unknown values are preserved as-is so the proxy can round-trip them.
type Encoding int32

// Encodings from the core protocol plus the pseudo-encodings and the
// QEMU extended key event extension.
const (
	EncodingRaw              Encoding = 0
	EncodingCopyRect         Encoding = 1
	EncodingRRE              Encoding = 2
	EncodingHextile          Encoding = 5
	EncodingZRLE             Encoding = 16
	EncodingCursor           Encoding = -239
	EncodingDesktopSize      Encoding = -223
	EncodingExtendedKeyEvent Encoding = -258
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "Raw"
	case EncodingCopyRect:
		return "CopyRect"
	case EncodingRRE:
		return "RRE"
	case EncodingHextile:
		return "Hextile"
	case EncodingZRLE:
		return "ZRLE"
	case EncodingCursor:
		return "Cursor"
	case EncodingDesktopSize:
		return "DesktopSize"
	case EncodingExtendedKeyEvent:
		return "ExtendedKeyEvent"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(e))
	}
}

func readEncoding(r io.Reader) (Encoding, error) {
	var e int32
	if err := binary.Read(r, binary.BigEndian, &e); err != nil {
		return 0, networkError("readEncoding", "failed to read encoding", err)
	}
	return Encoding(e), nil
}

func (e Encoding) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, int32(e)); err != nil {
		return networkError("Encoding.writeTo", "failed to write encoding", err)
	}
	return nil
}

// ClientInit is the message sent by the client after the security
// handshake. Shared requests that other clients stay connected.
type ClientInit struct {
	Shared bool
}

func readClientInit(r io.Reader) (ClientInit, error) {
	var shared uint8
	if err := binary.Read(r, binary.BigEndian, &shared); err != nil {
		return ClientInit{}, networkError("readClientInit", "failed to read shared flag", err)
	}
	return ClientInit{Shared: shared != 0}, nil
}

func (ci ClientInit) writeTo(w io.Writer) error {
	var shared uint8
	if ci.Shared {
		shared = 1
	}
	if err := binary.Write(w, binary.BigEndian, shared); err != nil {
		return networkError("ClientInit.writeTo", "failed to write shared flag", err)
	}
	return nil
}

// ServerInit describes the server's framebuffer: dimensions, natural
// pixel format, and desktop name.
type ServerInit struct {
	Width  uint16
	Height uint16
	Format PixelFormat
	Name   string
}

func readServerInit(r io.Reader) (ServerInit, error) {
	var si ServerInit
	if err := binary.Read(r, binary.BigEndian, &si.Width); err != nil {
		return si, networkError("readServerInit", "failed to read framebuffer width", err)
	}
	if err := binary.Read(r, binary.BigEndian, &si.Height); err != nil {
		return si, networkError("readServerInit", "failed to read framebuffer height", err)
	}
	format, err := readPixelFormat(r)
	if err != nil {
		return si, err
	}
	si.Format = format
	si.Name, err = readString(r)
	if err != nil {
		return si, err
	}
	return si, nil
}

func (si ServerInit) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, si.Width); err != nil {
		return networkError("ServerInit.writeTo", "failed to write framebuffer width", err)
	}
	if err := binary.Write(w, binary.BigEndian, si.Height); err != nil {
		return networkError("ServerInit.writeTo", "failed to write framebuffer height", err)
	}
	if err := si.Format.writeTo(w); err != nil {
		return err
	}
	return writeString(w, si.Name)
}

// RectangleHeader prefixes every rectangle inside a FramebufferUpdate.
type RectangleHeader struct {
	X        uint16
	Y        uint16
	Width    uint16
	Height   uint16
	Encoding Encoding
}

// Rect returns the destination rectangle described by the header.
func (h RectangleHeader) Rect() Rect {
	return Rect{Left: h.X, Top: h.Y, Width: h.Width, Height: h.Height}
}

func readRectangleHeader(r io.Reader) (RectangleHeader, error) {
	var h RectangleHeader
	data := []interface{}{&h.X, &h.Y, &h.Width, &h.Height}
	for _, val := range data {
		if err := binary.Read(r, binary.BigEndian, val); err != nil {
			return h, networkError("readRectangleHeader", "failed to read rectangle header", err)
		}
	}
	enc, err := readEncoding(r)
	if err != nil {
		return h, err
	}
	h.Encoding = enc
	return h, nil
}

func (h RectangleHeader) writeTo(w io.Writer) error {
	data := []interface{}{h.X, h.Y, h.Width, h.Height}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("RectangleHeader.writeTo", "failed to write rectangle header", err)
		}
	}
	return h.Encoding.writeTo(w)
}

// AppleAuthChallenge is the Diffie-Hellman handshake sent by an Apple
// Remote Desktop server after the client selects security type 30.
type AppleAuthChallenge struct {
	Generator uint16
	Prime     []byte
	PeerKey   []byte
}

func readAppleAuthChallenge(r io.Reader) (AppleAuthChallenge, error) {
	var c AppleAuthChallenge
	if err := binary.Read(r, binary.BigEndian, &c.Generator); err != nil {
		return c, networkError("readAppleAuthChallenge", "failed to read generator", err)
	}
	var keyLength uint16
	if err := binary.Read(r, binary.BigEndian, &keyLength); err != nil {
		return c, networkError("readAppleAuthChallenge", "failed to read key length", err)
	}
	c.Prime = make([]byte, keyLength)
	if _, err := io.ReadFull(r, c.Prime); err != nil {
		return c, networkError("readAppleAuthChallenge", "failed to read prime", err)
	}
	c.PeerKey = make([]byte, keyLength)
	if _, err := io.ReadFull(r, c.PeerKey); err != nil {
		return c, networkError("readAppleAuthChallenge", "failed to read peer public key", err)
	}
	return c, nil
}

// Client-to-server message type tags.
const (
	typeSetPixelFormat           uint8 = 0
	typeSetEncodings             uint8 = 2
	typeFramebufferUpdateRequest uint8 = 3
	typeKeyEvent                 uint8 = 4
	typePointerEvent             uint8 = 5
	typeClientCutText            uint8 = 6
	typeQEMUExtension            uint8 = 255
)

// Server-to-client message type tags.
const (
	typeFramebufferUpdate   uint8 = 0
	typeSetColourMapEntries uint8 = 1
	typeBell                uint8 = 2
	typeServerCutText       uint8 = 3
)

// ClientMessage is a message sent from the client to the server.
type ClientMessage interface {
	// MessageType returns the leading type tag of the message.
	MessageType() uint8

	writeTo(w io.Writer) error
}

// SetPixelFormat asks the server to deliver subsequent pixel data in the
// given format (message type 0).
type SetPixelFormat struct {
	Format PixelFormat
}

// SetEncodings advertises which encodings the client understands, in
// preference order (message type 2).
type SetEncodings struct {
	Encodings []Encoding
}

// FramebufferUpdateRequest asks the server for an update of the given
// region (message type 3).
type FramebufferUpdateRequest struct {
	Incremental bool
	X           uint16
	Y           uint16
	Width       uint16
	Height      uint16
}

// KeyEvent reports a key press or release identified by an X11 keysym
// (message type 4).
type KeyEvent struct {
	Down bool
	Key  uint32
}

// PointerEvent reports pointer position and button state (message type 5).
type PointerEvent struct {
	ButtonMask uint8
	X          uint16
	Y          uint16
}

// ClientCutText reports new clipboard contents on the client
// (message type 6).
type ClientCutText struct {
	Text string
}

// ExtendedKeyEvent is the QEMU extension carrying an XT keycode in
// addition to the keysym (message type 255, sub-type 0).
type ExtendedKeyEvent struct {
	Down    bool
	Keysym  uint32
	Keycode uint32
}

// MessageType returns the leading type tag of the message.
func (SetPixelFormat) MessageType() uint8 { return typeSetPixelFormat }

// MessageType returns the leading type tag of the message.
func (SetEncodings) MessageType() uint8 { return typeSetEncodings }

// MessageType returns the leading type tag of the message.
func (FramebufferUpdateRequest) MessageType() uint8 { return typeFramebufferUpdateRequest }

// MessageType returns the leading type tag of the message.
func (KeyEvent) MessageType() uint8 { return typeKeyEvent }

// MessageType returns the leading type tag of the message.
func (PointerEvent) MessageType() uint8 { return typePointerEvent }

// MessageType returns the leading type tag of the message.
func (ClientCutText) MessageType() uint8 { return typeClientCutText }

// MessageType returns the leading type tag of the message.
func (ExtendedKeyEvent) MessageType() uint8 { return typeQEMUExtension }

func (m SetPixelFormat) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, typeSetPixelFormat); err != nil {
		return networkError("SetPixelFormat.writeTo", "failed to write message type", err)
	}
	if err := writePadding(w, 3); err != nil {
		return err
	}
	return m.Format.writeTo(w)
}

func (m SetEncodings) writeTo(w io.Writer) error {
	if len(m.Encodings) > 0xFFFF {
		return validationError("SetEncodings.writeTo",
			fmt.Sprintf("too many encodings: %d", len(m.Encodings)), nil)
	}
	if err := binary.Write(w, binary.BigEndian, typeSetEncodings); err != nil {
		return networkError("SetEncodings.writeTo", "failed to write message type", err)
	}
	if err := writePadding(w, 1); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(m.Encodings))); err != nil {
		return networkError("SetEncodings.writeTo", "failed to write encoding count", err)
	}
	for _, enc := range m.Encodings {
		if err := enc.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m FramebufferUpdateRequest) writeTo(w io.Writer) error {
	var incremental uint8
	if m.Incremental {
		incremental = 1
	}
	data := []interface{}{typeFramebufferUpdateRequest, incremental, m.X, m.Y, m.Width, m.Height}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("FramebufferUpdateRequest.writeTo", "failed to write request", err)
		}
	}
	return nil
}

func (m KeyEvent) writeTo(w io.Writer) error {
	var down uint8
	if m.Down {
		down = 1
	}
	if err := binary.Write(w, binary.BigEndian, typeKeyEvent); err != nil {
		return networkError("KeyEvent.writeTo", "failed to write message type", err)
	}
	if err := binary.Write(w, binary.BigEndian, down); err != nil {
		return networkError("KeyEvent.writeTo", "failed to write down flag", err)
	}
	if err := writePadding(w, 2); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.Key); err != nil {
		return networkError("KeyEvent.writeTo", "failed to write keysym", err)
	}
	return nil
}

func (m PointerEvent) writeTo(w io.Writer) error {
	data := []interface{}{typePointerEvent, m.ButtonMask, m.X, m.Y}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("PointerEvent.writeTo", "failed to write pointer event", err)
		}
	}
	return nil
}

func (m ClientCutText) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, typeClientCutText); err != nil {
		return networkError("ClientCutText.writeTo", "failed to write message type", err)
	}
	if err := writePadding(w, 3); err != nil {
		return err
	}
	return writeString(w, m.Text)
}

func (m ExtendedKeyEvent) writeTo(w io.Writer) error {
	var down uint16
	if m.Down {
		down = 1
	}
	data := []interface{}{typeQEMUExtension, uint8(0), down, m.Keysym, m.Keycode}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("ExtendedKeyEvent.writeTo", "failed to write extended key event", err)
		}
	}
	return nil
}

// WriteClientMessage serializes a client-to-server message.
func WriteClientMessage(w io.Writer, m ClientMessage) error {
	return m.writeTo(w)
}

// ReadClientMessage reads one client-to-server message. A clean EOF at
// the message boundary is reported as ErrDisconnected; EOF inside a
// message is a network error.
func ReadClientMessage(r io.Reader) (ClientMessage, error) {
	messageType, err := readMessageType(r)
	if err != nil {
		return nil, err
	}
	switch messageType {
	case typeSetPixelFormat:
		if err := readPadding(r, 3); err != nil {
			return nil, err
		}
		format, err := readPixelFormat(r)
		if err != nil {
			return nil, err
		}
		return SetPixelFormat{Format: format}, nil
	case typeSetEncodings:
		if err := readPadding(r, 1); err != nil {
			return nil, err
		}
		var count uint16
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, networkError("ReadClientMessage", "failed to read encoding count", err)
		}
		encodings := make([]Encoding, 0, count)
		for i := uint16(0); i < count; i++ {
			enc, err := readEncoding(r)
			if err != nil {
				return nil, err
			}
			encodings = append(encodings, enc)
		}
		return SetEncodings{Encodings: encodings}, nil
	case typeFramebufferUpdateRequest:
		var m FramebufferUpdateRequest
		var incremental uint8
		data := []interface{}{&incremental, &m.X, &m.Y, &m.Width, &m.Height}
		for _, val := range data {
			if err := binary.Read(r, binary.BigEndian, val); err != nil {
				return nil, networkError("ReadClientMessage", "failed to read update request", err)
			}
		}
		m.Incremental = incremental != 0
		return m, nil
	case typeKeyEvent:
		var down uint8
		if err := binary.Read(r, binary.BigEndian, &down); err != nil {
			return nil, networkError("ReadClientMessage", "failed to read down flag", err)
		}
		if err := readPadding(r, 2); err != nil {
			return nil, err
		}
		var key uint32
		if err := binary.Read(r, binary.BigEndian, &key); err != nil {
			return nil, networkError("ReadClientMessage", "failed to read keysym", err)
		}
		return KeyEvent{Down: down != 0, Key: key}, nil
	case typePointerEvent:
		var m PointerEvent
		data := []interface{}{&m.ButtonMask, &m.X, &m.Y}
		for _, val := range data {
			if err := binary.Read(r, binary.BigEndian, val); err != nil {
				return nil, networkError("ReadClientMessage", "failed to read pointer event", err)
			}
		}
		return m, nil
	case typeClientCutText:
		if err := readPadding(r, 3); err != nil {
			return nil, err
		}
		text, err := readString(r)
		if err != nil {
			return nil, err
		}
		return ClientCutText{Text: text}, nil
	case typeQEMUExtension:
		var subType uint8
		if err := binary.Read(r, binary.BigEndian, &subType); err != nil {
			return nil, networkError("ReadClientMessage", "failed to read QEMU sub-type", err)
		}
		if subType != 0 {
			return nil, protocolError("ReadClientMessage",
				fmt.Sprintf("unexpected QEMU submessage type %d", subType), nil)
		}
		var down uint16
		var keysym, keycode uint32
		data := []interface{}{&down, &keysym, &keycode}
		for _, val := range data {
			if err := binary.Read(r, binary.BigEndian, val); err != nil {
				return nil, networkError("ReadClientMessage", "failed to read extended key event", err)
			}
		}
		return ExtendedKeyEvent{Down: down != 0, Keysym: keysym, Keycode: keycode}, nil
	default:
		return nil, protocolError("ReadClientMessage",
			fmt.Sprintf("unexpected client to server message type %d", messageType), nil)
	}
}

// ServerMessage is a message sent from the server to the client. For
// FramebufferUpdateHeader, the rectangles that follow are read
// separately because their payloads depend on the session pixel format.
type ServerMessage interface {
	// MessageType returns the leading type tag of the message.
	MessageType() uint8

	writeTo(w io.Writer) error
}

// FramebufferUpdateHeader announces Count rectangles to follow
// (message type 0).
type FramebufferUpdateHeader struct {
	Count uint16
}

// SetColourMapEntries installs colour map entries starting at
// FirstColour (message type 1).
type SetColourMapEntries struct {
	FirstColour uint16
	Colours     []Colour
}

// Bell rings an audible bell on the client (message type 2).
type Bell struct{}

// ServerCutText reports new clipboard contents on the server
// (message type 3).
type ServerCutText struct {
	Text string
}

// MessageType returns the leading type tag of the message.
func (FramebufferUpdateHeader) MessageType() uint8 { return typeFramebufferUpdate }

// MessageType returns the leading type tag of the message.
func (SetColourMapEntries) MessageType() uint8 { return typeSetColourMapEntries }

// MessageType returns the leading type tag of the message.
func (Bell) MessageType() uint8 { return typeBell }

// MessageType returns the leading type tag of the message.
func (ServerCutText) MessageType() uint8 { return typeServerCutText }

func (m FramebufferUpdateHeader) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, typeFramebufferUpdate); err != nil {
		return networkError("FramebufferUpdateHeader.writeTo", "failed to write message type", err)
	}
	if err := writePadding(w, 1); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.Count); err != nil {
		return networkError("FramebufferUpdateHeader.writeTo", "failed to write rectangle count", err)
	}
	return nil
}

func (m SetColourMapEntries) writeTo(w io.Writer) error {
	if len(m.Colours) > 0xFFFF {
		return validationError("SetColourMapEntries.writeTo",
			fmt.Sprintf("too many colours: %d", len(m.Colours)), nil)
	}
	if err := binary.Write(w, binary.BigEndian, typeSetColourMapEntries); err != nil {
		return networkError("SetColourMapEntries.writeTo", "failed to write message type", err)
	}
	if err := writePadding(w, 1); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, m.FirstColour); err != nil {
		return networkError("SetColourMapEntries.writeTo", "failed to write first colour", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(m.Colours))); err != nil {
		return networkError("SetColourMapEntries.writeTo", "failed to write colour count", err)
	}
	for _, c := range m.Colours {
		if err := c.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (Bell) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, typeBell); err != nil {
		return networkError("Bell.writeTo", "failed to write message type", err)
	}
	return nil
}

func (m ServerCutText) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, typeServerCutText); err != nil {
		return networkError("ServerCutText.writeTo", "failed to write message type", err)
	}
	if err := writePadding(w, 3); err != nil {
		return err
	}
	return writeString(w, m.Text)
}

// WriteServerMessage serializes a server-to-client message.
func WriteServerMessage(w io.Writer, m ServerMessage) error {
	return m.writeTo(w)
}

// ReadServerMessage reads one server-to-client message. A clean EOF at
// the message boundary is reported as ErrDisconnected; EOF inside a
// message is a network error.
func ReadServerMessage(r io.Reader) (ServerMessage, error) {
	messageType, err := readMessageType(r)
	if err != nil {
		return nil, err
	}
	switch messageType {
	case typeFramebufferUpdate:
		if err := readPadding(r, 1); err != nil {
			return nil, err
		}
		var count uint16
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, networkError("ReadServerMessage", "failed to read rectangle count", err)
		}
		return FramebufferUpdateHeader{Count: count}, nil
	case typeSetColourMapEntries:
		if err := readPadding(r, 1); err != nil {
			return nil, err
		}
		var m SetColourMapEntries
		if err := binary.Read(r, binary.BigEndian, &m.FirstColour); err != nil {
			return nil, networkError("ReadServerMessage", "failed to read first colour", err)
		}
		var count uint16
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, networkError("ReadServerMessage", "failed to read colour count", err)
		}
		m.Colours = make([]Colour, 0, count)
		for i := uint16(0); i < count; i++ {
			c, err := readColour(r)
			if err != nil {
				return nil, err
			}
			m.Colours = append(m.Colours, c)
		}
		return m, nil
	case typeBell:
		return Bell{}, nil
	case typeServerCutText:
		if err := readPadding(r, 3); err != nil {
			return nil, err
		}
		text, err := readString(r)
		if err != nil {
			return nil, err
		}
		return ServerCutText{Text: text}, nil
	default:
		return nil, protocolError("ReadServerMessage",
			fmt.Sprintf("unexpected server to client message type %d", messageType), nil)
	}
}

// readMessageType reads the leading tag byte of a message, mapping EOF
// at the boundary to ErrDisconnected.
func readMessageType(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return 0, ErrDisconnected
		}
		return 0, networkError("readMessageType", "failed to read message type", err)
	}
	return buf[0], nil
}
