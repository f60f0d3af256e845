// SPDX-License-Identifier: MIT

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
)

// Server provides the framing side of an RFB server: it performs the
// accept handshake, reads typed client messages, and serializes
// validated framebuffer updates. It does not render or store a
// framebuffer; content generation is the host's job. The server is
// driven by a single caller goroutine per connection.
type Server struct {
	conn   net.Conn
	logger Logger

	// bytesPerPixel tracks ceil(BPP/8) of the format currently in
	// effect, following client SetPixelFormat messages. Update
	// validation depends on it.
	bytesPerPixel int
}

// ServerOption is a functional option for configuring a server connection.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the server connection.
func WithServerLogger(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer performs the accept handshake over an established
// connection: it sends the highest supported version, accepts any
// equal-or-lower response, offers only the None security type, and
// exchanges init messages. It returns the connection wrapper and the
// client's shared flag.
func NewServer(conn net.Conn, width, height uint16, format PixelFormat, name string, options ...ServerOption) (*Server, bool, error) {
	s := &Server{
		conn:          conn,
		logger:        &NoOpLogger{},
		bytesPerPixel: paddedBytesPerPixel(format),
	}
	for _, option := range options {
		option(s)
	}

	if err := Version38.writeTo(conn); err != nil {
		return nil, false, err
	}
	version, err := readVersion(conn)
	if err != nil {
		return nil, false, err
	}
	s.logger.Debug("Client version", Field{Key: "version", Value: version.String()})

	// Security offer framing differs per version: 3.3 carries a single
	// server-chosen u32 and no client reply; 3.7+ send a list and read
	// the client's choice. The SecurityResult for None exists only in 3.8.
	if version == Version33 {
		if err := binary.Write(conn, binary.BigEndian, uint32(SecTypeNone)); err != nil {
			return nil, false, networkError("NewServer", "failed to write security type", err)
		}
	} else {
		if err := writeSecurityTypes(conn, []SecurityType{SecTypeNone}); err != nil {
			return nil, false, err
		}
		if _, err := readSecurityType(conn); err != nil {
			return nil, false, err
		}
	}
	if version == Version38 {
		if err := SecurityResultSucceeded.writeTo(conn); err != nil {
			return nil, false, err
		}
	}

	clientInit, err := readClientInit(conn)
	if err != nil {
		return nil, false, err
	}

	serverInit := ServerInit{
		Width:  width,
		Height: height,
		Format: format,
		Name:   name,
	}
	if err := serverInit.writeTo(conn); err != nil {
		return nil, false, err
	}

	s.logger.Info("Client connected",
		Field{Key: "shared", Value: clientInit.Shared},
		Field{Key: "width", Value: width},
		Field{Key: "height", Value: height})

	return s, clientInit.Shared, nil
}

// ReadEvent reads one client message from the socket. SetPixelFormat
// messages additionally retune update validation, since the server must
// obey them for all subsequent pixel data.
func (s *Server) ReadEvent() (ClientMessage, error) {
	message, err := ReadClientMessage(s.conn)
	if err != nil {
		return nil, err
	}
	if spf, ok := message.(SetPixelFormat); ok {
		s.bytesPerPixel = paddedBytesPerPixel(spf.Format)
	}
	return message, nil
}

// SendUpdate validates and serializes a framebuffer update. Validation
// failures are programming errors on the host's side and panic; all
// checks run before any byte is written. Updates are chunked into
// messages of at most 65535 rectangles.
func (s *Server) SendUpdate(update *FramebufferUpdate) error {
	for _, u := range update.updates {
		u.check(s.bytesPerPixel)
	}
	return update.writeTo(s.conn)
}

// Disconnect closes the connection.
func (s *Server) Disconnect() error {
	return s.conn.Close()
}

// paddedBytesPerPixel rounds bits per pixel up to whole bytes.
func paddedBytesPerPixel(format PixelFormat) int {
	return (int(format.BPP) + 7) / 8
}

// FramebufferUpdate accumulates typed update records for one or more
// FramebufferUpdate messages. The zero value is ready to use; records
// keep references to the caller's buffers until serialized.
type FramebufferUpdate struct {
	updates []update
}

// NewFramebufferUpdate creates an empty update builder.
func NewFramebufferUpdate() *FramebufferUpdate {
	return &FramebufferUpdate{}
}

// AddRawPixels adds raw pixel data for a rectangle. The buffer must
// hold exactly Width × Height pixels in the format in effect.
func (f *FramebufferUpdate) AddRawPixels(rect Rect, pixels []byte) *FramebufferUpdate {
	f.updates = append(f.updates, rawUpdate{rect: rect, pixels: pixels})
	return f
}

// AddCopyRect instructs the client to reuse pixel data it already owns.
func (f *FramebufferUpdate) AddCopyRect(dst Rect, srcX, srcY uint16) *FramebufferUpdate {
	f.updates = append(f.updates, copyRectUpdate{dst: dst, srcX: srcX, srcY: srcY})
	return f
}

// AddCompressedPixels adds a pre-compressed ZRLE rectangle. The blob
// must be a chunk of the connection's continuous zlib stream.
func (f *FramebufferUpdate) AddCompressedPixels(rect Rect, zlibData []byte) *FramebufferUpdate {
	f.updates = append(f.updates, zrleUpdate{rect: rect, zlibData: zlibData})
	return f
}

// AddCursor adds a cursor shape update via the Cursor pseudo-encoding.
func (f *FramebufferUpdate) AddCursor(width, height, hotspotX, hotspotY uint16, pixels, maskBits []byte) *FramebufferUpdate {
	f.updates = append(f.updates, cursorUpdate{
		width:    width,
		height:   height,
		hotspotX: hotspotX,
		hotspotY: hotspotY,
		pixels:   pixels,
		maskBits: maskBits,
	})
	return f
}

// AddDesktopSize notifies the client of a framebuffer resize.
func (f *FramebufferUpdate) AddDesktopSize(width, height uint16) *FramebufferUpdate {
	f.updates = append(f.updates, desktopSizeUpdate{width: width, height: height})
	return f
}

// AddPseudoEncoding confirms support of a pseudo-encoding with a
// zero-sized rectangle.
func (f *FramebufferUpdate) AddPseudoEncoding(encoding Encoding) *FramebufferUpdate {
	f.updates = append(f.updates, pseudoEncodingUpdate{encoding: encoding})
	return f
}

// Len returns the number of accumulated update records.
func (f *FramebufferUpdate) Len() int {
	return len(f.updates)
}

// maxRectanglesPerMessage bounds the rectangle count field of one
// FramebufferUpdate message.
const maxRectanglesPerMessage = 0xFFFF

func (f *FramebufferUpdate) writeTo(w io.Writer) error {
	remaining := f.updates
	for len(remaining) > 0 {
		chunk := remaining
		if len(chunk) > maxRectanglesPerMessage {
			chunk = chunk[:maxRectanglesPerMessage]
		}
		remaining = remaining[len(chunk):]

		header := FramebufferUpdateHeader{Count: uint16(len(chunk))}
		if err := header.writeTo(w); err != nil {
			return err
		}
		for _, u := range chunk {
			if err := u.writeTo(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// update is one typed record inside a FramebufferUpdate. check panics
// on invalid data because a mismatched buffer is a bug in the host, not
// a runtime condition.
type update interface {
	check(bytesPerPixel int)
	writeTo(w io.Writer) error
}

type rawUpdate struct {
	rect   Rect
	pixels []byte
}

func (u rawUpdate) check(bytesPerPixel int) {
	expected := int(u.rect.Width) * int(u.rect.Height) * bytesPerPixel
	if expected != len(u.pixels) {
		panic(fmt.Sprintf("vnc: raw update %v needs %d pixel bytes, got %d",
			u.rect, expected, len(u.pixels)))
	}
}

func (u rawUpdate) writeTo(w io.Writer) error {
	header := RectangleHeader{
		X: u.rect.Left, Y: u.rect.Top,
		Width: u.rect.Width, Height: u.rect.Height,
		Encoding: EncodingRaw,
	}
	if err := header.writeTo(w); err != nil {
		return err
	}
	if _, err := w.Write(u.pixels); err != nil {
		return networkError("rawUpdate.writeTo", "failed to write pixel data", err)
	}
	return nil
}

type copyRectUpdate struct {
	dst  Rect
	srcX uint16
	srcY uint16
}

func (copyRectUpdate) check(int) {}

func (u copyRectUpdate) writeTo(w io.Writer) error {
	header := RectangleHeader{
		X: u.dst.Left, Y: u.dst.Top,
		Width: u.dst.Width, Height: u.dst.Height,
		Encoding: EncodingCopyRect,
	}
	if err := header.writeTo(w); err != nil {
		return err
	}
	data := []interface{}{u.srcX, u.srcY}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("copyRectUpdate.writeTo", "failed to write copy source", err)
		}
	}
	return nil
}

type zrleUpdate struct {
	rect     Rect
	zlibData []byte
}

func (u zrleUpdate) check(int) {
	if uint64(len(u.zlibData)) > math.MaxUint32 {
		panic(fmt.Sprintf("vnc: zrle update data of %d bytes exceeds the maximum of %d",
			len(u.zlibData), uint32(math.MaxUint32)))
	}
}

func (u zrleUpdate) writeTo(w io.Writer) error {
	header := RectangleHeader{
		X: u.rect.Left, Y: u.rect.Top,
		Width: u.rect.Width, Height: u.rect.Height,
		Encoding: EncodingZRLE,
	}
	if err := header.writeTo(w); err != nil {
		return err
	}
	return writeBytesPrefixed(w, u.zlibData)
}

type cursorUpdate struct {
	width    uint16
	height   uint16
	hotspotX uint16
	hotspotY uint16
	pixels   []byte
	maskBits []byte
}

func (u cursorUpdate) check(bytesPerPixel int) {
	expectedPixels := int(u.width) * int(u.height) * bytesPerPixel
	if expectedPixels != len(u.pixels) {
		panic(fmt.Sprintf("vnc: cursor update needs %d pixel bytes, got %d",
			expectedPixels, len(u.pixels)))
	}
	expectedMask := (int(u.width) + 7) / 8 * int(u.height)
	if expectedMask != len(u.maskBits) {
		panic(fmt.Sprintf("vnc: cursor update needs %d mask bytes, got %d",
			expectedMask, len(u.maskBits)))
	}
}

func (u cursorUpdate) writeTo(w io.Writer) error {
	header := RectangleHeader{
		X: u.hotspotX, Y: u.hotspotY,
		Width: u.width, Height: u.height,
		Encoding: EncodingCursor,
	}
	if err := header.writeTo(w); err != nil {
		return err
	}
	if _, err := w.Write(u.pixels); err != nil {
		return networkError("cursorUpdate.writeTo", "failed to write cursor pixels", err)
	}
	if _, err := w.Write(u.maskBits); err != nil {
		return networkError("cursorUpdate.writeTo", "failed to write cursor mask", err)
	}
	return nil
}

type desktopSizeUpdate struct {
	width  uint16
	height uint16
}

func (desktopSizeUpdate) check(int) {}

func (u desktopSizeUpdate) writeTo(w io.Writer) error {
	header := RectangleHeader{
		X: 0, Y: 0,
		Width: u.width, Height: u.height,
		Encoding: EncodingDesktopSize,
	}
	return header.writeTo(w)
}

type pseudoEncodingUpdate struct {
	encoding Encoding
}

func (pseudoEncodingUpdate) check(int) {}

func (u pseudoEncodingUpdate) writeTo(w io.Writer) error {
	header := RectangleHeader{Encoding: u.encoding}
	return header.writeTo(w)
}
