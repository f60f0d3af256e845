// SPDX-License-Identifier: MIT

package vnc

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// mockServer scripts the server side of a session over an in-memory
// pipe. Each helper fails the test on an unexpected wire exchange, so a
// scenario reads as the exact byte conversation it performs.
type mockServer struct {
	t    *testing.T
	conn net.Conn
}

// newMockSession returns the client end of a pipe and a mock server
// holding the other end.
func newMockSession(t *testing.T) (net.Conn, *mockServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return clientConn, &mockServer{t: t, conn: serverConn}
}

func (m *mockServer) write(data []byte) {
	if _, err := m.conn.Write(data); err != nil {
		m.t.Errorf("mock server write failed: %v", err)
	}
}

func (m *mockServer) read(n int) []byte {
	buf := make([]byte, n)
	if _, err := io.ReadFull(m.conn, buf); err != nil {
		m.t.Errorf("mock server read failed: %v", err)
	}
	return buf
}

func (m *mockServer) expect(want []byte) {
	got := m.read(len(want))
	for i := range want {
		if got[i] != want[i] {
			m.t.Errorf("mock server expected % x, got % x", want, got)
			return
		}
	}
}

// serveVersion exchanges banners, returning the client's echo.
func (m *mockServer) serveVersion(banner string) []byte {
	m.write([]byte(banner))
	return m.read(12)
}

// serveInit answers ClientInit with a ServerInit, returning the
// client's shared flag.
func (m *mockServer) serveInit(width, height uint16, format PixelFormat, name string) byte {
	shared := m.read(1)[0]
	si := ServerInit{Width: width, Height: height, Format: format, Name: name}
	if err := si.writeTo(m.conn); err != nil {
		m.t.Errorf("mock server init failed: %v", err)
	}
	return shared
}

// serveHandshake38None scripts the whole 3.8 handshake with the None
// security type.
func (m *mockServer) serveHandshake38None(width, height uint16, format PixelFormat, name string) {
	m.serveVersion("RFB 003.008\n")
	m.write([]byte{0x01, 0x01})             // one type: None
	m.expect([]byte{0x01})                  // client's choice
	m.write([]byte{0x00, 0x00, 0x00, 0x00}) // SecurityResult Succeeded
	m.serveInit(width, height, format, name)
}

// sendRawUpdate sends a one-rectangle Raw framebuffer update.
func (m *mockServer) sendRawUpdate(rect Rect, pixels []byte) {
	m.sendMessage(FramebufferUpdateHeader{Count: 1})
	header := RectangleHeader{
		X: rect.Left, Y: rect.Top, Width: rect.Width, Height: rect.Height,
		Encoding: EncodingRaw,
	}
	if err := header.writeTo(m.conn); err != nil {
		m.t.Errorf("mock server rectangle header failed: %v", err)
	}
	m.write(pixels)
}

func (m *mockServer) sendMessage(msg ServerMessage) {
	if err := WriteServerMessage(m.conn, msg); err != nil {
		m.t.Errorf("mock server message failed: %v", err)
	}
}

func (m *mockServer) close() {
	m.conn.Close()
}

// waitEventTimeout guards blocking event waits in tests against hangs.
func waitEventTimeout(t *testing.T, c *Client) Event {
	t.Helper()
	done := make(chan Event, 1)
	go func() {
		done <- c.WaitEvent()
	}()
	select {
	case event := <-done:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// u32 renders a big-endian uint32 for scripted byte exchanges.
func u32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
