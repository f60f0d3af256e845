// SPDX-License-Identifier: MIT

package vnc

import (
	"bytes"
	"reflect"
	"testing"
)

// TestProtocol_ClientMessageRoundTrip checks that every client-to-server
// message decodes back to itself, including unknown encoding values.
func TestProtocol_ClientMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		message ClientMessage
	}{
		{
			name: "SetPixelFormat",
			message: SetPixelFormat{
				Format: NewPixelFormatRGB8888(),
			},
		},
		{
			name: "SetEncodings",
			message: SetEncodings{
				Encodings: []Encoding{EncodingZRLE, EncodingCopyRect, EncodingRaw},
			},
		},
		{
			name: "SetEncodings with unknown value",
			message: SetEncodings{
				Encodings: []Encoding{EncodingRaw, Encoding(4242), Encoding(-4242)},
			},
		},
		{
			name: "FramebufferUpdateRequest incremental",
			message: FramebufferUpdateRequest{
				Incremental: true,
				X:           10, Y: 20, Width: 300, Height: 400,
			},
		},
		{
			name:    "KeyEvent down",
			message: KeyEvent{Down: true, Key: 0xFF0D},
		},
		{
			name:    "KeyEvent up",
			message: KeyEvent{Down: false, Key: 0x0061},
		},
		{
			name:    "PointerEvent",
			message: PointerEvent{ButtonMask: 0x05, X: 640, Y: 480},
		},
		{
			name:    "ClientCutText",
			message: ClientCutText{Text: "hello"},
		},
		{
			name:    "ClientCutText latin-1",
			message: ClientCutText{Text: "café über"},
		},
		{
			name:    "ExtendedKeyEvent",
			message: ExtendedKeyEvent{Down: true, Keysym: 0xFF0D, Keycode: 0x1C},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteClientMessage(&buf, tt.message); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			decoded, err := ReadClientMessage(&buf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}

			if !reflect.DeepEqual(tt.message, decoded) {
				t.Errorf("round trip mismatch: sent %#v, got %#v", tt.message, decoded)
			}
			if buf.Len() != 0 {
				t.Errorf("decoder left %d unread bytes", buf.Len())
			}
		})
	}
}

// TestProtocol_ServerMessageRoundTrip checks that every server-to-client
// message decodes back to itself.
func TestProtocol_ServerMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		message ServerMessage
	}{
		{
			name:    "FramebufferUpdateHeader",
			message: FramebufferUpdateHeader{Count: 7},
		},
		{
			name: "SetColourMapEntries",
			message: SetColourMapEntries{
				FirstColour: 16,
				Colours: []Colour{
					{R: 0xFFFF, G: 0, B: 0},
					{R: 0, G: 0xFFFF, B: 0},
					{R: 0, G: 0, B: 0xFFFF},
				},
			},
		},
		{
			name:    "Bell",
			message: Bell{},
		},
		{
			name:    "ServerCutText",
			message: ServerCutText{Text: "clipboard contents"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteServerMessage(&buf, tt.message); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			decoded, err := ReadServerMessage(&buf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}

			if !reflect.DeepEqual(tt.message, decoded) {
				t.Errorf("round trip mismatch: sent %#v, got %#v", tt.message, decoded)
			}
			if buf.Len() != 0 {
				t.Errorf("decoder left %d unread bytes", buf.Len())
			}
		})
	}
}

// TestProtocol_PixelFormatWire checks that the pixel format record is
// exactly 16 bytes with 3 trailing zero bytes and survives a round trip.
func TestProtocol_PixelFormatWire(t *testing.T) {
	format := PixelFormat{
		BPP:        16,
		Depth:      16,
		BigEndian:  false,
		TrueColor:  true,
		RedMax:     31,
		GreenMax:   63,
		BlueMax:    31,
		RedShift:   11,
		GreenShift: 5,
		BlueShift:  0,
	}

	var buf bytes.Buffer
	if err := format.writeTo(&buf); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if buf.Len() != 16 {
		t.Fatalf("pixel format serialized to %d bytes, want 16", buf.Len())
	}
	raw := buf.Bytes()
	for i := 13; i < 16; i++ {
		if raw[i] != 0 {
			t.Errorf("padding byte %d is %#x, want 0", i, raw[i])
		}
	}

	decoded, err := readPixelFormat(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if decoded != format {
		t.Errorf("round trip mismatch: sent %#v, got %#v", format, decoded)
	}
}

// TestProtocol_Versions checks banner parsing including the Apple
// Remote Desktop banner, which normalizes to 3.8.
func TestProtocol_Versions(t *testing.T) {
	tests := []struct {
		banner      string
		version     Version
		expectError bool
	}{
		{banner: "RFB 003.003\n", version: Version33},
		{banner: "RFB 003.007\n", version: Version37},
		{banner: "RFB 003.008\n", version: Version38},
		{banner: "RFB 003.889\n", version: Version38},
		{banner: "RFB 004.000\n", expectError: true},
		{banner: "HTTP/1.1 200", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.banner[:11], func(t *testing.T) {
			version, err := readVersion(bytes.NewBufferString(tt.banner))
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for banner %q", tt.banner)
				}
				if !IsVNCError(err, ErrProtocol) {
					t.Errorf("expected protocol error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.version {
				t.Errorf("parsed %v, want %v", version, tt.version)
			}
		})
	}
}

// TestProtocol_SecurityTypesPreserveUnknown checks that unknown security
// type values survive a round trip through the list framing.
func TestProtocol_SecurityTypesPreserveUnknown(t *testing.T) {
	types := []SecurityType{SecTypeNone, SecTypeVNCAuthentication, SecurityType(99)}

	var buf bytes.Buffer
	if err := writeSecurityTypes(&buf, types); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	decoded, err := readSecurityTypes(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !reflect.DeepEqual(types, decoded) {
		t.Errorf("round trip mismatch: sent %v, got %v", types, decoded)
	}
}

// TestProtocol_Latin1RoundTrip checks that every Latin-1 byte value
// round-trips through the string codec, and that text outside Latin-1
// is rejected on write.
func TestProtocol_Latin1RoundTrip(t *testing.T) {
	raw := make([]byte, 0, 255)
	for b := 1; b <= 255; b++ {
		raw = append(raw, byte(b))
	}

	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, byte(len(raw))})
	buf.Write(raw)

	text, err := readString(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var out bytes.Buffer
	if err := writeString(&out, text); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !bytes.Equal(out.Bytes()[4:], raw) {
		t.Errorf("Latin-1 bytes did not survive the round trip")
	}

	if err := writeString(&out, "snow ☃"); err == nil {
		t.Error("expected non-Latin-1 text to be rejected")
	} else if !IsVNCError(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestProtocol_DisconnectBoundary checks that a clean EOF at a message
// boundary maps to ErrDisconnected while EOF inside a record is a
// network error.
func TestProtocol_DisconnectBoundary(t *testing.T) {
	if _, err := ReadServerMessage(bytes.NewBuffer(nil)); err != ErrDisconnected {
		t.Errorf("empty stream: got %v, want ErrDisconnected", err)
	}
	if _, err := ReadClientMessage(bytes.NewBuffer(nil)); err != ErrDisconnected {
		t.Errorf("empty stream: got %v, want ErrDisconnected", err)
	}

	// A ServerCutText truncated after its type byte.
	if _, err := ReadServerMessage(bytes.NewBuffer([]byte{3, 0})); err == nil {
		t.Error("truncated message: expected an error")
	} else if err == ErrDisconnected || !IsVNCError(err, ErrNetwork) {
		t.Errorf("truncated message: got %v, want a network error", err)
	}
}

// TestProtocol_UnknownTags checks that unknown message type tags are
// reported as protocol errors.
func TestProtocol_UnknownTags(t *testing.T) {
	if _, err := ReadServerMessage(bytes.NewBuffer([]byte{42})); !IsVNCError(err, ErrProtocol) {
		t.Errorf("unknown server tag: got %v, want a protocol error", err)
	}
	if _, err := ReadClientMessage(bytes.NewBuffer([]byte{42})); !IsVNCError(err, ErrProtocol) {
		t.Errorf("unknown client tag: got %v, want a protocol error", err)
	}
}

// TestProtocol_RectangleHeaderRoundTrip checks header framing including
// preserved unknown encoding values.
func TestProtocol_RectangleHeaderRoundTrip(t *testing.T) {
	headers := []RectangleHeader{
		{X: 1, Y: 2, Width: 3, Height: 4, Encoding: EncodingRaw},
		{X: 0, Y: 0, Width: 0, Height: 0, Encoding: EncodingDesktopSize},
		{X: 9, Y: 9, Width: 64, Height: 64, Encoding: Encoding(31337)},
	}
	for _, header := range headers {
		var buf bytes.Buffer
		if err := header.writeTo(&buf); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		decoded, err := readRectangleHeader(&buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if decoded != header {
			t.Errorf("round trip mismatch: sent %+v, got %+v", header, decoded)
		}
	}
}
