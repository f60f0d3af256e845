// SPDX-License-Identifier: MIT

package vnc

import (
	"bytes"
	"testing"
)

// TestPixelFormat_Validate covers the structural invariants.
func TestPixelFormat_Validate(t *testing.T) {
	tests := []struct {
		name        string
		format      PixelFormat
		expectError bool
	}{
		{name: "rgb8888", format: NewPixelFormatRGB8888()},
		{name: "bgr8888", format: NewPixelFormatBGR8888()},
		{
			name: "rgb565",
			format: PixelFormat{
				BPP: 16, Depth: 16, TrueColor: true,
				RedMax: 31, GreenMax: 63, BlueMax: 31,
				RedShift: 11, GreenShift: 5, BlueShift: 0,
			},
		},
		{
			name:   "8-bit indexed",
			format: PixelFormat{BPP: 8, Depth: 8},
		},
		{
			name:        "24 bits per pixel",
			format:      PixelFormat{BPP: 24, Depth: 24},
			expectError: true,
		},
		{
			name:        "depth above bpp",
			format:      PixelFormat{BPP: 16, Depth: 24},
			expectError: true,
		},
		{
			name: "channel past pixel edge",
			format: PixelFormat{
				BPP: 16, Depth: 16, TrueColor: true,
				RedMax: 255, GreenMax: 63, BlueMax: 31,
				RedShift: 11, GreenShift: 5, BlueShift: 0,
			},
			expectError: true,
		},
		{
			name: "max not a bit-field maximum",
			format: PixelFormat{
				BPP: 32, Depth: 24, TrueColor: true,
				RedMax: 250, GreenMax: 255, BlueMax: 255,
				RedShift: 16, GreenShift: 8, BlueShift: 0,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.expectError && err == nil {
				t.Error("expected a validation error")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestPixelFormat_ExpandCompactPixel covers the zero byte placement for
// both channel positions and byte orders.
func TestPixelFormat_ExpandCompactPixel(t *testing.T) {
	lowBitsLE := NewPixelFormatRGB8888()
	lowBitsLE.BigEndian = false

	highBitsBE := PixelFormat{
		BPP: 32, Depth: 24, BigEndian: true, TrueColor: true,
		RedMax: 255, GreenMax: 255, BlueMax: 255,
		RedShift: 8, GreenShift: 16, BlueShift: 24,
	}

	tests := []struct {
		name   string
		format PixelFormat
		want   []byte
	}{
		{name: "low bits big endian", format: NewPixelFormatRGB8888(), want: []byte{0, 1, 2, 3}},
		{name: "low bits little endian", format: lowBitsLE, want: []byte{1, 2, 3, 0}},
		{name: "high bits big endian", format: highBitsBE, want: []byte{1, 2, 3, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, 4)
			tt.format.expandCompactPixel(dst, []byte{1, 2, 3})
			if !bytes.Equal(dst, tt.want) {
				t.Errorf("expanded to % x, want % x", dst, tt.want)
			}
		})
	}

	// Full-size pixels pass through unchanged.
	format := PixelFormat{BPP: 16, Depth: 16}
	dst := make([]byte, 2)
	format.expandCompactPixel(dst, []byte{7, 8})
	if !bytes.Equal(dst, []byte{7, 8}) {
		t.Errorf("full-size pixel altered: % x", dst)
	}
}
