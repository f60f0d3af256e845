// SPDX-License-Identifier: MIT

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PixelFormat describes how a pixel is laid out on the wire: bits per
// pixel, colour depth, byte order, and per-channel maxima and shifts.
// The wire representation is exactly 16 bytes, the last 3 of which are
// zero padding.
type PixelFormat struct {
	// BPP is the number of bits per pixel. Must be 8, 16, or 32.
	BPP uint8

	// Depth is the number of useful bits in a pixel value. Must be
	// less than or equal to BPP.
	Depth uint8

	// BigEndian is true if multi-byte pixels are sent most significant
	// byte first.
	BigEndian bool

	// TrueColor is true if pixel values encode RGB directly; false
	// means pixel values index the colour map.
	TrueColor bool

	// RedMax is the maximum red value (2^n - 1 for n bits of red).
	RedMax uint16

	// GreenMax is the maximum green value.
	GreenMax uint16

	// BlueMax is the maximum blue value.
	BlueMax uint16

	// RedShift is the number of bits the red value is shifted left in
	// a pixel.
	RedShift uint8

	// GreenShift is the number of bits the green value is shifted left.
	GreenShift uint8

	// BlueShift is the number of bits the blue value is shifted left.
	BlueShift uint8
}

// NewPixelFormatRGB8888 creates an RGB pixel format with 4 bytes per
// pixel and 3 bytes of depth.
func NewPixelFormatRGB8888() PixelFormat {
	return PixelFormat{
		BPP:        32,
		Depth:      24,
		BigEndian:  true,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   0,
		GreenShift: 8,
		BlueShift:  16,
	}
}

// NewPixelFormatBGR8888 creates a BGR pixel format with 4 bytes per
// pixel and 3 bytes of depth.
func NewPixelFormatBGR8888() PixelFormat {
	return PixelFormat{
		BPP:        32,
		Depth:      24,
		BigEndian:  true,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}
}

// BytesPerPixel returns the number of whole bytes occupied by one pixel.
func (pf PixelFormat) BytesPerPixel() int {
	return int(pf.BPP) / 8
}

func readPixelFormat(r io.Reader) (PixelFormat, error) {
	var pf PixelFormat
	var bigEndian, trueColor uint8
	data := []interface{}{
		&pf.BPP, &pf.Depth, &bigEndian, &trueColor,
		&pf.RedMax, &pf.GreenMax, &pf.BlueMax,
		&pf.RedShift, &pf.GreenShift, &pf.BlueShift,
	}
	for _, val := range data {
		if err := binary.Read(r, binary.BigEndian, val); err != nil {
			return pf, networkError("readPixelFormat", "failed to read pixel format", err)
		}
	}
	pf.BigEndian = bigEndian != 0
	pf.TrueColor = trueColor != 0
	if err := readPadding(r, 3); err != nil {
		return pf, err
	}
	return pf, nil
}

func (pf PixelFormat) writeTo(w io.Writer) error {
	var bigEndian, trueColor uint8
	if pf.BigEndian {
		bigEndian = 1
	}
	if pf.TrueColor {
		trueColor = 1
	}
	data := []interface{}{
		pf.BPP, pf.Depth, bigEndian, trueColor,
		pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift,
	}
	for _, val := range data {
		if err := binary.Write(w, binary.BigEndian, val); err != nil {
			return networkError("PixelFormat.writeTo", "failed to write pixel format", err)
		}
	}
	return writePadding(w, 3)
}

// Validate checks the structural invariants of the pixel format:
// bits per pixel must be 8, 16, or 32; depth must fit in BPP; for
// true-colour formats every channel must fit within the pixel.
func (pf PixelFormat) Validate() error {
	switch pf.BPP {
	case 8, 16, 32:
	default:
		return validationError("PixelFormat.Validate",
			fmt.Sprintf("bits per pixel must be 8, 16, or 32, got %d", pf.BPP), nil)
	}
	if pf.Depth > pf.BPP {
		return validationError("PixelFormat.Validate",
			fmt.Sprintf("depth %d exceeds bits per pixel %d", pf.Depth, pf.BPP), nil)
	}
	if pf.TrueColor {
		channels := []struct {
			name  string
			max   uint16
			shift uint8
		}{
			{"red", pf.RedMax, pf.RedShift},
			{"green", pf.GreenMax, pf.GreenShift},
			{"blue", pf.BlueMax, pf.BlueShift},
		}
		for _, ch := range channels {
			bits := countBits(ch.max)
			if ch.max != 0 && ch.max != uint16(1)<<bits-1 {
				return validationError("PixelFormat.Validate",
					fmt.Sprintf("%s max %d is not a bit-field maximum", ch.name, ch.max), nil)
			}
			if uint32(ch.shift)+uint32(bits) > uint32(pf.BPP) {
				return validationError("PixelFormat.Validate",
					fmt.Sprintf("%s channel does not fit in %d bits", ch.name, pf.BPP), nil)
			}
		}
	}
	return nil
}

// countBits returns the number of bits needed to represent maxVal.
func countBits(maxVal uint16) uint8 {
	var bits uint8
	for maxVal > 0 {
		bits++
		maxVal >>= 1
	}
	return bits
}

// channelMask is the union of all colour channels shifted into place.
func (pf PixelFormat) channelMask() uint32 {
	return uint32(pf.RedMax)<<pf.RedShift |
		uint32(pf.GreenMax)<<pf.GreenShift |
		uint32(pf.BlueMax)<<pf.BlueShift
}

// compactPixelSize returns the number of bytes a CPIXEL occupies inside
// a ZRLE stream. A 32-bit format whose colour data fits entirely in the
// low or the high 24 bits of the pixel word sends only the 3 meaningful
// bytes; every other format sends whole pixels. Both ends of the
// connection must derive this identically or the stream desynchronizes.
func (pf PixelFormat) compactPixelSize() int {
	if pf.BPP == 32 && pf.Depth <= 24 {
		mask := pf.channelMask()
		if mask&0xFF000000 == 0 || mask&0x000000FF == 0 {
			return 3
		}
	}
	return pf.BytesPerPixel()
}

// expandCompactPixel widens a CPIXEL into dst, which must be
// BytesPerPixel() long. The position of the zero byte follows from
// which end of the pixel word the colour data occupies and the format's
// byte order.
func (pf PixelFormat) expandCompactPixel(dst, cpixel []byte) {
	if len(cpixel) == pf.BytesPerPixel() {
		copy(dst, cpixel)
		return
	}
	fitsLow := pf.channelMask()&0xFF000000 == 0
	zeroAtEnd := fitsLow != pf.BigEndian
	if zeroAtEnd {
		copy(dst, cpixel)
		dst[3] = 0
	} else {
		dst[0] = 0
		copy(dst[1:], cpixel)
	}
}
