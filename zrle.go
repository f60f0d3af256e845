// SPDX-License-Identifier: MIT

package vnc

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// zrleTileSize is the tile edge length; tiles at the right and bottom
// edges of a rectangle are clipped.
const zrleTileSize = 64

// TileSink receives each fully decoded ZRLE tile: its absolute position
// within the framebuffer and a freshly allocated pixel buffer in the
// session's pixel format. Returning more=false stops decoding without
// error.
type TileSink func(tile Rect, pixels []byte) (more bool, err error)

// zrleDecoder decompresses and expands ZRLE rectangles. The zlib
// stream spans the whole session: its dictionary persists across
// rectangles, so one decoder instance must live as long as the
// connection and be fed every ZRLE rectangle in arrival order.
type zrleDecoder struct {
	compressed bytes.Buffer
	inflater   io.ReadCloser
}

func newZRLEDecoder() *zrleDecoder {
	return &zrleDecoder{}
}

// decode expands one rectangle's ZRLE payload (the zlib-compressed blob
// after the u32 length prefix), invoking sink per tile. It reports
// whether decoding ran to completion; sink may cut it short.
func (d *zrleDecoder) decode(format PixelFormat, rect Rect, data []byte, sink TileSink) (bool, error) {
	d.compressed.Write(data)
	if d.inflater == nil {
		inflater, err := zlib.NewReader(&d.compressed)
		if err != nil {
			return false, encodingError("zrleDecoder.decode", "failed to initialize zlib stream", err)
		}
		d.inflater = inflater
	}

	bytesPerPixel := format.BytesPerPixel()
	compactSize := format.compactPixelSize()

	bottom := int(rect.Top) + int(rect.Height)
	right := int(rect.Left) + int(rect.Width)
	for top := int(rect.Top); top < bottom; top += zrleTileSize {
		tileHeight := bottom - top
		if tileHeight > zrleTileSize {
			tileHeight = zrleTileSize
		}
		for left := int(rect.Left); left < right; left += zrleTileSize {
			tileWidth := right - left
			if tileWidth > zrleTileSize {
				tileWidth = zrleTileSize
			}

			tile := Rect{
				Left:   uint16(left),
				Top:    uint16(top),
				Width:  uint16(tileWidth),
				Height: uint16(tileHeight),
			}
			pixels, err := d.decodeTile(format, tileWidth, tileHeight, bytesPerPixel, compactSize)
			if err != nil {
				return false, err
			}

			more, err := sink(tile, pixels)
			if err != nil {
				return false, err
			}
			if !more {
				return false, nil
			}
		}
	}
	return true, nil
}

// decodeTile reads one tile from the zlib stream and expands it to
// bytesPerPixel bytes per pixel in row-major order.
func (d *zrleDecoder) decodeTile(format PixelFormat, width, height, bytesPerPixel, compactSize int) ([]byte, error) {
	subencoding, err := d.readByte()
	if err != nil {
		return nil, err
	}

	isRLE := subencoding&0x80 != 0
	paletteSize := int(subencoding & 0x7F)

	pixels := make([]byte, width*height*bytesPerPixel)
	switch {
	case !isRLE && paletteSize == 0:
		// Raw CPIXELs in row-major order.
		for i := 0; i < width*height; i++ {
			if err := d.readCompactPixel(format, pixels[i*bytesPerPixel:(i+1)*bytesPerPixel], compactSize); err != nil {
				return nil, err
			}
		}

	case !isRLE && paletteSize == 1:
		// Single colour fills the tile.
		if err := d.readCompactPixel(format, pixels[0:bytesPerPixel], compactSize); err != nil {
			return nil, err
		}
		for i := 1; i < width*height; i++ {
			copy(pixels[i*bytesPerPixel:], pixels[0:bytesPerPixel])
		}

	case !isRLE && paletteSize <= 16:
		// Packed palette indices, rows padded to a byte boundary.
		palette, err := d.readPalette(format, paletteSize, bytesPerPixel, compactSize)
		if err != nil {
			return nil, err
		}
		var indexBits int
		switch {
		case paletteSize == 2:
			indexBits = 1
		case paletteSize <= 4:
			indexBits = 2
		default:
			indexBits = 4
		}
		for y := 0; y < height; y++ {
			var packed byte
			bitsLeft := 0
			for x := 0; x < width; x++ {
				if bitsLeft == 0 {
					packed, err = d.readByte()
					if err != nil {
						return nil, err
					}
					bitsLeft = 8
				}
				bitsLeft -= indexBits
				index := int(packed>>bitsLeft) & (1<<indexBits - 1)
				if index >= paletteSize {
					return nil, encodingError("zrleDecoder.decodeTile",
						fmt.Sprintf("palette index %d out of range", index), nil)
				}
				copy(pixels[(y*width+x)*bytesPerPixel:], palette[index])
			}
		}

	case isRLE && paletteSize == 0:
		// Plain RLE: (CPIXEL, length) runs covering the tile.
		for covered := 0; covered < width*height; {
			var pixel [4]byte
			if err := d.readCompactPixel(format, pixel[:bytesPerPixel], compactSize); err != nil {
				return nil, err
			}
			runLength, err := d.readRunLength()
			if err != nil {
				return nil, err
			}
			if covered+runLength > width*height {
				return nil, encodingError("zrleDecoder.decodeTile",
					fmt.Sprintf("run of %d pixels overflows %dx%d tile", runLength, width, height), nil)
			}
			for i := 0; i < runLength; i++ {
				copy(pixels[(covered+i)*bytesPerPixel:], pixel[:bytesPerPixel])
			}
			covered += runLength
		}

	case isRLE && paletteSize >= 1:
		// Palette RLE: u8 index per run; high bit starts a multi-byte
		// run, otherwise the run length is 1.
		palette, err := d.readPalette(format, paletteSize, bytesPerPixel, compactSize)
		if err != nil {
			return nil, err
		}
		for covered := 0; covered < width*height; {
			index, err := d.readByte()
			if err != nil {
				return nil, err
			}
			runLength := 1
			if index&0x80 != 0 {
				runLength, err = d.readRunLength()
				if err != nil {
					return nil, err
				}
			}
			entry := int(index & 0x7F)
			if entry >= paletteSize {
				return nil, encodingError("zrleDecoder.decodeTile",
					fmt.Sprintf("palette index %d out of range", entry), nil)
			}
			if covered+runLength > width*height {
				return nil, encodingError("zrleDecoder.decodeTile",
					fmt.Sprintf("run of %d pixels overflows %dx%d tile", runLength, width, height), nil)
			}
			for i := 0; i < runLength; i++ {
				copy(pixels[(covered+i)*bytesPerPixel:], palette[entry])
			}
			covered += runLength
		}

	default:
		return nil, encodingError("zrleDecoder.decodeTile",
			fmt.Sprintf("unexpected zrle subencoding %d", subencoding), nil)
	}

	return pixels, nil
}

// readPalette reads size CPIXELs and expands each to a full pixel.
func (d *zrleDecoder) readPalette(format PixelFormat, size, bytesPerPixel, compactSize int) ([][]byte, error) {
	palette := make([][]byte, size)
	for i := range palette {
		palette[i] = make([]byte, bytesPerPixel)
		if err := d.readCompactPixel(format, palette[i], compactSize); err != nil {
			return nil, err
		}
	}
	return palette, nil
}

// readCompactPixel reads one CPIXEL from the zlib stream and widens it
// into dst, which must be BytesPerPixel() long.
func (d *zrleDecoder) readCompactPixel(format PixelFormat, dst []byte, compactSize int) error {
	var compact [4]byte
	if _, err := io.ReadFull(d.inflater, compact[:compactSize]); err != nil {
		return encodingError("zrleDecoder.readCompactPixel", "failed to read pixel from zlib stream", err)
	}
	format.expandCompactPixel(dst, compact[:compactSize])
	return nil
}

// readRunLength accumulates the multi-byte run length: each 0xFF byte
// adds 255 and continues, a byte below 0xFF terminates, and the run is
// one longer than the sum.
func (d *zrleDecoder) readRunLength() (int, error) {
	length := 1
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		length += int(b)
		if b != 0xFF {
			return length, nil
		}
	}
}

func (d *zrleDecoder) readByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(d.inflater, buf[:]); err != nil {
		return 0, encodingError("zrleDecoder.readByte", "failed to read from zlib stream", err)
	}
	return buf[0], nil
}

// Close releases the zlib stream.
func (d *zrleDecoder) Close() error {
	if d.inflater != nil {
		return d.inflater.Close()
	}
	return nil
}
