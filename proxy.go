// SPDX-License-Identifier: MIT

package vnc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// proxyEncodings are the encodings the proxy can frame on the
// server-to-client path. Everything else is stripped from the client's
// SetEncodings so the server never sends a rectangle the proxy cannot
// delimit.
var proxyEncodings = map[Encoding]bool{
	EncodingRaw:         true,
	EncodingCopyRect:    true,
	EncodingZRLE:        true,
	EncodingCursor:      true,
	EncodingDesktopSize: true,
}

// Proxy is a passive man-in-the-middle between an RFB server and a
// client. It performs the handshake on both sides, restricts the
// security offer to None (the only type it can inspect), and then
// relays both directions: client messages are decoded, filtered, and
// re-encoded; server messages are framed and passed through verbatim.
type Proxy struct {
	serverConn net.Conn
	clientConn net.Conn
	logger     Logger

	format PixelFormat

	closeOnce sync.Once
	results   chan error
}

// ProxyOption is a functional option for configuring a proxy session.
type ProxyOption func(*Proxy)

// WithProxyLogger sets the logger for the proxy session.
func WithProxyLogger(logger Logger) ProxyOption {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// NewProxy bridges two established connections: serverConn to the real
// server and clientConn to the downstream client. It performs the
// handshake on both sides and starts the two relay goroutines. On
// failure both connections are left open for the caller to close.
func NewProxy(serverConn, clientConn net.Conn, options ...ProxyOption) (*Proxy, error) {
	p := &Proxy{
		serverConn: serverConn,
		clientConn: clientConn,
		logger:     &NoOpLogger{},
		results:    make(chan error, 2),
	}
	for _, option := range options {
		option(p)
	}

	if err := p.handshake(); err != nil {
		return nil, err
	}

	go p.relayClientToServer()
	go p.relayServerToClient()

	return p, nil
}

func (p *Proxy) handshake() error {
	serverVersion, err := readVersion(p.serverConn)
	if err != nil {
		return err
	}
	if err := serverVersion.writeTo(p.clientConn); err != nil {
		return err
	}
	version, err := readVersion(p.clientConn)
	if err != nil {
		return err
	}
	if version > serverVersion {
		return protocolError("Proxy.handshake",
			fmt.Sprintf("client requested %s above server %s", version, serverVersion), nil)
	}
	if err := version.writeTo(p.serverConn); err != nil {
		return err
	}
	p.logger.Debug("Negotiated version", Field{Key: "version", Value: version.String()})

	if err := p.handshakeSecurity(version); err != nil {
		return err
	}

	clientInit, err := readClientInit(p.clientConn)
	if err != nil {
		return err
	}
	if err := clientInit.writeTo(p.serverConn); err != nil {
		return err
	}
	serverInit, err := readServerInit(p.serverConn)
	if err != nil {
		return err
	}
	if err := serverInit.writeTo(p.clientConn); err != nil {
		return err
	}

	// The format never changes afterwards: SetPixelFormat from the
	// client fails the session instead of being forwarded.
	p.format = serverInit.Format

	p.logger.Info("Proxy session established",
		Field{Key: "name", Value: serverInit.Name},
		Field{Key: "width", Value: serverInit.Width},
		Field{Key: "height", Value: serverInit.Height})
	return nil
}

// handshakeSecurity negotiates None on both sides, refusing the
// downstream client when the server does not offer it.
func (p *Proxy) handshakeSecurity(version Version) error {
	var offered []SecurityType
	if version == Version33 {
		var t uint32
		if err := binary.Read(p.serverConn, binary.BigEndian, &t); err != nil {
			return networkError("Proxy.handshakeSecurity", "failed to read security type", err)
		}
		if SecurityType(t) != SecTypeInvalid {
			offered = []SecurityType{SecurityType(t)}
		}
	} else {
		var err error
		offered, err = readSecurityTypes(p.serverConn)
		if err != nil {
			return err
		}
	}

	if len(offered) == 0 {
		reason, err := readString(p.serverConn)
		if err != nil {
			return err
		}
		if err := p.refuseClient(version, reason); err != nil {
			return err
		}
		return &ServerRefusalError{Reason: reason}
	}

	hasNone := false
	for _, t := range offered {
		if t == SecTypeNone {
			hasNone = true
		}
	}
	if !hasNone {
		reason := "proxy supports only the None security type"
		if err := p.refuseClient(version, reason); err != nil {
			return err
		}
		return unsupportedError("Proxy.handshakeSecurity",
			fmt.Sprintf("server offered %v, none of which the proxy can inspect", offered), nil)
	}

	if version == Version33 {
		if err := binary.Write(p.clientConn, binary.BigEndian, uint32(SecTypeNone)); err != nil {
			return networkError("Proxy.handshakeSecurity", "failed to write security type", err)
		}
	} else {
		if err := writeSecurityTypes(p.clientConn, []SecurityType{SecTypeNone}); err != nil {
			return err
		}
		choice, err := readSecurityType(p.clientConn)
		if err != nil {
			return err
		}
		if choice != SecTypeNone {
			return protocolError("Proxy.handshakeSecurity",
				fmt.Sprintf("client chose unoffered security type %s", choice), nil)
		}
		if err := SecTypeNone.writeTo(p.serverConn); err != nil {
			return err
		}
	}

	// For None the SecurityResult exists only in 3.8.
	if version == Version38 {
		result, err := readSecurityResult(p.serverConn)
		if err != nil {
			return err
		}
		if err := result.writeTo(p.clientConn); err != nil {
			return err
		}
		if result == SecurityResultFailed {
			reason, err := readString(p.serverConn)
			if err != nil {
				return err
			}
			if err := writeString(p.clientConn, reason); err != nil {
				return err
			}
			return &AuthenticationFailureError{Reason: reason}
		}
	}
	return nil
}

// refuseClient relays a connection refusal downstream in the framing
// the negotiated version expects.
func (p *Proxy) refuseClient(version Version, reason string) error {
	if version == Version33 {
		if err := binary.Write(p.clientConn, binary.BigEndian, uint32(SecTypeInvalid)); err != nil {
			return networkError("Proxy.refuseClient", "failed to write refusal", err)
		}
	} else {
		if err := writeSecurityTypes(p.clientConn, nil); err != nil {
			return err
		}
	}
	return writeString(p.clientConn, reason)
}

// Join blocks until both relay directions terminate. It returns nil
// when both ended with a clean disconnect, and the first real error
// otherwise.
func (p *Proxy) Join() error {
	var sessionErr error
	for i := 0; i < 2; i++ {
		err := <-p.results
		if err != nil && !errors.Is(err, ErrDisconnected) && sessionErr == nil {
			sessionErr = err
		}
	}
	return sessionErr
}

// Close tears down both connections, unblocking the relay goroutines.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		p.serverConn.Close() //nolint:errcheck
		p.clientConn.Close() //nolint:errcheck
	})
}

// finish records one direction's terminal error and tears the session
// down so the other direction unblocks.
func (p *Proxy) finish(direction string, err error) {
	// A read failing because the session tore the sockets down is the
	// orderly end of the relay, not a session error.
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = ErrDisconnected
	}
	if errors.Is(err, ErrDisconnected) {
		p.logger.Info("Relay direction ended", Field{Key: "direction", Value: direction})
	} else {
		p.logger.Error("Relay direction failed",
			Field{Key: "direction", Value: direction},
			Field{Key: "error", Value: err})
	}
	p.results <- err
	p.Close()
}

// relayClientToServer decodes each client message, drops what the
// upstream must not see, and re-encodes the rest.
func (p *Proxy) relayClientToServer() {
	for {
		message, err := ReadClientMessage(p.clientConn)
		if err != nil {
			p.finish("client-to-server", err)
			return
		}

		switch m := message.(type) {
		case SetPixelFormat:
			// A format change would leave in-flight server rectangles
			// in the old format with no way to re-frame them.
			p.finish("client-to-server", unsupportedError("Proxy.relayClientToServer",
				"client requested a pixel format change through the proxy", nil))
			return
		case SetEncodings:
			kept := make([]Encoding, 0, len(m.Encodings))
			for _, enc := range m.Encodings {
				if proxyEncodings[enc] {
					kept = append(kept, enc)
				}
			}
			p.logger.Debug("Filtered encodings",
				Field{Key: "requested", Value: len(m.Encodings)},
				Field{Key: "kept", Value: len(kept)})
			message = SetEncodings{Encodings: kept}
		}

		if err := WriteClientMessage(p.serverConn, message); err != nil {
			p.finish("client-to-server", err)
			return
		}
	}
}

// relayServerToClient frames each server message and forwards its raw
// bytes in a single write, so a failure mid-message cannot leave the
// downstream stream desynchronized.
func (p *Proxy) relayServerToClient() {
	var buffer bytes.Buffer
	for {
		buffer.Reset()
		if err := p.frameServerMessage(&buffer); err != nil {
			p.finish("server-to-client", err)
			return
		}
		if _, err := p.clientConn.Write(buffer.Bytes()); err != nil {
			p.finish("server-to-client", networkError("Proxy.relayServerToClient",
				"failed to forward server message", err))
			return
		}
	}
}

// frameServerMessage reads exactly one server message from the upstream
// connection, capturing its raw bytes into buffer.
func (p *Proxy) frameServerMessage(buffer *bytes.Buffer) error {
	tee := io.TeeReader(p.serverConn, buffer)

	message, err := ReadServerMessage(tee)
	if err != nil {
		return err
	}

	header, ok := message.(FramebufferUpdateHeader)
	if !ok {
		return nil
	}
	for i := uint16(0); i < header.Count; i++ {
		rectHeader, err := readRectangleHeader(tee)
		if err != nil {
			return err
		}
		if err := p.skipRectanglePayload(tee, rectHeader); err != nil {
			return err
		}
	}
	return nil
}

// skipRectanglePayload consumes a rectangle's payload from the tee so
// it lands in the relay buffer.
func (p *Proxy) skipRectanglePayload(tee io.Reader, header RectangleHeader) error {
	switch header.Encoding {
	case EncodingRaw:
		length := int64(header.Width) * int64(header.Height) * int64(p.format.BytesPerPixel())
		return discard(tee, length)
	case EncodingCopyRect:
		return discard(tee, 4)
	case EncodingZRLE:
		var length uint32
		if err := binary.Read(tee, binary.BigEndian, &length); err != nil {
			return networkError("Proxy.skipRectanglePayload", "failed to read zrle length", err)
		}
		return discard(tee, int64(length))
	case EncodingCursor:
		pixels := int64(header.Width) * int64(header.Height) * int64(p.format.BytesPerPixel())
		mask := (int64(header.Width) + 7) / 8 * int64(header.Height)
		return discard(tee, pixels+mask)
	case EncodingDesktopSize:
		return nil
	default:
		return protocolError("Proxy.skipRectanglePayload",
			fmt.Sprintf("cannot frame encoding %s", header.Encoding), nil)
	}
}

func discard(r io.Reader, n int64) error {
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return networkError("discard", "failed to read rectangle payload", err)
	}
	return nil
}
