// SPDX-License-Identifier: MIT

package vnc

import (
	"fmt"
	"io"
	"sync"
)

// ClientAuth defines the interface for client-side authentication
// methods. Handshake performs the method's wire exchange only; reading
// the SecurityResult afterwards is version-dependent and belongs to the
// session handshake.
type ClientAuth interface {
	SecurityType() SecurityType
	Handshake(conn io.ReadWriter) error
	String() string
}

// ClientAuthNone implements the "None" security type (1). There is no
// exchange.
type ClientAuthNone struct{}

// SecurityType returns the security type identifier for None authentication.
func (*ClientAuthNone) SecurityType() SecurityType {
	return SecTypeNone
}

// Handshake performs the None authentication handshake, which is empty.
func (*ClientAuthNone) Handshake(io.ReadWriter) error {
	return nil
}

// String returns a human-readable description of the authentication method.
func (*ClientAuthNone) String() string {
	return "None"
}

// PasswordAuth implements VNC Authentication (security type 2): the
// server sends a 16-byte challenge and the client returns it DES-ECB
// encrypted under the bit-reversed password key.
type PasswordAuth struct {
	Password string
}

// SecurityType returns the security type identifier for VNC authentication.
func (*PasswordAuth) SecurityType() SecurityType {
	return SecTypeVNCAuthentication
}

// Handshake performs the VNC Authentication challenge/response exchange.
func (p *PasswordAuth) Handshake(conn io.ReadWriter) error {
	challenge := make([]byte, vncChallengeSize)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return networkError("PasswordAuth.Handshake", "failed to read authentication challenge", err)
	}

	response, err := encryptVNCChallenge(p.Password, challenge)
	if err != nil {
		return err
	}

	if _, err := conn.Write(response); err != nil {
		return networkError("PasswordAuth.Handshake", "failed to send encrypted response", err)
	}
	return nil
}

// String returns a human-readable description of the authentication method.
func (*PasswordAuth) String() string {
	return "VNC Password"
}

// AppleRemoteDesktopAuth implements Apple Remote Desktop authentication
// (security type 30): a Diffie-Hellman exchange whose shared secret
// keys an AES-128-ECB encryption of the username and password.
type AppleRemoteDesktopAuth struct {
	Username string
	Password string
}

// SecurityType returns the security type identifier for Apple Remote Desktop.
func (*AppleRemoteDesktopAuth) SecurityType() SecurityType {
	return SecTypeAppleRemoteDesktop
}

// Handshake performs the Apple Remote Desktop Diffie-Hellman exchange.
func (a *AppleRemoteDesktopAuth) Handshake(conn io.ReadWriter) error {
	challenge, err := readAppleAuthChallenge(conn)
	if err != nil {
		return err
	}

	response, err := appleAuthResponse(a.Username, a.Password, challenge)
	if err != nil {
		return err
	}

	if _, err := conn.Write(response); err != nil {
		return networkError("AppleRemoteDesktopAuth.Handshake", "failed to send encrypted credentials", err)
	}
	return nil
}

// String returns a human-readable description of the authentication method.
func (*AppleRemoteDesktopAuth) String() string {
	return "Apple Remote Desktop"
}

// AuthFunc decides which authentication method to use given the
// security types offered by the server. Returning nil refuses the
// connection with ErrAuthenticationUnavailable.
type AuthFunc func(available []SecurityType) ClientAuth

// AuthFactory creates new instances of an authentication method.
type AuthFactory func() ClientAuth

// AuthRegistry manages available authentication method factories.
type AuthRegistry struct {
	mu        sync.RWMutex
	factories map[SecurityType]AuthFactory
}

// NewAuthRegistry creates a registry pre-populated with the built-in
// methods that need no credentials.
func NewAuthRegistry() *AuthRegistry {
	registry := &AuthRegistry{
		factories: make(map[SecurityType]AuthFactory),
	}
	registry.Register(SecTypeNone, func() ClientAuth { return &ClientAuthNone{} })
	return registry
}

// Register adds an authentication method factory to the registry,
// replacing any previous factory for the same security type.
func (r *AuthRegistry) Register(securityType SecurityType, factory AuthFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[securityType] = factory
}

// Unregister removes an authentication method from the registry and
// reports whether it was present.
func (r *AuthRegistry) Unregister(securityType SecurityType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[securityType]; !exists {
		return false
	}
	delete(r.factories, securityType)
	return true
}

// IsSupported reports whether a security type has a registered factory.
func (r *AuthRegistry) IsSupported(securityType SecurityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[securityType]
	return exists
}

// CreateAuth instantiates the authentication method for the given
// security type.
func (r *AuthRegistry) CreateAuth(securityType SecurityType) (ClientAuth, error) {
	r.mu.RLock()
	factory, exists := r.factories[securityType]
	r.mu.RUnlock()
	if !exists {
		return nil, unsupportedError("AuthRegistry.CreateAuth",
			fmt.Sprintf("unsupported security type %s", securityType), nil)
	}
	return factory(), nil
}

// Negotiate picks the first registered method from serverTypes,
// honouring preferredOrder when given. It returns nil when no mutual
// method exists.
func (r *AuthRegistry) Negotiate(serverTypes []SecurityType, preferredOrder []SecurityType) ClientAuth {
	if preferredOrder == nil {
		preferredOrder = serverTypes
	}
	for _, preferred := range preferredOrder {
		for _, offered := range serverTypes {
			if preferred == offered && r.IsSupported(preferred) {
				auth, err := r.CreateAuth(preferred)
				if err != nil {
					continue
				}
				return auth
			}
		}
	}
	return nil
}
