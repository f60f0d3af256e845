// SPDX-License-Identifier: MIT

package vnc

import (
	"crypto/aes"
	"crypto/des" // #nosec G502 - DES is required by the RFB protocol
	"crypto/md5" // #nosec G501 - MD5 key derivation is required by the ARD protocol
	"crypto/rand"
	"fmt"
	"math/big"
)

// SECURITY WARNING: VNC authentication uses DES and Apple Remote Desktop
// uses anonymous Diffie-Hellman with MD5 key derivation. Both are
// cryptographically weak and are implemented here only because the
// protocols require them for interoperability. Run RFB over a secure
// tunnel when the network is not trusted.

// VNC authentication constants.
const (
	vncChallengeSize     = 16
	desKeySize           = 8
	vncMaxPasswordLength = 8
)

// reverseBits reverses the bit order within a byte using a lookup table.
//
// DES as commonly implemented takes an 8-octet key and ignores the least
// significant bit of every octet. Historical VNC implementations worked
// around this by bit-reversing each password byte so that the low bits
// of ASCII characters land in the significant positions. Every
// interoperable client must reproduce this quirk.
func reverseBits(b byte) byte {
	var reverseLookup = [256]byte{
		0x00, 0x80, 0x40, 0xc0, 0x20, 0xa0, 0x60, 0xe0,
		0x10, 0x90, 0x50, 0xd0, 0x30, 0xb0, 0x70, 0xf0,
		0x08, 0x88, 0x48, 0xc8, 0x28, 0xa8, 0x68, 0xe8,
		0x18, 0x98, 0x58, 0xd8, 0x38, 0xb8, 0x78, 0xf8,
		0x04, 0x84, 0x44, 0xc4, 0x24, 0xa4, 0x64, 0xe4,
		0x14, 0x94, 0x54, 0xd4, 0x34, 0xb4, 0x74, 0xf4,
		0x0c, 0x8c, 0x4c, 0xcc, 0x2c, 0xac, 0x6c, 0xec,
		0x1c, 0x9c, 0x5c, 0xdc, 0x3c, 0xbc, 0x7c, 0xfc,
		0x02, 0x82, 0x42, 0xc2, 0x22, 0xa2, 0x62, 0xe2,
		0x12, 0x92, 0x52, 0xd2, 0x32, 0xb2, 0x72, 0xf2,
		0x0a, 0x8a, 0x4a, 0xca, 0x2a, 0xaa, 0x6a, 0xea,
		0x1a, 0x9a, 0x5a, 0xda, 0x3a, 0xba, 0x7a, 0xfa,
		0x06, 0x86, 0x46, 0xc6, 0x26, 0xa6, 0x66, 0xe6,
		0x16, 0x96, 0x56, 0xd6, 0x36, 0xb6, 0x76, 0xf6,
		0x0e, 0x8e, 0x4e, 0xce, 0x2e, 0xae, 0x6e, 0xee,
		0x1e, 0x9e, 0x5e, 0xde, 0x3e, 0xbe, 0x7e, 0xfe,
		0x01, 0x81, 0x41, 0xc1, 0x21, 0xa1, 0x61, 0xe1,
		0x11, 0x91, 0x51, 0xd1, 0x31, 0xb1, 0x71, 0xf1,
		0x09, 0x89, 0x49, 0xc9, 0x29, 0xa9, 0x69, 0xe9,
		0x19, 0x99, 0x59, 0xd9, 0x39, 0xb9, 0x79, 0xf9,
		0x05, 0x85, 0x45, 0xc5, 0x25, 0xa5, 0x65, 0xe5,
		0x15, 0x95, 0x55, 0xd5, 0x35, 0xb5, 0x75, 0xf5,
		0x0d, 0x8d, 0x4d, 0xcd, 0x2d, 0xad, 0x6d, 0xed,
		0x1d, 0x9d, 0x5d, 0xdd, 0x3d, 0xbd, 0x7d, 0xfd,
		0x03, 0x83, 0x43, 0xc3, 0x23, 0xa3, 0x63, 0xe3,
		0x13, 0x93, 0x53, 0xd3, 0x33, 0xb3, 0x73, 0xf3,
		0x0b, 0x8b, 0x4b, 0xcb, 0x2b, 0xab, 0x6b, 0xeb,
		0x1b, 0x9b, 0x5b, 0xdb, 0x3b, 0xbb, 0x7b, 0xfb,
		0x07, 0x87, 0x47, 0xc7, 0x27, 0xa7, 0x67, 0xe7,
		0x17, 0x97, 0x57, 0xd7, 0x37, 0xb7, 0x77, 0xf7,
		0x0f, 0x8f, 0x4f, 0xcf, 0x2f, 0xaf, 0x6f, 0xef,
		0x1f, 0x9f, 0x5f, 0xdf, 0x3f, 0xbf, 0x7f, 0xff,
	}
	return reverseLookup[b]
}

// vncAuthKey derives the 8-byte DES key from a VNC password: the
// password is truncated or zero-padded to 8 bytes and every byte is
// bit-reversed.
func vncAuthKey(password string) []byte {
	key := make([]byte, desKeySize)
	passwordBytes := []byte(password)
	keyLen := len(passwordBytes)
	if keyLen > vncMaxPasswordLength {
		keyLen = vncMaxPasswordLength
	}
	for i := 0; i < keyLen; i++ {
		key[i] = reverseBits(passwordBytes[i])
	}
	return key
}

// encryptVNCChallenge computes the 16-byte VNC authentication response:
// DES-ECB of both 8-byte halves of the server challenge under the
// bit-reversed password key.
func encryptVNCChallenge(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != vncChallengeSize {
		return nil, validationError("encryptVNCChallenge",
			fmt.Sprintf("challenge must be exactly %d bytes, got %d", vncChallengeSize, len(challenge)), nil)
	}

	key := vncAuthKey(password)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := des.NewCipher(key) // #nosec G405 - DES is required by the RFB protocol
	if err != nil {
		return nil, authenticationError("encryptVNCChallenge", "failed to create DES cipher", err)
	}

	response := make([]byte, vncChallengeSize)
	block.Encrypt(response[0:desKeySize], challenge[0:desKeySize])
	block.Encrypt(response[desKeySize:vncChallengeSize], challenge[desKeySize:vncChallengeSize])
	return response, nil
}

// Apple Remote Desktop credential framing: username and password each
// occupy a NUL-padded 64-byte slot in the 128-byte plaintext.
const (
	ardCredentialSlot = 64
	ardPlaintextSize  = 2 * ardCredentialSlot
)

// appleAuthResponse runs the client side of the Apple Remote Desktop
// Diffie-Hellman exchange: derive a key pair against the server's prime
// and generator, hash the shared secret with MD5 into an AES-128 key,
// and encrypt the credentials with AES-ECB. It returns the ciphertext
// followed by the client's public key, ready to send.
func appleAuthResponse(username, password string, challenge AppleAuthChallenge) ([]byte, error) {
	keyLength := len(challenge.Prime)
	if keyLength == 0 || len(challenge.PeerKey) != keyLength {
		return nil, protocolError("appleAuthResponse", "malformed Diffie-Hellman parameters", nil)
	}

	prime := new(big.Int).SetBytes(challenge.Prime)
	if prime.Sign() == 0 {
		return nil, protocolError("appleAuthResponse", "Diffie-Hellman prime is zero", nil)
	}
	generator := big.NewInt(int64(challenge.Generator))
	peerKey := new(big.Int).SetBytes(challenge.PeerKey)

	secretBytes := make([]byte, keyLength)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, authenticationError("appleAuthResponse", "failed to generate private exponent", err)
	}
	private := new(big.Int).SetBytes(secretBytes)

	publicKey := new(big.Int).Exp(generator, private, prime)
	sharedSecret := new(big.Int).Exp(peerKey, private, prime)

	// MD5 over the shared secret left-padded to the key length.
	aesKey := md5.Sum(leftPad(sharedSecret.Bytes(), keyLength)) // #nosec G401 - required by the ARD protocol

	var plaintext [ardPlaintextSize]byte
	copy(plaintext[0:ardCredentialSlot], truncate(username, ardCredentialSlot))
	copy(plaintext[ardCredentialSlot:], truncate(password, ardCredentialSlot))

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, authenticationError("appleAuthResponse", "failed to create AES cipher", err)
	}

	response := make([]byte, ardPlaintextSize, ardPlaintextSize+keyLength)
	for offset := 0; offset < ardPlaintextSize; offset += aes.BlockSize {
		block.Encrypt(response[offset:offset+aes.BlockSize], plaintext[offset:offset+aes.BlockSize])
	}
	response = append(response, leftPad(publicKey.Bytes(), keyLength)...)
	return response, nil
}

// leftPad zero-extends data on the left to length bytes.
func leftPad(data []byte, length int) []byte {
	if len(data) >= length {
		return data
	}
	padded := make([]byte, length)
	copy(padded[length-len(data):], data)
	return padded
}

// truncate clips s to at most n bytes.
func truncate(s string, n int) []byte {
	b := []byte(s)
	if len(b) > n {
		return b[:n]
	}
	return b
}
