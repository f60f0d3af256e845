// SPDX-License-Identifier: MIT

package vnc

import (
	"bytes"
	"crypto/aes"
	"crypto/des" // #nosec G502 - exercising the protocol-required cipher
	"crypto/md5" // #nosec G501 - exercising the protocol-required hash
	"math/big"
	"testing"
)

// TestSecurity_VNCAuthKey checks the historical key preparation: the
// password is padded to 8 bytes and every byte is bit-reversed.
func TestSecurity_VNCAuthKey(t *testing.T) {
	want := []byte{0x0E, 0x86, 0xCE, 0xCE, 0xEE, 0xF6, 0x4E, 0x26}
	if got := vncAuthKey("password"); !bytes.Equal(got, want) {
		t.Errorf("vncAuthKey(%q) = %x, want %x", "password", got, want)
	}

	// Truncation to 8 bytes.
	if got := vncAuthKey("passwordXYZ"); !bytes.Equal(got, want) {
		t.Errorf("long password was not truncated: got %x", got)
	}

	// Zero padding.
	short := vncAuthKey("ab")
	for i := 2; i < 8; i++ {
		if short[i] != 0 {
			t.Errorf("key byte %d is %#x, want zero padding", i, short[i])
		}
	}
}

// TestSecurity_ReverseBits spot-checks the lookup table.
func TestSecurity_ReverseBits(t *testing.T) {
	tests := []struct{ in, out byte }{
		{0x00, 0x00},
		{0x01, 0x80},
		{0x80, 0x01},
		{0xF0, 0x0F},
		{0xAA, 0x55},
		{0xFF, 0xFF},
	}
	for _, tt := range tests {
		if got := reverseBits(tt.in); got != tt.out {
			t.Errorf("reverseBits(%#x) = %#x, want %#x", tt.in, got, tt.out)
		}
	}
}

// TestSecurity_VNCChallengeResponse checks that the response is DES-ECB
// over both halves of the challenge under the bit-reversed key.
func TestSecurity_VNCChallengeResponse(t *testing.T) {
	challenge := make([]byte, vncChallengeSize)
	for i := range challenge {
		challenge[i] = byte(i * 7)
	}

	response, err := encryptVNCChallenge("password", challenge)
	if err != nil {
		t.Fatalf("encryptVNCChallenge failed: %v", err)
	}
	if len(response) != vncChallengeSize {
		t.Fatalf("response is %d bytes, want %d", len(response), vncChallengeSize)
	}

	key := []byte{0x0E, 0x86, 0xCE, 0xCE, 0xEE, 0xF6, 0x4E, 0x26}
	block, err := des.NewCipher(key) // #nosec G405
	if err != nil {
		t.Fatalf("des.NewCipher failed: %v", err)
	}
	want := make([]byte, vncChallengeSize)
	block.Encrypt(want[0:8], challenge[0:8])
	block.Encrypt(want[8:16], challenge[8:16])

	if !bytes.Equal(response, want) {
		t.Errorf("response %x, want %x", response, want)
	}
}

// TestSecurity_VNCChallengeLength rejects challenges that are not 16 bytes.
func TestSecurity_VNCChallengeLength(t *testing.T) {
	if _, err := encryptVNCChallenge("x", make([]byte, 8)); !IsVNCError(err, ErrValidation) {
		t.Errorf("short challenge: got %v, want a validation error", err)
	}
}

// TestSecurity_AppleRemoteDesktop plays the server side of the
// Diffie-Hellman exchange and checks that the credentials decrypt under
// the server's view of the shared secret.
func TestSecurity_AppleRemoteDesktop(t *testing.T) {
	// The well-known 2048-bit MODP safe prime stands in for the server's.
	prime, ok := new(big.Int).SetString(
		"ffffffffffffffffc90fdaa22168c234c4c6628b80dc1cd129024e088a67cc74"+
			"020bbea63b139b22514a08798e3404ddef9519b3cd3a431b302b0a6df25f1437"+
			"4fe1356d6d51c245e485b576625e7ec6f44c42e9a637ed6b0bff5cb6f406b7ed"+
			"ee386bfb5a899fa5ae9f24117c4b1fe649286651ece45b3dc2007cb8a163bf05"+
			"98da48361c55d39a69163fa8fd24cf5f83655d23dca3ad961c62f356208552bb"+
			"9ed529077096966d670c354e4abc9804f1746c08ca18217c32905e462e36ce3b"+
			"e39e772c180e86039b2783a2ec07a28fb5c55df06f4c52c9de2bcbf695581718"+
			"3995497cea956ae515d2261898fa051015728e5a8aacaa68ffffffffffffffff", 16)
	if !ok {
		t.Fatal("failed to parse test prime")
	}
	generator := big.NewInt(2)
	serverPrivate := big.NewInt(0x1234567890ABCDEF)
	serverPublic := new(big.Int).Exp(generator, serverPrivate, prime)

	keyLength := len(prime.Bytes())
	challenge := AppleAuthChallenge{
		Generator: 2,
		Prime:     prime.Bytes(),
		PeerKey:   leftPad(serverPublic.Bytes(), keyLength),
	}

	response, err := appleAuthResponse("user", "hunter2", challenge)
	if err != nil {
		t.Fatalf("appleAuthResponse failed: %v", err)
	}
	if len(response) != ardPlaintextSize+keyLength {
		t.Fatalf("response is %d bytes, want %d", len(response), ardPlaintextSize+keyLength)
	}

	ciphertext := response[:ardPlaintextSize]
	clientPublic := new(big.Int).SetBytes(response[ardPlaintextSize:])

	sharedSecret := new(big.Int).Exp(clientPublic, serverPrivate, prime)
	aesKey := md5.Sum(leftPad(sharedSecret.Bytes(), keyLength)) // #nosec G401

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}
	plaintext := make([]byte, ardPlaintextSize)
	for offset := 0; offset < ardPlaintextSize; offset += aes.BlockSize {
		block.Decrypt(plaintext[offset:offset+aes.BlockSize], ciphertext[offset:offset+aes.BlockSize])
	}

	var wantUser [ardCredentialSlot]byte
	copy(wantUser[:], "user")
	var wantPass [ardCredentialSlot]byte
	copy(wantPass[:], "hunter2")

	if !bytes.Equal(plaintext[:ardCredentialSlot], wantUser[:]) {
		t.Errorf("decrypted username slot %q, want %q", plaintext[:ardCredentialSlot], wantUser[:])
	}
	if !bytes.Equal(plaintext[ardCredentialSlot:], wantPass[:]) {
		t.Errorf("decrypted password slot %q, want %q", plaintext[ardCredentialSlot:], wantPass[:])
	}
}

// TestSecurity_AppleMalformedParameters rejects inconsistent
// Diffie-Hellman parameters.
func TestSecurity_AppleMalformedParameters(t *testing.T) {
	_, err := appleAuthResponse("u", "p", AppleAuthChallenge{
		Generator: 2,
		Prime:     []byte{0x17},
		PeerKey:   []byte{0x01, 0x02},
	})
	if !IsVNCError(err, ErrProtocol) {
		t.Errorf("mismatched key lengths: got %v, want a protocol error", err)
	}
}
