package ntor

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protoID = "tunnel-ntor-curve25519-sha256-1"
	tKey    = protoID + ":key_extract"
	tMac    = protoID + ":mac"
	tVerify = protoID + ":verify"
	mExpand = protoID + ":key_expand"
)

// KeyMaterial holds the negotiated symmetric keys for one circuit hop.
type KeyMaterial struct {
	Forward  [16]byte // AES-128 key, initiator→hop
	Backward [16]byte // AES-128 key, hop→initiator
	Seed     [16]byte // per-hop IV seed
}

// PublicKeyToCurve25519 converts an ed25519 identity key to its montgomery
// form for use as the static DH key B.
func PublicKeyToCurve25519(pub ed25519.PublicKey) ([32]byte, error) {
	var B [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return B, fmt.Errorf("bad public key length: %d", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return B, fmt.Errorf("decode identity point: %w", err)
	}
	copy(B[:], p.BytesMontgomery())
	return B, nil
}

// StaticKeyFromIdentity derives the x25519 static private key b matching
// PublicKeyToCurve25519 of the corresponding public key.
func StaticKeyFromIdentity(priv ed25519.PrivateKey) [32]byte {
	var b [32]byte
	h := sha512.Sum512(priv.Seed())
	copy(b[:], h[:32])
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
	return b
}

// HandshakeState holds the initiator's ephemeral state for a hop handshake.
type HandshakeState struct {
	identity [32]byte // peer's ed25519 identity key bytes
	B        [32]byte // peer's static montgomery key
	x        [32]byte // ephemeral private key
	X        [32]byte // ephemeral public key
}

// NewHandshake creates an initiator handshake towards the given peer identity.
func NewHandshake(peerIdentity ed25519.PublicKey) (*HandshakeState, error) {
	B, err := PublicKeyToCurve25519(peerIdentity)
	if err != nil {
		return nil, err
	}

	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}

	hs := &HandshakeState{B: B, x: x}
	copy(hs.identity[:], peerIdentity)
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key. Call on error paths when Complete()
// won't be called.
func (hs *HandshakeState) Close() {
	clear(hs.x[:])
}

// ClientData returns the 32-byte client handshake data (the ephemeral key X).
func (hs *HandshakeState) ClientData() [32]byte {
	return hs.X
}

// Complete processes the responder's 64-byte response (Y || AUTH), verifies
// AUTH, and derives the hop keys.
func (hs *HandshakeState) Complete(serverData [64]byte) (*KeyMaterial, error) {
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	exp1, err := curve25519.X25519(hs.x[:], Y[:]) // ephemeral-ephemeral
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	if isZero(exp1) {
		return nil, fmt.Errorf("x*Y produced all-zeros point")
	}

	exp2, err := curve25519.X25519(hs.x[:], hs.B[:]) // ephemeral-static
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}
	if isZero(exp2) {
		return nil, fmt.Errorf("x*B produced all-zeros point")
	}

	secretInput := buildSecretInput(exp1, exp2, hs.identity, hs.B, hs.X, Y)

	expectedAuth := authTag(secretInput, hs.identity, hs.B, hs.X, Y)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, fmt.Errorf("AUTH verification failed")
	}

	km, err := deriveKeys(secretInput)

	clear(secretInput)
	clear(hs.x[:])
	return km, err
}

// Respond performs the responder side: given our identity key and the
// client's ephemeral X, produce the 64-byte response and the same keys.
func Respond(identity ed25519.PrivateKey, clientData [32]byte) ([64]byte, *KeyMaterial, error) {
	var out [64]byte

	var id [32]byte
	copy(id[:], identity.Public().(ed25519.PublicKey))
	B, err := PublicKeyToCurve25519(identity.Public().(ed25519.PublicKey))
	if err != nil {
		return out, nil, err
	}
	b := StaticKeyFromIdentity(identity)
	defer clear(b[:])

	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		return out, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer clear(y[:])
	Ys, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return out, nil, fmt.Errorf("compute public key: %w", err)
	}
	var Y [32]byte
	copy(Y[:], Ys)

	exp1, err := curve25519.X25519(y[:], clientData[:]) // y * X
	if err != nil {
		return out, nil, fmt.Errorf("curve25519 y*X: %w", err)
	}
	if isZero(exp1) {
		return out, nil, fmt.Errorf("y*X produced all-zeros point")
	}
	exp2, err := curve25519.X25519(b[:], clientData[:]) // b * X
	if err != nil {
		return out, nil, fmt.Errorf("curve25519 b*X: %w", err)
	}
	if isZero(exp2) {
		return out, nil, fmt.Errorf("b*X produced all-zeros point")
	}

	secretInput := buildSecretInput(exp1, exp2, id, B, clientData, Y)
	auth := authTag(secretInput, id, B, clientData, Y)

	copy(out[0:32], Y[:])
	copy(out[32:64], auth)

	km, err := deriveKeys(secretInput)
	clear(secretInput)
	return out, km, err
}

// buildSecretInput assembles exp1 || exp2 || ID || B || X || Y || PROTOID.
func buildSecretInput(exp1, exp2 []byte, id, B, X, Y [32]byte) []byte {
	secretInput := make([]byte, 0, 192+len(protoID))
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, id[:]...)
	secretInput = append(secretInput, B[:]...)
	secretInput = append(secretInput, X[:]...)
	secretInput = append(secretInput, Y[:]...)
	return append(secretInput, []byte(protoID)...)
}

// authTag computes the AUTH value bound to the full transcript.
func authTag(secretInput []byte, id, B, X, Y [32]byte) []byte {
	verify := ntorHMAC(secretInput, tVerify)

	authInput := make([]byte, 0, len(verify)+128+len(protoID)+6)
	authInput = append(authInput, verify...)
	authInput = append(authInput, id[:]...)
	authInput = append(authInput, B[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, X[:]...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)

	tag := ntorHMAC(authInput, tMac)
	clear(authInput)
	return tag
}

// deriveKeys expands the secret input into forward/backward keys and the IV
// seed via HKDF-SHA256.
func deriveKeys(secretInput []byte) (*KeyMaterial, error) {
	kdf := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	keys := make([]byte, 48)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Forward[:], keys[0:16])
	copy(km.Backward[:], keys[16:32])
	copy(km.Seed[:], keys[32:48])
	clear(keys)
	return km, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
