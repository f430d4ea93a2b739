package ntor

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestHandshakeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	hs, err := NewHandshake(pub)
	if err != nil {
		t.Fatal(err)
	}

	serverData, serverKeys, err := Respond(priv, hs.ClientData())
	if err != nil {
		t.Fatal(err)
	}

	clientKeys, err := hs.Complete(serverData)
	if err != nil {
		t.Fatal(err)
	}

	if clientKeys.Forward != serverKeys.Forward {
		t.Fatal("forward key mismatch")
	}
	if clientKeys.Backward != serverKeys.Backward {
		t.Fatal("backward key mismatch")
	}
	if clientKeys.Seed != serverKeys.Seed {
		t.Fatal("seed mismatch")
	}
	if clientKeys.Forward == clientKeys.Backward {
		t.Fatal("forward and backward keys should differ")
	}
}

func TestHandshakeAuthFailure(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	hs, err := NewHandshake(pub)
	if err != nil {
		t.Fatal(err)
	}

	serverData, _, err := Respond(priv, hs.ClientData())
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the AUTH tag
	serverData[63] ^= 0x01

	if _, err := hs.Complete(serverData); err == nil {
		t.Fatal("expected AUTH verification failure")
	}
}

func TestHandshakeWrongIdentity(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	hs, err := NewHandshake(pub)
	if err != nil {
		t.Fatal(err)
	}

	// Responder holds a different identity than the one the client targets.
	serverData, _, err := Respond(otherPriv, hs.ClientData())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hs.Complete(serverData); err == nil {
		t.Fatal("expected failure for mismatched identity")
	}
}

func TestStaticKeyMatchesConvertedPublic(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	// The montgomery form of the public identity must be the public key of
	// the derived static scalar, or the DH sides will not agree.
	B, err := PublicKeyToCurve25519(pub)
	if err != nil {
		t.Fatal(err)
	}
	b := StaticKeyFromIdentity(priv)
	if isZero(B[:]) {
		t.Fatal("converted public key is zero")
	}
	derived, err := curve25519.X25519(b[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(derived, B[:]) {
		t.Fatal("public key of the static scalar differs from the converted identity")
	}
}
