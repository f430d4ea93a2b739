package tunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Cells are datagrams, so every layer is self-contained: AES-128-CTR with an
// explicit random IV prefixed to the ciphertext. Adding a layer grows the
// payload by one IV; removing a layer strips it.

const layerIVLen = aes.BlockSize

// encryptLayer adds one onion layer with the given key.
func encryptLayer(key [16]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("layer cipher: %w", err)
	}
	out := make([]byte, layerIVLen+len(data))
	if _, err := rand.Read(out[:layerIVLen]); err != nil {
		return nil, fmt.Errorf("layer IV: %w", err)
	}
	cipher.NewCTR(block, out[:layerIVLen]).XORKeyStream(out[layerIVLen:], data)
	return out, nil
}

// decryptLayer removes one onion layer with the given key.
func decryptLayer(key [16]byte, data []byte) ([]byte, error) {
	if len(data) < layerIVLen {
		return nil, fmt.Errorf("layer too short: %d bytes", len(data))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("layer cipher: %w", err)
	}
	out := make([]byte, len(data)-layerIVLen)
	cipher.NewCTR(block, data[:layerIVLen]).XORKeyStream(out, data[layerIVLen:])
	return out, nil
}

// encryptOutgoing wraps data for the initiator→exit direction: the first
// hop's layer is outermost, so each hop strips exactly one.
func encryptOutgoing(hops []*Hop, data []byte) ([]byte, error) {
	var err error
	for i := len(hops) - 1; i >= 0; i-- {
		data, err = encryptLayer(hops[i].Keys.Forward, data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// decryptIncoming peels the exit→initiator layers: each hop added its
// backward layer on the way in, closest hop outermost.
func decryptIncoming(hops []*Hop, data []byte) ([]byte, error) {
	var err error
	for i := 0; i < len(hops); i++ {
		data, err = decryptLayer(hops[i].Keys.Backward, data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// relayCrypt applies a relay's layer in the direction of the entry. A
// rendezvous-linked relay strips this side's forward layer and adds the
// other side's backward layer.
func relayCrypt(r *Relay, data []byte) ([]byte, error) {
	if !r.Forward {
		return encryptLayer(r.Keys.Backward, data)
	}
	out, err := decryptLayer(r.Keys.Forward, data)
	if err != nil {
		return nil, err
	}
	if r.LinkKeys != nil {
		return encryptLayer(r.LinkKeys.Backward, out)
	}
	return out, nil
}
