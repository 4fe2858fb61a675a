package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// generatePrivateKey creates a new Ed25519 private key for the node identity.
// The key lives only for the lifetime of the process; the derived peer ID
// authenticates sessions and signs every published message.
func generatePrivateKey(_ context.Context) (*crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &priv, nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (*crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	privKey, err := crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	if err != nil {
		return nil, err
	}

	return &privKey, nil
}

// loadIdentity returns the configured key, or a fresh one when none is set.
func loadIdentity(ctx context.Context, hexKey string) (crypto.PrivKey, error) {
	var (
		pk  *crypto.PrivKey
		err error
	)

	if hexKey == "" {
		pk, err = generatePrivateKey(ctx)
	} else {
		pk, err = decodeHexEd25519PrivateKey(hexKey)
	}

	if err != nil {
		return nil, err
	}

	return *pk, nil
}
