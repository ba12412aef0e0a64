// Package session - nonce handshake establishing an authenticated sync session
package session

import (
	"context"
	"encoding/hex"
	"fmt"
)

// NonceLength number of random bytes in a nonce
const NonceLength = 32

// NonceSource source of cryptographically secure random bytes
type NonceSource interface {
	/*
		RandomBytes generate random bytes

			@param ctx context.Context - execution context
			@param length int - number of bytes
			@returns the bytes
	*/
	RandomBytes(ctx context.Context, length int) ([]byte, error)
}

// newNonce generate a hex encoded nonce
func newNonce(ctx context.Context, source NonceSource) (string, error) {
	raw, err := source.RandomBytes(ctx, NonceLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce [%w]", err)
	}
	return hex.EncodeToString(raw), nil
}

/*
HandshakeMessage the message both sides sign to authenticate a session

	@param clientNonce string - the client nonce
	@param serverNonce string - the server nonce
	@returns the message
*/
func HandshakeMessage(clientNonce, serverNonce string) []byte {
	return []byte(clientNonce + serverNonce)
}
