package encryption

import (
	"context"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
)

// guardedBuffer libsodium guarded memory
type guardedBuffer interface {
	GetSlice() ([]byte, error)
}

// fillGuarded copy material into a guarded buffer of exactly the expected length
func fillGuarded(buf guardedBuffer, material []byte, expected int) error {
	if len(material) != expected {
		return fmt.Errorf("expected %d bytes, got %d", expected, len(material))
	}
	core, err := buf.GetSlice()
	if err != nil {
		return fmt.Errorf("failed to access guarded buffer [%w]", err)
	}
	copy(core, material)
	return nil
}

// newAEAD XChaCha20-Poly1305 instance with a key, and either the given or a random nonce
func (e *cryptoEngine) newAEAD(
	ctx context.Context, key []byte, nonce []byte,
) (cgoCrypto.AEAD, error) {
	aead, err := e.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	keyBuf, err := e.crypto.AllocateSecureCSlice(aead.ExpectedKeyLen())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate AEAD key buffer [%w]", err)
	}
	if err := fillGuarded(keyBuf, key, aead.ExpectedKeyLen()); err != nil {
		return nil, fmt.Errorf("bad AEAD key [%w]", err)
	}
	if err := aead.SetKey(keyBuf); err != nil {
		return nil, fmt.Errorf("failed to install AEAD key [%w]", err)
	}

	if len(nonce) > 0 {
		nonceBuf, err := e.crypto.AllocateSecureCSlice(aead.ExpectedNonceLen())
		if err != nil {
			return nil, fmt.Errorf("failed to allocate AEAD nonce buffer [%w]", err)
		}
		if err := fillGuarded(nonceBuf, nonce, aead.ExpectedNonceLen()); err != nil {
			return nil, fmt.Errorf("bad AEAD nonce [%w]", err)
		}
		if err := aead.SetNonce(nonceBuf); err != nil {
			return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
		}
		return aead, nil
	}

	nonceBuf, err := e.crypto.GetRandomBuf(ctx, aead.ExpectedNonceLen())
	if err != nil {
		return nil, fmt.Errorf("failed to generate AEAD nonce [%w]", err)
	}
	if err := aead.SetNonce(nonceBuf); err != nil {
		return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
	}
	return aead, nil
}

// seal encrypt plain text under a fresh random nonce
func (e *cryptoEngine) seal(ctx context.Context, key, plainText []byte) (sealedData, error) {
	aead, err := e.newAEAD(ctx, key, nil)
	if err != nil {
		return sealedData{}, err
	}
	nonce, err := aead.Nonce().GetSlice()
	if err != nil {
		return sealedData{}, fmt.Errorf("failed to read AEAD nonce [%w]", err)
	}

	result := sealedData{
		CipherText: make([]byte, aead.ExpectedCipherLen(int64(len(plainText)))),
		Nonce:      append([]byte{}, nonce...),
	}
	if err := aead.Seal(ctx, 0, plainText, nil, result.CipherText); err != nil {
		return sealedData{}, fmt.Errorf("failed to seal [%w]", err)
	}
	return result, nil
}

// open decrypt and authenticate sealed data
func (e *cryptoEngine) open(ctx context.Context, key []byte, sealed sealedData) ([]byte, error) {
	aead, err := e.newAEAD(ctx, key, sealed.Nonce)
	if err != nil {
		return nil, err
	}
	plainText := make([]byte, aead.ExpectedPlainTextLen(int64(len(sealed.CipherText))))
	if err := aead.Unseal(ctx, 0, sealed.CipherText, nil, plainText); err != nil {
		return nil, fmt.Errorf("failed to open sealed data [%w]", err)
	}
	return plainText, nil
}
