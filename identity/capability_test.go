package identity_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCapabilitySignVerify(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	key1, err := identity.GenerateKey(rand.Reader)
	assert.Nil(err)
	key2, err := identity.GenerateKey(rand.Reader)
	assert.Nil(err)

	uut1, err := identity.NewCapability(uuid.NewString(), key1, rand.Reader)
	assert.Nil(err)
	uut2, err := identity.NewCapability(uuid.NewString(), key2, rand.Reader)
	assert.Nil(err)

	message := []byte("client-nonce||server-nonce")
	sig, err := uut1.Sign(utCtx, message)
	assert.Nil(err)

	verifier := identity.NewVerifier()

	// Case 0: correct key
	assert.Nil(verifier.Verify(utCtx, uut1.PublicKey(), message, sig))
	// Repeat uses the cached key
	assert.Nil(uut2.Verify(utCtx, uut1.PublicKey(), message, sig))

	// Case 1: wrong key
	assert.Error(verifier.Verify(utCtx, uut2.PublicKey(), message, sig))

	// Case 2: wrong message
	assert.Error(verifier.Verify(utCtx, uut1.PublicKey(), []byte("other"), sig))

	// Case 3: garbage
	assert.Error(verifier.Verify(utCtx, uut1.PublicKey(), message, "not-base64!"))
	assert.Error(verifier.Verify(utCtx, "not a key", message, sig))

	// Key encoding round trip
	parsed, err := identity.ParsePrivateKey(identity.EncodePrivateKey(key1))
	assert.Nil(err)
	assert.True(parsed.Equal(key1))
	pub, err := identity.ParsePublicKey(uut1.PublicKey())
	assert.Nil(err)
	assert.True(pub.Equal(&key1.PublicKey))
}

func TestSignVerifyRecord(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	key, err := identity.GenerateKey(rand.Reader)
	assert.Nil(err)
	uut, err := identity.NewCapability(uuid.NewString(), key, rand.Reader)
	assert.Nil(err)

	payload, err := models.EncodePayload(models.FacilityPayload{Name: "school"})
	assert.Nil(err)
	record := models.SyncRecord{
		ID:      uuid.NewString(),
		Kind:    models.RecordKindFacility,
		Counter: 4,
		State:   models.RecordStateActive,
		Payload: payload,
	}

	// Case 0: unsigned
	err = identity.VerifyRecord(utCtx, uut, record, uut.PublicKey())
	assert.True(models.IsErrorCode(err, models.ErrCodeSignatureInvalid))

	// Case 1: signed
	signed, err := identity.SignRecord(utCtx, uut, record)
	assert.Nil(err)
	assert.Equal(uut.DeviceID(), signed.SignedBy)
	assert.Nil(identity.VerifyRecord(utCtx, uut, signed, uut.PublicKey()))

	// Case 2: payload whitespace does not matter
	reformatted := signed
	reformatted.Payload = bytes.ReplaceAll(signed.Payload, []byte(":"), []byte(" : "))
	assert.NotEqual([]byte(signed.Payload), []byte(reformatted.Payload))
	assert.Nil(identity.VerifyRecord(utCtx, uut, reformatted, uut.PublicKey()))

	// Case 3: tampered counter
	tampered := signed
	tampered.Counter = 5
	err = identity.VerifyRecord(utCtx, uut, tampered, uut.PublicKey())
	assert.True(models.IsErrorCode(err, models.ErrCodeSignatureInvalid))

	// Case 4: tampered state
	tampered = signed
	tampered.State = models.RecordStateTombstoned
	err = identity.VerifyRecord(utCtx, uut, tampered, uut.PublicKey())
	assert.True(models.IsErrorCode(err, models.ErrCodeSignatureInvalid))
}
