package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRelay(t *testing.T) (*Relay, *store.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewMemory()
	return NewRelay(st, rdb, zap.NewNop()), st
}

func createUser(t *testing.T, st *store.Memory) (*models.User, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	user, err := st.CreateUser(context.Background(), uuid.NewString(), crypto.EncodeKey(&kp.PublicKey))
	require.NoError(t, err)
	return user, kp
}

func boxMessage(t *testing.T, from, to *models.User, fromKeys, toKeys *crypto.KeyPair) *models.Message {
	t.Helper()
	env, err := crypto.SealEnvelope(crypto.SchemeBox, []byte("hello"), &toKeys.PublicKey, &fromKeys.PrivateKey)
	require.NoError(t, err)
	nonce := base64.StdEncoding.EncodeToString(env.Nonce)
	return &models.Message{
		SenderID:   from.ID,
		ReceiverID: to.ID,
		Scheme:     crypto.SchemeBox,
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		Nonce:      &nonce,
	}
}

func TestRelay_StoreAndNotify(t *testing.T) {
	ctx := context.Background()
	relay, st := newTestRelay(t)
	alice, aliceKeys := createUser(t, st)
	bob, bobKeys := createUser(t, st)

	sub := relay.Subscribe(ctx, bob.ID)
	require.NotNil(t, sub)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	msg := boxMessage(t, alice, bob, aliceKeys, bobKeys)
	stored, err := relay.Store(ctx, msg)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, stored.ID)
	assert.Equal(t, int64(1), stored.Seq)

	select {
	case m := <-sub.Channel():
		assert.Equal(t, ChannelFor(bob.ID), m.Channel)
		assert.NotContains(t, m.Payload, msg.Ciphertext)

		var n models.MessageNotification
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &n))
		assert.Equal(t, stored.ID.String(), n.MessageID)
		assert.Equal(t, alice.ID.String(), n.SenderID)
		assert.Equal(t, "box", n.Scheme)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}

	listed, err := relay.List(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, crypto.EncodeKey(&aliceKeys.PublicKey), listed[0].SenderPublicKey)
}

func TestRelay_WithoutRedis(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	relay := NewRelay(st, nil, zap.NewNop())
	alice, aliceKeys := createUser(t, st)

	assert.Nil(t, relay.Subscribe(ctx, alice.ID))
	_, err := relay.Store(ctx, boxMessage(t, alice, alice, aliceKeys, aliceKeys))
	assert.NoError(t, err)
}

func TestRelay_UnknownParties(t *testing.T) {
	ctx := context.Background()
	relay, st := newTestRelay(t)
	alice, aliceKeys := createUser(t, st)
	ghost := &models.User{ID: uuid.New()}

	_, err := relay.Store(ctx, boxMessage(t, alice, ghost, aliceKeys, aliceKeys))
	assert.ErrorIs(t, err, common.ErrRecipientKeyNotFound)

	_, err = relay.Store(ctx, boxMessage(t, ghost, alice, aliceKeys, aliceKeys))
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	listed, err := relay.List(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestRelay_RejectsMalformedEnvelopes(t *testing.T) {
	ctx := context.Background()
	relay, st := newTestRelay(t)
	alice, aliceKeys := createUser(t, st)

	shortNonce := base64.StdEncoding.EncodeToString(make([]byte, 12))
	someNonce := base64.StdEncoding.EncodeToString(make([]byte, crypto.NonceSize))
	sealedCT := base64.StdEncoding.EncodeToString(make([]byte, 64))

	tests := []struct {
		name   string
		mutate func(m *models.Message)
	}{
		{"unknown scheme", func(m *models.Message) { m.Scheme = "rot13" }},
		{"ciphertext not base64", func(m *models.Message) { m.Ciphertext = "%%%" }},
		{"ciphertext too short", func(m *models.Message) { m.Ciphertext = base64.StdEncoding.EncodeToString([]byte("x")) }},
		{"ciphertext too large", func(m *models.Message) {
			m.Ciphertext = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", MaxCiphertextSize+1)))
		}},
		{"box without nonce", func(m *models.Message) { m.Nonce = nil }},
		{"box with short nonce", func(m *models.Message) { m.Nonce = &shortNonce }},
		{"sealed with nonce", func(m *models.Message) {
			m.Scheme = crypto.SchemeSealed
			m.Ciphertext = sealedCT
			m.Nonce = &someNonce
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := boxMessage(t, alice, alice, aliceKeys, aliceKeys)
			tt.mutate(msg)
			_, err := relay.Store(ctx, msg)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}

	listed, err := relay.List(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}
