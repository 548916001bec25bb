package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/auth"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/discovery"
	"github.com/kindlyrobotics/phonebox/internal/identity"
	"github.com/kindlyrobotics/phonebox/internal/keystore"
	"github.com/kindlyrobotics/phonebox/internal/messaging"
	"github.com/kindlyrobotics/phonebox/internal/otp"
	"github.com/kindlyrobotics/phonebox/internal/phone"
	"github.com/kindlyrobotics/phonebox/internal/ratelimit"
	"github.com/kindlyrobotics/phonebox/internal/store"
	"github.com/kindlyrobotics/phonebox/pkg/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	deriver, err := phone.NewHMACDeriver("test-pepper")
	require.NoError(t, err)

	st := store.NewMemory()
	logger := zap.NewNop()
	srv := handlers.New(handlers.Deps{
		Identity:  identity.NewService(st, deriver, otp.NewDev(logger), logger),
		Discovery: discovery.NewService(st, deriver, nil, logger),
		Relay:     messaging.NewRelay(st, nil, logger),
		Tokens:    auth.NewService([]byte("test-secret"), time.Hour),
	}, "*", logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// device logs a phone in and stores the returned identity locally
func device(t *testing.T, ts *httptest.Server, number string) (*Client, uuid.UUID, keystore.KeyStore) {
	t.Helper()
	ctx := context.Background()
	c := New(ts.URL + "/")

	_, err := c.SendOTP(ctx, number)
	require.NoError(t, err)

	resp, err := c.VerifyOTP(ctx, number, otp.DevCode)
	require.NoError(t, err)
	require.NotEmpty(t, c.Token())

	ks := keystore.NewMemory()
	if resp.PrivateKey != nil {
		priv, err := crypto.DecodeKey(*resp.PrivateKey)
		require.NoError(t, err)
		pub, err := crypto.DecodeKey(resp.PublicKey)
		require.NoError(t, err)
		require.NoError(t, ks.Put(ctx, keystore.Identity{UserID: resp.UserID, PublicKey: *pub, PrivateKey: *priv}))
	}
	return c, resp.UserID, ks
}

func TestConversationOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t)

	aliceClient, alice, aliceKeys := device(t, ts, "+15551234567")
	bobClient, bob, bobKeys := device(t, ts, "+15557654321")

	aliceEx := messaging.NewExchange(aliceClient, aliceClient, aliceKeys, crypto.SchemeBox, zap.NewNop())
	bobEx := messaging.NewExchange(bobClient, bobClient, bobKeys, crypto.SchemeBox, zap.NewNop())

	_, err := aliceEx.Send(ctx, alice, bob, "hi bob")
	require.NoError(t, err)
	_, err = bobEx.Send(ctx, bob, alice, "hi alice")
	require.NoError(t, err)

	for _, tc := range []struct {
		ex     *messaging.Exchange
		viewer uuid.UUID
	}{{aliceEx, alice}, {bobEx, bob}} {
		plain, err := tc.ex.FetchAndDecrypt(ctx, tc.viewer)
		require.NoError(t, err)
		require.Len(t, plain, 2)
		assert.Equal(t, "hi bob", plain[0].Text)
		assert.Equal(t, "hi alice", plain[1].Text)
		assert.False(t, plain[0].Failed)
		assert.False(t, plain[1].Failed)
	}
}

func TestSecondLoginReturnsNoPrivateKey(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t)
	_, first, _ := device(t, ts, "+15551234567")

	c := New(ts.URL)
	resp, err := c.VerifyOTP(ctx, "+1 555 123 4567", otp.DevCode)
	require.NoError(t, err)
	assert.Equal(t, first, resp.UserID)
	assert.False(t, resp.Created)
	assert.Nil(t, resp.PrivateKey)
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t)
	c, _, keys := device(t, ts, "+15551234567")

	_, err := c.PublicKey(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = c.VerifyOTP(ctx, "+15551234567", "000000")
	assert.ErrorIs(t, err, common.ErrOTPNotApproved)

	_, err = c.SendOTP(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	anon := New(ts.URL)
	_, err = anon.DisplayName(ctx)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	ex := messaging.NewExchange(c, c, keys, crypto.SchemeSealed, zap.NewNop())
	_, err = ex.Send(ctx, uuid.New(), uuid.New(), "hello")
	assert.ErrorIs(t, err, common.ErrRecipientKeyNotFound)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t)
	alice, _, _ := device(t, ts, "+15551234567")
	_, bob, _ := device(t, ts, "+15557654321")

	matches, err := alice.Lookup(ctx, "+15557654321", "+15550000000")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, bob, matches[0].UserID)
}

func TestDisplayName(t *testing.T) {
	ctx := context.Background()
	ts := newServer(t)
	c, _, _ := device(t, ts, "+15551234567")

	name, err := c.SetDisplayName(ctx, "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)

	name, err = c.DisplayName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)
}

func TestRateLimitedAndServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/send-otp" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.SendOTP(context.Background(), "+15551234567")
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimited))

	_, err = c.DisplayName(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
