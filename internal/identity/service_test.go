package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/lock"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/internal/otp"
	"github.com/kindlyrobotics/phonebox/internal/phone"
	"github.com/kindlyrobotics/phonebox/internal/ratelimit"
	"github.com/kindlyrobotics/phonebox/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPhone = "+15551234567"

func newTestService(t *testing.T, st Store, opts ...Option) *Service {
	t.Helper()
	deriver, err := phone.NewHMACDeriver("test-pepper")
	require.NoError(t, err)
	return NewService(st, deriver, otp.NewDev(zap.NewNop()), zap.NewNop(), opts...)
}

func countUsers(t *testing.T, st *store.Memory) int {
	t.Helper()
	users, err := st.ListUsers(context.Background())
	require.NoError(t, err)
	return len(users)
}

func TestResolveIdentity_CreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(t, st)

	first, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.NotNil(t, first.PrivateKey)
	assert.True(t, crypto.Matches(&first.PublicKey, first.PrivateKey))

	second, err := svc.ResolveIdentity(ctx, "+1 (555) 123-4567")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Nil(t, second.PrivateKey)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.PublicKey, second.PublicKey)

	assert.Equal(t, 1, countUsers(t, st))
}

func TestResolveIdentity_StoresNoPhoneNumber(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(t, st)

	res, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)

	user, err := st.FindUserByID(ctx, res.UserID)
	require.NoError(t, err)
	assert.NotContains(t, user.PhoneLookupKey, "5551234567")
	assert.True(t, user.Verified)
	assert.Equal(t, crypto.EncodeKey(&res.PublicKey), user.PublicKey)
}

func TestResolveIdentity_Concurrent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(t, st)

	const n = 20
	results := make([]*Resolution, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ResolveIdentity(ctx, testPhone)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].UserID, res.UserID)
		if res.Created {
			created++
			assert.NotNil(t, res.PrivateKey)
		} else {
			assert.Nil(t, res.PrivateKey)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, countUsers(t, st))
}

func cheapSaltedDeriver() phone.Deriver {
	return phone.NewSaltedDeriver(phone.ArgonParams{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32})
}

func TestResolveIdentity_SaltedConcurrent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(st, cheapSaltedDeriver(), otp.NewDev(zap.NewNop()), zap.NewNop())

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ResolveIdentity(ctx, testPhone)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, countUsers(t, st))
}

// slowScanStore makes the first salted scan outlast the lock TTL several
// times over while a second resolution for the same phone waits
type slowScanStore struct {
	*store.Memory
	mr     *miniredis.Miniredis
	once   sync.Once
	second func()
}

func (s *slowScanStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	s.once.Do(func() {
		go s.second()
		for i := 0; i < 5; i++ {
			s.mr.FastForward(100 * time.Millisecond)
			time.Sleep(120 * time.Millisecond)
		}
	})
	return s.Memory.ListUsers(ctx)
}

func TestResolveIdentity_SaltedSlowScanKeepsLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := &slowScanStore{Memory: store.NewMemory(), mr: mr}
	svc := NewService(st, cheapSaltedDeriver(), otp.NewDev(zap.NewNop()), zap.NewNop(),
		WithLocker(lock.NewRedis(client, 150*time.Millisecond, zap.NewNop())))

	var wg sync.WaitGroup
	wg.Add(1)
	var second *Resolution
	st.second = func() {
		defer wg.Done()
		res, err := svc.ResolveIdentity(ctx, testPhone)
		assert.NoError(t, err)
		second = res
	}

	first, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)
	wg.Wait()

	assert.True(t, first.Created)
	require.NotNil(t, second)
	assert.False(t, second.Created)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, 1, countUsers(t, st.Memory))
}

// racingStore hides existing users from the first lookup, as if another
// instance created the user between our read and our insert
type racingStore struct {
	*store.Memory
	hidden bool
}

func (r *racingStore) FindUserByLookupKey(ctx context.Context, lookupKey string) (*models.User, error) {
	if !r.hidden {
		r.hidden = true
		return nil, common.ErrNotFound
	}
	return r.Memory.FindUserByLookupKey(ctx, lookupKey)
}

func TestResolveIdentity_DuplicateInsertReturnsWinner(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc := newTestService(t, &racingStore{Memory: mem})

	deriver, _ := phone.NewHMACDeriver("test-pepper")
	key, err := deriver.Derive(testPhone)
	require.NoError(t, err)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	winner, err := mem.CreateUser(ctx, key, crypto.EncodeKey(&kp.PublicKey))
	require.NoError(t, err)

	res, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Nil(t, res.PrivateKey)
	assert.Equal(t, winner.ID, res.UserID)
	assert.Equal(t, kp.PublicKey, res.PublicKey)
	assert.Equal(t, 1, countUsers(t, mem))
}

func TestResolveIdentity_KeyGenerationFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := newTestService(t, st, WithKeyGenerator(func() (*crypto.KeyPair, error) {
		return nil, errors.New("entropy exhausted")
	}))

	_, err := svc.ResolveIdentity(ctx, testPhone)
	assert.ErrorIs(t, err, common.ErrKeyGenerationFailed)
	assert.Equal(t, 0, countUsers(t, st))
}

func TestResolveIdentity_InvalidPhone(t *testing.T) {
	svc := newTestService(t, store.NewMemory())
	_, err := svc.ResolveIdentity(context.Background(), "5551234567")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestResolveIdentity_SaltedMode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	deriver := phone.NewSaltedDeriver(phone.ArgonParams{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32})
	svc := NewService(st, deriver, otp.NewDev(zap.NewNop()), zap.NewNop())

	alice, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)
	assert.True(t, alice.Created)

	again, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, alice.UserID, again.UserID)

	bob, err := svc.ResolveIdentity(ctx, "+15557654321")
	require.NoError(t, err)
	assert.True(t, bob.Created)
	assert.NotEqual(t, alice.UserID, bob.UserID)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.True(t, strings.HasPrefix(u.PhoneLookupKey, "argon2id$"))
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("approved code resolves identity", func(t *testing.T) {
		st := store.NewMemory()
		svc := newTestService(t, st)

		res, err := svc.Verify(ctx, testPhone, otp.DevCode)
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.NotNil(t, res.PrivateKey)
	})

	t.Run("rejected code creates nothing", func(t *testing.T) {
		st := store.NewMemory()
		svc := newTestService(t, st)

		_, err := svc.Verify(ctx, testPhone, "000000")
		assert.ErrorIs(t, err, common.ErrOTPNotApproved)
		assert.Equal(t, 0, countUsers(t, st))
	})

	t.Run("empty code", func(t *testing.T) {
		svc := newTestService(t, store.NewMemory())
		_, err := svc.Verify(ctx, testPhone, "  ")
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})
}

type denyLimiter struct{ sends, checks int }

func (d *denyLimiter) AllowSend(ctx context.Context, subject string) error {
	d.sends++
	return ratelimit.ErrRateLimited
}

func (d *denyLimiter) AllowCheck(ctx context.Context, subject string) error {
	d.checks++
	return ratelimit.ErrRateLimited
}

func TestRateLimited(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	limiter := &denyLimiter{}
	svc := newTestService(t, st, WithLimiter(limiter))

	_, err := svc.SendCode(ctx, testPhone)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	_, err = svc.Verify(ctx, testPhone, otp.DevCode)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	assert.Equal(t, 1, limiter.sends)
	assert.Equal(t, 1, limiter.checks)
	assert.Equal(t, 0, countUsers(t, st))
}

func TestSendCode(t *testing.T) {
	svc := newTestService(t, store.NewMemory())

	id, err := svc.SendCode(context.Background(), "+1 555 123 4567")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = svc.SendCode(context.Background(), "not a phone")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestPublicKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemory())

	res, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)

	pub, err := svc.PublicKey(ctx, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, res.PublicKey, *pub)

	_, err = svc.PublicKey(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemory())

	res, err := svc.ResolveIdentity(ctx, testPhone)
	require.NoError(t, err)

	name, err := svc.DisplayName(ctx, res.UserID)
	require.NoError(t, err)
	assert.Empty(t, name)

	require.NoError(t, svc.SetDisplayName(ctx, res.UserID, "  Alice  "))
	name, err = svc.DisplayName(ctx, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", "   "},
		{"too long", strings.Repeat("é", 65)},
		{"control characters", "Al\x00ice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, svc.SetDisplayName(ctx, res.UserID, tt.input), common.ErrInvalidInput)
		})
	}

	assert.NoError(t, svc.SetDisplayName(ctx, res.UserID, strings.Repeat("é", 64)))
	assert.ErrorIs(t, svc.SetDisplayName(ctx, uuid.New(), "Bob"), common.ErrNotFound)
}
