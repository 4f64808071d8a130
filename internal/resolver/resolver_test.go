package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/gitpulse/gitpulse/internal/storage"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	store, err := storage.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, logger), store
}

func TestResolveOrCreateReturnsStableID(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	user := ExternalUser{GitHubID: 501, Login: "octocat", AvatarURL: "https://example.com/o.png"}

	first, err := r.ResolveOrCreate(ctx, user)
	require.NoError(t, err)

	second, err := r.ResolveOrCreate(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveOrCreateRejectsMissingID(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.ResolveOrCreate(context.Background(), ExternalUser{Login: "ghost"})
	assert.Error(t, err)
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	user := ExternalUser{GitHubID: 777, Login: "racer"}

	const n = 8
	ids := make([]int64, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.ResolveOrCreate(ctx, user)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestIsBotAccount(t *testing.T) {
	tests := []struct {
		name string
		user ExternalUser
		want bool
	}{
		{"plain user", ExternalUser{Login: "octocat", Type: "User"}, false},
		{"typed bot", ExternalUser{Login: "ci-runner", Type: "Bot"}, true},
		{"bracket login", ExternalUser{Login: "dependabot[bot]", Type: "User"}, true},
		{"bot substring without brackets", ExternalUser{Login: "robotics-dev", Type: "User"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBotAccount(tt.user))
		})
	}
}
