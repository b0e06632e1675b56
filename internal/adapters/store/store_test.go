package store

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/rangeban/internal/domain"
	"github.com/xoelrdgz/rangeban/internal/ports"
)

func entries(t *testing.T, ss ...string) []domain.BanEntry {
	t.Helper()
	out := make([]domain.BanEntry, len(ss))
	for i, s := range ss {
		e, err := domain.ParseBanEntry(s)
		require.NoError(t, err)
		out[i] = e
	}
	return out
}

// exerciseStore checks the BanStore contract shared by every adapter.
func exerciseStore(t *testing.T, s ports.BanStore) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	want := entries(t, "45.10.0.0/16", "203.0.113.7/32", "2001:db8::1/128")
	require.NoError(t, s.Set(ctx, want))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SortedEntries(want), domain.SortedEntries(got))

	require.NoError(t, s.Set(ctx, entries(t, "198.51.100.0/24")))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries(t, "198.51.100.0/24"), domain.SortedEntries(got))

	require.NoError(t, s.Set(ctx, nil))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.Set(cancelled, want))
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStore(filepath.Join(t.TempDir(), "nested", "blocklist.txt")))
}

func TestFileStoreFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	s := NewFileStore(path)
	require.NoError(t, s.Set(context.Background(), entries(t, "203.0.113.7/32", "45.10.0.0/16", "45.10.0.0/16")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "45.10.0.0/16\n203.0.113.7/32\n", string(data))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".blocklist.txt.*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files are cleaned up")
}

func TestFileStoreSkipsInvalidLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("# managed\n203.0.113.7\n\nbogus\n45.10.0.0/16\n"), 0o644))

	got, err := NewFileStore(path).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries(t, "45.10.0.0/16", "203.0.113.7/32"), domain.SortedEntries(got))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	assert.Equal(t, 3, s.Writes())

	seeded := NewMemoryStore(entries(t, "203.0.113.7/32")...)
	got, err := seeded.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries(t, "203.0.113.7/32"), got)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), entries(t, "203.0.113.7/32")))
	require.NoError(t, s.Close())

	reopened, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries(t, "203.0.113.7/32"), got)
}

func TestRedisMembers(t *testing.T) {
	members := redisMembers(entries(t, "203.0.113.7/32", "45.10.0.0/16"))
	assert.Equal(t, []interface{}{"45.10.0.0/16", "203.0.113.7/32"}, members)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RANGEBAN_TEST_REDIS")
	if addr == "" {
		t.Skip("RANGEBAN_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	key := "rangeban:test:" + t.Name()
	t.Cleanup(func() { client.Del(context.Background(), key) })
	exerciseStore(t, NewRedisStore(client, key))
}

func TestNetworkPolicyStore(t *testing.T) {
	s, err := NewNetworkPolicyStore(NetworkPolicyConfig{
		Path:      filepath.Join(t.TempDir(), "policy.yaml"),
		Namespace: "ingress-nginx",
	})
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestRenderNetworkPolicy(t *testing.T) {
	data, err := RenderNetworkPolicy("rangeban-deny", "ingress-nginx",
		entries(t, "203.0.113.7/32", "45.10.0.0/16", "2001:db8::/32"))
	require.NoError(t, err)

	manifest := string(data)
	assert.Contains(t, manifest, "kind: NetworkPolicy")
	assert.Contains(t, manifest, "namespace: ingress-nginx")
	assert.Contains(t, manifest, "cidr: 0.0.0.0/0")
	assert.Contains(t, manifest, "- 45.10.0.0/16")
	assert.Contains(t, manifest, "- 2001:db8::/32")

	got, err := ParseNetworkPolicy(data)
	require.NoError(t, err)
	assert.Equal(t, entries(t, "45.10.0.0/16", "203.0.113.7/32", "2001:db8::/32"), got)
}

func TestParseNetworkPolicyRejectsOtherKinds(t *testing.T) {
	_, err := ParseNetworkPolicy([]byte("kind: Deployment\n"))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = ParseNetworkPolicy([]byte("kind: [\n"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestNetworkPolicyApplyFailureRestores(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs true and false binaries")
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")

	ok, err := NewNetworkPolicyStore(NetworkPolicyConfig{Path: path, ApplyCommand: "true {path}"})
	require.NoError(t, err)
	require.NoError(t, ok.Set(context.Background(), entries(t, "203.0.113.7/32")))

	failing, err := NewNetworkPolicyStore(NetworkPolicyConfig{Path: path, ApplyCommand: "false {path}"})
	require.NoError(t, err)
	assert.Error(t, failing.Set(context.Background(), entries(t, "45.10.0.0/16")))

	got, err := failing.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries(t, "203.0.113.7/32"), got)
}

func TestNetworkPolicyFirstApplyFailureRemovesManifest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a false binary")
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")

	failing, err := NewNetworkPolicyStore(NetworkPolicyConfig{Path: path, ApplyCommand: "false {path}"})
	require.NoError(t, err)
	assert.Error(t, failing.Set(context.Background(), entries(t, "45.10.0.0/16")))

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	got, err := failing.Get(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
