package offline

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/netcache/device"
)

// newTestDevice connects to NETCACHE_TEST_REDIS (host:port) or skips.
func newTestDevice(t *testing.T) *Device {
	t.Helper()
	addr := os.Getenv("NETCACHE_TEST_REDIS")
	if addr == "" {
		t.Skip("NETCACHE_TEST_REDIS not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	ns := fmt.Sprintf("netcache-test-%d", time.Now().UnixNano())
	d, err := New(Config{Client: rdb, CloseClient: true, Namespace: ns, CapacityKB: 1024})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	t.Cleanup(func() {
		_ = d.EvictEntries(context.Background(), "")
		_ = d.Shutdown(context.Background())
	})
	return d
}

func validRecord(key, client string) *device.Record {
	return &device.Record{
		Key:         key,
		ClientID:    client,
		StreamBased: true,
		Meta:        map[string]string{"etag": "x"},
		Data:        []byte("payload"),
		DataSize:    7,
		Valid:       true,
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestPersistAndFind(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	r := validRecord("app:/a", "app")
	require.NoError(t, d.BindEntry(ctx, r))
	require.NoError(t, d.DeactivateEntry(ctx, r))
	require.Equal(t, int64(1), d.Usage().Entries)

	got, err := d.FindEntry(ctx, "app:/a")
	require.NoError(t, err)
	require.Equal(t, "payload", string(got.Data))
	require.Equal(t, "x", got.Meta["etag"])

	// bound records are invisible to a second lookup
	_, err = d.FindEntry(ctx, "app:/a")
	require.ErrorIs(t, err, device.ErrNotFound)

	require.NoError(t, d.DoomEntry(ctx, got))
	got.Doomed = true
	require.NoError(t, d.DeactivateEntry(ctx, got))
	_, err = d.FindEntry(ctx, "app:/a")
	require.ErrorIs(t, err, device.ErrNotFound)
	require.Equal(t, int64(0), d.Usage().Entries)
}

func TestEvictByClientAndVisit(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	for _, k := range []string{"a:/1", "a:/2", "b:/1"} {
		r := validRecord(k, k[:1])
		require.NoError(t, d.BindEntry(ctx, r))
		require.NoError(t, d.DeactivateEntry(ctx, r))
	}
	require.NoError(t, d.EvictEntries(ctx, "a"))

	var keys []string
	require.NoError(t, d.Visit(ctx, func(in device.Info) bool {
		keys = append(keys, in.Key)
		return true
	}))
	require.Equal(t, []string{"b:/1"}, keys)
}

func TestTooBig(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	require.True(t, d.EntryIsTooBig(200*1024))
	r := validRecord("a:/big", "a")
	require.ErrorIs(t, d.OnDataSizeChange(ctx, r, 200*1024), device.ErrTooBig)

	d.SetMaxEntrySize(0)
	require.ErrorIs(t, d.BindEntry(ctx, r), device.ErrTooBig)
}
