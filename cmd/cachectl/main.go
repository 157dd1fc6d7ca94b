// Command cachectl inspects and maintains a netcache disk cache (and,
// optionally, its redis-backed offline store).
//
//	cachectl --dir /var/cache/app visit
//	cachectl --dir /var/cache/app --policy disk evict
//	cachectl --dir /var/cache/app smartsize
//
// Every flag can also be set as NETCACHE_<FLAG> (dashes become underscores)
// or in the file named by --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	goredis "github.com/redis/go-redis/v9"
	psdisk "github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/netcache"
	"github.com/unkn0wn-root/netcache/device"
	nczap "github.com/unkn0wn-root/netcache/log/zap"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, rest, err := loadConfig(viper.New(), args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: cachectl [flags] visit|evict|smartsize")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	switch rest[0] {
	case "smartsize":
		return smartSize(cfg, out)
	case "visit", "evict":
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}

	svc, closeRedis, err := openService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	if rest[0] == "visit" {
		err = visit(ctx, svc, out)
	} else {
		policy, _ := netcache.ParseStoragePolicy(cfg.Policy)
		err = svc.EvictEntries(ctx, policy)
	}
	return errors.Join(err, svc.Shutdown(ctx))
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func openService(cfg *config, logger *zap.Logger) (netcache.Service, func(), error) {
	opts := netcache.Options{
		Logger:             nczap.ZapLogger{L: logger},
		DisableMemory:      true,
		DiskDir:            cfg.Dir,
		DiskCapacityKB:     cfg.CapacityKB,
		DiskMaxEntrySizeKB: cfg.MaxEntrySizeKB,
		CompressionLevel:   cfg.CompressionLevel,
		SmartSize:          cfg.SmartSize,
		MaxSmartSizeKB:     cfg.MaxSmartSizeKB,
		DisableOffline:     cfg.RedisAddr == "",
		OfflineNamespace:   cfg.Namespace,
	}
	closeRedis := func() {}
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		opts.Redis = rdb
		closeRedis = func() { _ = rdb.Close() }
	}
	svc, err := netcache.New(opts)
	if err != nil {
		closeRedis()
		return nil, nil, err
	}
	return svc, closeRedis, nil
}

type printer struct {
	tw    *tabwriter.Writer
	count int
}

func (p *printer) VisitDevice(id string, u device.Usage) bool {
	fmt.Fprintf(p.tw, "# %s\tentries=%d\tused=%dKB\tcapacity=%dKB\n", id, u.Entries, u.TotalSizeKB, u.CapacityKB)
	return true
}

func (p *printer) VisitEntry(_ string, in device.Info) bool {
	p.count++
	exp := "-"
	if !in.ExpiresAt.IsZero() {
		exp = in.ExpiresAt.Format(time.RFC3339)
	}
	fmt.Fprintf(p.tw, "%s\t%d\t%d\t%s\t%s\n", in.Key, in.DataSize, in.FetchCount, in.LastFetched.Format(time.RFC3339), exp)
	return true
}

func visit(ctx context.Context, svc netcache.Service, out io.Writer) error {
	p := &printer{tw: tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	err := svc.VisitEntries(ctx, p)
	fmt.Fprintf(p.tw, "# %d entries\n", p.count)
	return errors.Join(err, p.tw.Flush())
}

// smartSize prints the capacity smart sizing would pick for cfg.Dir. Space
// already used by the cache counts as available.
func smartSize(cfg *config, out io.Writer) error {
	u, err := psdisk.Usage(cfg.Dir)
	if err != nil {
		return fmt.Errorf("probe %s: %w", cfg.Dir, err)
	}
	used, err := dirSizeKB(cfg.Dir)
	if err != nil {
		return err
	}
	kb := netcache.SmartCacheSize(int64(u.Free/1024)+used, cfg.MaxSmartSizeKB)
	_, err = fmt.Fprintf(out, "free=%dKB used=%dKB smart_capacity=%dKB\n", u.Free/1024, used, kb)
	return err
}
