package main

import (
	"context"
	"crypto/tls"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/account-login/tlsterm"
	"github.com/account-login/tlsterm/certdb"
	"github.com/account-login/tlsterm/event"
	"github.com/account-login/tlsterm/fallback"
	"github.com/account-login/tlsterm/thread"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	config "github.com/spf13/viper"
)

const kEnvPrefix = "TLSTERM"

func setFlags(flags *flag.FlagSet) {
	flags.String("config", "", "config file (toml, yaml or json)")
	flags.String("listen", "127.0.0.1:443", "listen on this address")
	flags.String("backend", "127.0.0.1:80", "forward plaintext to this address")
	flags.Bool("prefer-ipv4", false, "prefer ipv4 when dialing the backend")
	flags.String("debug", "", "debug and metrics server addr")
	flags.String("log", "", "log file")
	flags.Int("workers", 0, "TLS worker threads (0: min(NumCPU, 16))")
	flags.StringSlice("alpn", []string{"h2", "http/1.1"}, "protocols offered to clients")
	flags.String("db.dsn", "", "postgres dsn of the certificate store")
	flags.String("db.schema", "", "schema of the certificate table")
	flags.Duration("cache.ttl", 10*time.Minute, "certificate cache entry ttl")
	flags.Duration("cache.sweep", time.Minute, "expired entry sweep interval")
	flags.Duration("names.interval", 5*time.Minute, "name mirror catch-up interval")
	flags.Duration("query-timeout", 10*time.Second, "certificate store query timeout")
	flags.Duration("handshake-timeout", time.Minute, "abort clients that do not finish the TLS handshake in time")
	flags.String("fallback.ca", "", "CA bundle for unknown names, created if missing (empty: abort)")
	flags.String("fallback.cache-dir", "", "directory caching issued fallback certificates")
}

func loadConfig(cmd *cobra.Command) error {
	if err := config.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	config.SetEnvPrefix(kEnvPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	config.AutomaticEnv()

	if path := config.GetString("config"); path != "" {
		config.SetConfigFile(path)
		if err := config.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", path)
		}
	}
	return nil
}

func setLogFile() func() {
	logfile := config.GetString("log")
	if logfile == "" {
		return func() {}
	}
	f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Printf("open log file: %v", err)
		return func() {}
	}
	log.SetOutput(f)
	return func() { _ = f.Close() }
}

func openFallback(ctx context.Context) (*fallback.Authority, error) {
	caPath := config.GetString("fallback.ca")
	if caPath == "" {
		return nil, nil
	}
	auth, err := fallback.LoadOrCreate(caPath)
	if err != nil {
		return nil, err
	}
	auth.SetCacheDir(config.GetString("fallback.cache-dir"))
	ctxlog.Infof(ctx, "fallback ca: %s", auth.CA().Subject.CommonName)
	return auth, nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	defer setLogFile()()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// certificate store
	dsn := config.GetString("db.dsn")
	if dsn == "" {
		return errors.New("db.dsn is required")
	}
	store, err := certdb.OpenPostgres(dsn, config.GetString("db.schema"))
	if err != nil {
		return err
	}
	defer safeClose(ctx, store)

	keys, err := certdb.ParseWrapKeys(config.GetStringMapString("wrap-keys"))
	if err != nil {
		return err
	}
	metrics, err := certdb.NewMetrics(reg)
	if err != nil {
		return err
	}

	// reactor and workers
	loop := event.NewLoop()
	queue := thread.NewQueue(loop)
	if err := queue.Register(reg); err != nil {
		return err
	}
	pool := thread.NewPool(queue, config.GetInt("workers"))
	pool.Start(ctx)
	defer pool.Stop()
	go func() {
		_ = loop.Run(ctx)
	}()

	// certificate cache
	cache := certdb.NewCache(certdb.Config{
		TTL:           config.GetDuration("cache.ttl"),
		Sweep:         config.GetDuration("cache.sweep"),
		NamesInterval: config.GetDuration("names.interval"),
		QueryTimeout:  config.GetDuration("query-timeout"),
		WrapKeys:      keys,
	}, store, certdb.NewNameCache(), loop, metrics)

	notes := make(chan certdb.Notification, 64)
	listener, err := certdb.ListenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer safeClose(ctx, listener)
	go listener.Run(ctx, notes)
	go func() {
		if err := cache.Run(ctx, notes); err != nil && err != context.Canceled {
			ctxlog.Errorf(ctx, "certificate cache: %v", err)
		}
	}()

	auth, err := openFallback(ctx)
	if err != nil {
		return err
	}

	srv := &tlsterm.Server{
		ListenAddr:  config.GetString("listen"),
		BackendAddr: config.GetString("backend"),
		PreferIPv4:  config.GetBool("prefer-ipv4"),
		TLSConfig:   &tls.Config{NextProtos: config.GetStringSlice("alpn")},
		Resolver:    cache,
		Loop:        loop,
		Queue:       queue,

		HandshakeTimeout: config.GetDuration("handshake-timeout"),
	}
	if auth != nil {
		srv.Fallback = auth
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer safeClose(ctx, srv)

	if addr := config.GetString("debug"); addr != "" {
		debug := tlsterm.StartDebugServer(ctx, addr, reg)
		defer safeClose(ctx, debug)
	}

	// exit
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	ctxlog.Infof(ctx, "exiting")
	return nil
}

type closer interface {
	Close() error
}

func safeClose(ctx context.Context, c closer) {
	if err := c.Close(); err != nil {
		ctxlog.Errorf(ctx, "close: %v", err)
	}
}

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	cmd := &cobra.Command{
		Use:           "tlsterm-server",
		Short:         "terminate TLS with certificates from a postgres store",
		Args:          cobra.NoArgs,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		ctxlog.Fatal(context.Background(), err)
	}
}
