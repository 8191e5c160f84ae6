package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/trainn/app/config"
	"github.com/umputun/trainn/app/service"
	"github.com/umputun/trainn/app/store"
	"github.com/umputun/trainn/app/supervisor"
	"github.com/umputun/trainn/app/sysproc"
	"github.com/umputun/trainn/app/web"
)

var opts struct {
	Config string `short:"f" long:"config" env:"TRAINN_CONFIG" description:"config file (yaml)"`
	DBPath string `long:"db" env:"TRAINN_DB" description:"sqlite database file, overrides config"`
	Listen string `long:"listen" env:"TRAINN_LISTEN" description:"http listen address, overrides config"`
	Dbg    bool   `long:"dbg" env:"TRAINN_DEBUG" description:"debug mode"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to repeat failed store writes"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"TRAINN_REPEATER"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"file" env:"FILE" description:"location of log file, stdout if empty"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes of the log file before it gets rotated"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of old log files"`
	} `group:"log" namespace:"log" env-namespace:"TRAINN_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("trainn %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	logWriter := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("[ERROR] failed to load config, %v", err)
	}
	applyOverrides(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, cfg, logWriter); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

// run wires the store, supervisor and http server and blocks until ctx is done
func run(ctx context.Context, cfg *config.Config, logWriter io.Writer) error {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to make db directory %s: %w", dir, err)
		}
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if e := st.Close(); e != nil {
			log.Printf("[WARN] failed to close store: %v", e)
		}
	}()

	proc := sysproc.NewUnixController()
	registry := supervisor.NewRegistry()
	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	sup := &supervisor.Supervisor{Store: st, Registry: registry, Proc: proc, Repeater: rptr, Stdout: logWriter}

	svc := &service.Service{
		Store:          st,
		Spawner:        sup,
		Resolver:       &supervisor.Resolver{Store: st, Registry: registry, Proc: proc, Concurrency: cfg.Concurrency},
		Registry:       registry,
		Proc:           proc,
		SweepInterval:  cfg.SweepInterval,
		LossBufferSize: cfg.LossBufferSize,
		CleanupCommand: cfg.CleanupCommand,
	}
	svc.Canceller = &supervisor.Canceller{Store: st, Registry: registry, Proc: proc,
		Grace: cfg.Grace, KillWait: cfg.KillWait, Cleanup: svc.Cleanup}
	sup.OnExit = svc.OnJobExit

	// reconnection must finish before the api starts accepting requests
	if err := svc.Run(ctx); err != nil {
		return err
	}

	srv, err := web.New(web.Config{Service: svc, Version: revision,
		PasswordHash: cfg.OperatorPasswordHash, IngestLimit: cfg.IngestLimit})
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}
	return srv.Run(ctx, cfg.Listen)
}

// applyOverrides lets command line flags win over the config file
func applyOverrides(cfg *config.Config) {
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Dbg {
		log.Setup(log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
			LocalTime:  true,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}

	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
