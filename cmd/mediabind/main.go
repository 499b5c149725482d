// Package main implements mediabind, the mediabin daemon (spec.md §4.3).
//
// mediabind is a foreground process: detaching from the controlling
// terminal is the concern of whatever spawns it (see cmd/mediabin's
// --start-service, which launches mediabind with a new session via
// syscall.SysProcAttr.Setsid). Once running, mediabind owns the IPC
// socket, the ledger, the download scheduler, and — when enabled — the
// read-only media HTTP server.
//
// Usage:
//
//	mediabind [--config PATH]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/config"
	"github.com/MaxDillon/mediabin-go/internal/daemon"
	"github.com/MaxDillon/mediabin-go/internal/fetcher"
	"github.com/MaxDillon/mediabin-go/internal/frame"
	"github.com/MaxDillon/mediabin-go/internal/ipcio"
	"github.com/MaxDillon/mediabin-go/internal/ledger"
	"github.com/MaxDillon/mediabin-go/internal/mediaserver"
	"github.com/MaxDillon/mediabin-go/internal/rpc"
	"github.com/MaxDillon/mediabin-go/internal/scheduler"
	"github.com/MaxDillon/mediabin-go/internal/util"
	"github.com/thejerf/suture/v4"
)

var configPath = flag.String("config", config.ConfigFilePath, "path to configuration file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabind: %v\n", err)
		os.Exit(1)
	}

	logOut, closeLog, err := openLog(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabind: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger := slog.New(slog.NewTextHandler(logOut, nil))
	logger.Info("mediabind starting", "config", *configPath)

	if err := run(cfg, logger, logOut); err != nil {
		logger.Error("mediabind exiting", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func openLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path is admin-controlled configuration
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// logWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects
// for panic reports (mirrors internal/scheduler's own adapter).
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}

func run(cfg *config.Config, logger *slog.Logger, logOut io.Writer) error {
	ctx := context.Background()

	l, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	datadir, err := ensureDatadir(ctx, l, cfg)
	if err != nil {
		return err
	}

	f := fetcher.NewCommandFetcher(cfg.Fetcher.Command, "mediabin", cfg.Fetcher.Timeout)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentDownloads: cfg.Scheduler.MaxConcurrentDownloads,
		PollInterval:           cfg.Scheduler.PollInterval,
		Datadir:                datadir,
	}, l, f, logger)

	util.SafeGo("scheduler", logWriter{logger}, func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler exited", "error", err)
		}
	}, nil)

	if cfg.Media.Enabled {
		mediaCfg := cfg.Media
		if mediaCfg.Tailscale {
			mediaCfg.BindAddr = "0.0.0.0" // the tailnet interface is reached from outside loopback
		}
		sup := suture.NewSimple("mediaserver")
		sup.Add(mediaserver.New(mediaCfg, cfg.LedgerPath, datadir, logger))
		util.SafeGo("mediaserver-supervisor", logWriter{logger}, func() {
			_ = sup.Serve(ctx)
		}, nil)
	}

	d := daemon.New(daemon.Config{SocketPath: cfg.SocketPath, PidFile: cfg.PidFile}, logger, logOut)
	registerHandlers(d, l, sched, f)
	d.OnStop(func(context.Context) error {
		sched.Stop()
		return nil
	})

	return d.Run(ctx)
}

// ensureDatadir writes the configured datadir_location to the ledger's
// metadata singleton on first run (spec.md §3: "written at most once"),
// then returns whatever value the metadata row actually holds — which on
// every run after the first is the value a prior daemon instance wrote,
// not necessarily this run's config.
func ensureDatadir(ctx context.Context, l *ledger.Ledger, cfg *config.Config) (string, error) {
	datadir := cfg.DatadirLocation
	if datadir == "" {
		datadir = filepath.Join(filepath.Dir(cfg.LedgerPath), "media_data")
	}
	if err := l.SetDatadirLocation(ctx, datadir); err != nil {
		return "", fmt.Errorf("set datadir location: %w", err)
	}
	datadir, err := l.DatadirLocation(ctx)
	if err != nil {
		return "", fmt.Errorf("read datadir location: %w", err)
	}
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return "", fmt.Errorf("create datadir: %w", err)
	}
	return datadir, nil
}

func registerHandlers(d *daemon.Daemon, l *ledger.Ledger, sched *scheduler.Scheduler, f fetcher.Fetcher) {
	mustRegister(d, "enqueue", handleEnqueue(l, sched, f))
	mustRegister(d, "list_current_procs", handleListCurrentProcs(sched))
	mustRegister(d, "list_complete", handleListComplete(l))
	mustRegister(d, "disk_usage", handleDiskUsage(l))
}

func mustRegister(d *daemon.Daemon, name string, h daemon.Handler) {
	if err := d.Register(name, h); err != nil {
		panic(err) // duplicate registration is a programming error caught at startup
	}
}

func handleEnqueue(l *ledger.Ledger, sched *scheduler.Scheduler, f fetcher.Fetcher) daemon.Handler {
	return func(ctx context.Context, call frame.Call) (string, error) {
		if len(call.Args) != 1 || call.Args[0].Kind != frame.ArgString {
			return "", daemon.NewHandlerError("ProtocolError", "enqueue expects one string argument: url")
		}
		url := call.Args[0].Str

		fmt.Fprintf(ipcio.Stdout(ctx), "fetching metadata for %s\n", url)

		// original's register_new_download probes metadata then inserts
		// without a transaction around both; here the two steps are
		// sequential with the unique-id insert itself guarding duplicates
		// per spec.md §9's "Ambiguity" note on a rewrite needing the pair
		// to be atomic from the caller's perspective — a second enqueue
		// racing this one either loses the InsertPending race (reported as
		// a duplicate, no new effects) or wins it outright, never partially.
		info, err := f.FetchInfo(ctx, url)
		if err != nil {
			return "", daemon.NewHandlerError("FetcherMetadata", fmt.Sprintf("metadata probe failed: %v", err))
		}

		item := ledger.MediaItem{
			ID:               info.ID,
			Title:            info.Title,
			OriginURL:        url,
			VideoURL:         info.VideoURL,
			ThumbnailURL:     info.ThumbnailURL,
			ObjectPath:       info.ObjectPath,
			TimestampCreated: time.Now().UTC(),
		}
		insertErr := l.InsertPending(ctx, item)
		duplicate := errors.Is(insertErr, ledger.ErrDuplicateItem)
		if insertErr != nil && !duplicate {
			return "", fmt.Errorf("insert pending: %w", insertErr)
		}

		if duplicate {
			fmt.Fprintf(ipcio.Stdout(ctx), "%s is already enqueued\n", info.ID)
		} else {
			fmt.Fprintf(ipcio.Stdout(ctx), "enqueued %q (%s)\n", info.Title, info.ID)
			sched.Enqueue()
		}

		payload, err := json.Marshal(rpc.EnqueueResult{ID: info.ID, Duplicate: duplicate})
		if err != nil {
			return "", fmt.Errorf("marshal result: %w", err)
		}
		return string(payload), nil
	}
}

func handleListCurrentProcs(sched *scheduler.Scheduler) daemon.Handler {
	return func(ctx context.Context, call frame.Call) (string, error) {
		jobs, err := sched.ListCurrent(ctx)
		if err != nil {
			return "", fmt.Errorf("list current: %w", err)
		}

		result := rpc.ListProcsResult{Procs: make([]rpc.ProcEntry, len(jobs))}
		for i, j := range jobs {
			entry := rpc.ProcEntry{ID: j.ID, Title: j.Title, Progress: -1, State: "pending"}
			switch st := j.Status.(type) {
			case fetcher.StatusDownloading:
				entry.State = "downloading"
				entry.Progress = st.Progress
				entry.Speed = st.Speed
			case fetcher.StatusError:
				entry.State = "error"
			}
			result.Procs[i] = entry
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("marshal result: %w", err)
		}
		return string(payload), nil
	}
}

func handleListComplete(l *ledger.Ledger) daemon.Handler {
	return func(ctx context.Context, call frame.Call) (string, error) {
		titleLike := ""
		if a, ok := call.Kwargs["q"]; ok {
			titleLike = a.Str
		}
		var tags []string
		if a, ok := call.Kwargs["tags"]; ok && a.Str != "" {
			tags = strings.Split(a.Str, ",")
		}

		items, err := l.ListComplete(ctx, titleLike, tags)
		if err != nil {
			return "", fmt.Errorf("list complete: %w", err)
		}

		result := rpc.ListCompleteResult{Items: make([]rpc.CompleteEntry, len(items))}
		for i, item := range items {
			entry := rpc.CompleteEntry{ID: item.ID, Title: item.Title}
			if item.TimestampInstalled != nil {
				entry.TimestampInstalled = *item.TimestampInstalled
			}
			result.Items[i] = entry
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("marshal result: %w", err)
		}
		return string(payload), nil
	}
}

func handleDiskUsage(l *ledger.Ledger) daemon.Handler {
	return func(ctx context.Context, call frame.Call) (string, error) {
		datadir, err := l.DatadirLocation(ctx)
		if err != nil {
			return "", fmt.Errorf("datadir location: %w", err)
		}

		var total int64
		err = filepath.Walk(datadir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				total += info.Size()
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("walk datadir: %w", err)
		}

		payload, err := json.Marshal(rpc.DiskUsageResult{TotalBytes: total, Datadir: datadir})
		if err != nil {
			return "", fmt.Errorf("marshal result: %w", err)
		}
		return string(payload), nil
	}
}
