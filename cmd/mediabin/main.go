// Package main implements mediabin, the thin CLI client described in
// spec.md §6. Every subcommand except the lifecycle flags is a remote
// call dispatched to the mediabind daemon over its IPC socket; the CLI
// itself carries none of the core's invariants (spec.md §1 lists it as
// deliberately out of scope).
//
// Usage:
//
//	mediabin --start-service [--ledger-path PATH] [--serve] [--port N] [--tailscale]
//	mediabin --stop-service
//	mediabin --restart-service [--ledger-path PATH] [--serve] [--port N] [--tailscale]
//	mediabin i <url>
//	mediabin ps
//	mediabin ls [-q SUBSTR] [-t TAG]...
//	mediabin du
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/config"
	"github.com/MaxDillon/mediabin-go/internal/daemon"
	"github.com/MaxDillon/mediabin-go/internal/frame"
	"github.com/MaxDillon/mediabin-go/internal/rpc"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Exit codes per spec.md §6.
const (
	exitOK              = 0
	exitDaemonOrPrecond = 1
	exitBadFlags        = 2
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitBadFlags
	}

	switch args[0] {
	case "--start-service":
		return cmdStartService(args[1:])
	case "--stop-service":
		return cmdStopService()
	case "--restart-service":
		return cmdRestartService(args[1:])
	case "i":
		return cmdEnqueue(args[1:])
	case "ps":
		return cmdPS()
	case "ls":
		return cmdLS(args[1:])
	case "du":
		return cmdDU()
	case "-h", "--help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "mediabin: unknown command %q\n", args[0])
		printUsage()
		return exitBadFlags
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mediabin <--start-service|--stop-service|--restart-service|i|ps|ls|du> [flags]")
}

func loadClientConfig() (*config.Config, error) {
	if _, err := os.Stat(config.ConfigFilePath); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(config.ConfigFilePath)
}

// lastLedgerPathFile is where --ledger-path's choice is remembered across
// subsequent --start-service invocations, per spec.md §6.
func lastLedgerPathFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mediabin", "last_ledgerpath")
}

func resolveLedgerPath(flagValue string) (string, error) {
	if flagValue != "" {
		if err := os.MkdirAll(filepath.Dir(lastLedgerPathFile()), 0o755); err != nil {
			return "", fmt.Errorf("remember ledger path: %w", err)
		}
		if err := os.WriteFile(lastLedgerPathFile(), []byte(flagValue), 0o644); err != nil {
			return "", fmt.Errorf("remember ledger path: %w", err)
		}
		return flagValue, nil
	}
	if data, err := os.ReadFile(lastLedgerPathFile()); err == nil {
		if remembered := strings.TrimSpace(string(data)); remembered != "" {
			return remembered, nil
		}
	}
	return config.DefaultConfig().LedgerPath, nil
}

type serviceFlags struct {
	ledgerPath string
	serve      bool
	port       int
	tailscale  bool
}

func parseServiceFlags(name string, args []string) (serviceFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var f serviceFlags
	fs.StringVar(&f.ledgerPath, "ledger-path", "", "override the ledger database path, remembered for future starts")
	fs.BoolVar(&f.serve, "serve", false, "enable the read-only HTTP media server")
	fs.IntVar(&f.port, "port", 0, "media server port (implies --serve)")
	fs.BoolVar(&f.tailscale, "tailscale", false, "make the media server reachable over the tailnet (binds all interfaces)")
	if err := fs.Parse(args); err != nil {
		return serviceFlags{}, err
	}
	return f, nil
}

func cmdStartService(args []string) int {
	flags, err := parseServiceFlags("start-service", args)
	if err != nil {
		return exitBadFlags
	}

	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}

	ledgerPath, err := resolveLedgerPath(flags.ledgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	cfg.LedgerPath = ledgerPath

	if flags.serve || flags.port != 0 {
		cfg.Media.Enabled = true
	}
	if flags.port != 0 {
		cfg.Media.Port = flags.port
	}
	if flags.tailscale {
		cfg.Media.Tailscale = true
	}

	if err := os.MkdirAll(filepath.Dir(config.ConfigFilePath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	backupDir := config.GetBackupDir(config.ConfigFilePath)
	if _, err := config.BackupBeforeSave(cfg, config.ConfigFilePath, backupDir); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: save config: %v\n", err)
		return exitDaemonOrPrecond
	}
	if _, err := config.CleanOldBackups(backupDir, filepath.Base(config.ConfigFilePath), config.DefaultKeepBackups); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: warning: clean old config backups: %v\n", err)
	}

	running, err := daemon.IsRunning(cfg.PidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	if running {
		fmt.Fprintln(os.Stderr, "mediabin: daemon is already running")
		return exitDaemonOrPrecond
	}

	if err := spawnDaemon(); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := daemon.IsRunning(cfg.PidFile); running {
			fmt.Printf("mediabin: daemon started (pid file %s)\n", cfg.PidFile)
			return exitOK
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "mediabin: daemon did not report ready in time")
	return exitDaemonOrPrecond
}

// spawnDaemon launches mediabind as a detached background process: a new
// session via Setsid gives the child's own process group, so it no longer
// shares this client's controlling terminal — the observable contract
// spec.md §9 asks a double-fork detach for, reached here without fork(2)
// (Go's runtime does not support forking a multi-threaded process safely).
func spawnDaemon() error {
	mediabindPath, err := exec.LookPath("mediabind")
	if err != nil {
		self, selfErr := os.Executable()
		if selfErr != nil {
			return fmt.Errorf("mediabind not found: %w", err)
		}
		mediabindPath = filepath.Join(filepath.Dir(self), "mediabind")
	}

	cmd := exec.Command(mediabindPath, "--config", config.ConfigFilePath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0); err == nil {
		cmd.Stdin = devnull
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return cmd.Process.Release() // detach: mediabind outlives this client process
}

func cmdStopService() int {
	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	if err := daemon.Stop(cfg.PidFile, 10*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	fmt.Println("mediabin: daemon stopped")
	return exitOK
}

func cmdRestartService(args []string) int {
	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	if err := daemon.Stop(cfg.PidFile, 10*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: stop: %v\n", err)
	}
	return cmdStartService(args)
}

func dial(cfg *config.Config) (net.Conn, error) {
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	return conn, nil
}

// sendCall writes c and streams back every StdoutChunk/StderrChunk frame
// until the terminating Result/ErrorResult, matching the teacher's
// already-established "caller drains a connection" shape for IPC clients.
func sendCall(conn net.Conn, c frame.Call) (string, error) {
	fw := frame.NewWriter(conn)
	if err := fw.WriteFrame(c); err != nil {
		return "", fmt.Errorf("daemon unreachable: %w", err)
	}

	fr := frame.NewReader(conn)
	for {
		val, err := fr.ReadFrame()
		if err != nil {
			return "", fmt.Errorf("daemon unreachable: %w", err)
		}
		switch v := val.(type) {
		case frame.StdoutChunk:
			fmt.Fprint(os.Stdout, v.Text)
		case frame.StderrChunk:
			fmt.Fprint(os.Stderr, v.Text)
		case frame.Result:
			return v.Value, nil
		case frame.ErrorResult:
			return "", fmt.Errorf("%s: %s", v.Kind, v.Message)
		}
	}
}

func cmdEnqueue(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: mediabin i <url>")
		return exitBadFlags
	}

	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	conn, err := dial(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	defer conn.Close()

	call := frame.Call{
		Name:        "enqueue",
		Args:        []frame.Arg{frame.StringArg(args[0])},
		StdoutIsTTY: isatty.IsTerminal(os.Stdout.Fd()),
		StderrIsTTY: isatty.IsTerminal(os.Stderr.Fd()),
	}
	if _, err := sendCall(conn, call); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	return exitOK
}

func cmdPS() int {
	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	conn, err := dial(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	defer conn.Close()

	value, err := sendCall(conn, frame.Call{Name: "list_current_procs", StdoutIsTTY: isatty.IsTerminal(os.Stdout.Fd())})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}

	var result rpc.ListProcsResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: parse response: %v\n", err)
		return exitDaemonOrPrecond
	}
	if len(result.Procs) == 0 {
		fmt.Println("no active downloads")
		return exitOK
	}

	noColor := !isatty.IsTerminal(os.Stdout.Fd())
	grey := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	grey.DisableColor()
	yellow.DisableColor()
	red.DisableColor()
	if !noColor {
		grey.EnableColor()
		yellow.EnableColor()
		red.EnableColor()
	}

	for _, p := range result.Procs {
		switch p.State {
		case "downloading":
			yellow.Printf("%-40s %6.2f%%  %s\n", p.Title, p.Progress*100, p.ID)
		case "error":
			red.Printf("%-40s error  %s\n", p.Title, p.ID)
		default:
			grey.Printf("%-40s %s  %s\n", p.Title, p.State, p.ID)
		}
	}
	return exitOK
}

func cmdLS(args []string) int {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	q := fs.String("q", "", "filter by title substring")
	var tags []string
	fs.Func("t", "filter by tag (repeatable)", func(v string) error {
		tags = append(tags, v)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return exitBadFlags
	}

	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	conn, err := dial(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	defer conn.Close()

	call := frame.Call{
		Name: "list_complete",
		Kwargs: map[string]frame.Arg{
			"q":    frame.StringArg(*q),
			"tags": frame.StringArg(strings.Join(tags, ",")),
		},
	}
	value, err := sendCall(conn, call)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}

	var result rpc.ListCompleteResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: parse response: %v\n", err)
		return exitDaemonOrPrecond
	}
	for _, item := range result.Items {
		fmt.Println(item.Title)
	}
	return exitOK
}

func cmdDU() int {
	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	conn, err := dial(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}
	defer conn.Close()

	value, err := sendCall(conn, frame.Call{Name: "disk_usage"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: %v\n", err)
		return exitDaemonOrPrecond
	}

	var result rpc.DiskUsageResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		fmt.Fprintf(os.Stderr, "mediabin: parse response: %v\n", err)
		return exitDaemonOrPrecond
	}
	fmt.Printf("%s\t%s\n", humanize.Bytes(uint64(result.TotalBytes)), result.Datadir) //nolint:gosec // disk usage is never negative
	return exitOK
}
