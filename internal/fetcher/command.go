// SPDX-License-Identifier: MIT

package fetcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/contentaddr"
)

// CommandFetcher is a Fetcher that shells out to an external
// media-extraction binary (default "yt-dlp") configured via
// config.FetcherConfig.Command. It invokes the command with
// --dump-json for metadata probes and --newline --progress-template
// for status during downloads, parsing its stdout line by line —
// the adapter shape spec.md §4.6 describes for "wrap an external
// extractor".
type CommandFetcher struct {
	Command   string
	Extractor string        // logical extractor name folded into the content-address id
	Timeout   time.Duration // bounds both FetchInfo and Start; zero means no bound
}

// NewCommandFetcher returns a CommandFetcher invoking the named binary,
// bounding every probe and download by timeout (zero for no bound).
func NewCommandFetcher(command, extractor string, timeout time.Duration) *CommandFetcher {
	return &CommandFetcher{Command: command, Extractor: extractor, Timeout: timeout}
}

type dumpJSONResult struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	WebpageURL string `json:"webpage_url"`
	URL        string `json:"url"`
	Thumbnail  string `json:"thumbnail"`
}

// FetchInfo runs `<command> --dump-json <url>` and parses the single-line
// JSON object it prints to stdout.
func (f *CommandFetcher) FetchInfo(ctx context.Context, url string) (*VideoInfo, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.Command, "--dump-json", "--no-playlist", url)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("fetcher: probe %s: %w", url, err)
	}

	var result dumpJSONResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("fetcher: parse probe output for %s: %w", url, err)
	}

	id := contentaddr.ID(f.Extractor, result.ID)
	return &VideoInfo{
		ID:           id,
		ObjectPath:   contentaddr.ObjectPath(id),
		Title:        result.Title,
		OriginURL:    result.WebpageURL,
		VideoURL:     result.URL,
		ThumbnailURL: result.Thumbnail,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// progressLineRE-free: progress lines are emitted as
// "progress <downloaded> <total> <speed>" by the --progress-template
// flag we pass the extractor; this keeps the parser a plain Fields()
// split instead of a regexp.
const progressLinePrefix = "progress "

type commandJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *commandJob) Cancel() {
	j.cancel()
	<-j.done
}

// Start launches the extractor in the background, downloading into dest,
// and reports status via onStatus until a terminal event is reached or
// Cancel is called.
func (f *CommandFetcher) Start(ctx context.Context, info *VideoInfo, dest string, onStatus StatusFunc) (Job, error) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if f.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, f.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	args := []string{
		"--newline",
		"--progress-template", progressLinePrefix + "%(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.speed)s",
		"-o", dest,
		info.OriginURL,
	}
	cmd := exec.CommandContext(runCtx, f.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetcher: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("fetcher: start %s: %w", f.Command, err)
	}

	job := &commandJob{cancel: cancel, done: make(chan struct{})}
	go f.run(runCtx, cmd, stdout, info, dest, onStatus, job.done)

	return job, nil
}

func (f *CommandFetcher) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, info *VideoInfo, dest string, onStatus StatusFunc, done chan<- struct{}) {
	defer close(done)

	var lastEmit time.Time

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		status, ok := parseProgressLine(line)
		if !ok {
			continue
		}

		if time.Since(lastEmit) >= 500*time.Millisecond {
			lastEmit = time.Now()
			onStatus(info, status)
		}
	}

	waitErr := cmd.Wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		// Cancelled: emit no further events, terminal included. A Timeout
		// expiry is not a cancel and is reported below as StatusError.
		return
	}

	if waitErr != nil {
		onStatus(info, StatusError{Message: "extractor exited with error", Details: waitErr.Error()})
		return
	}
	onStatus(info, StatusFinished{FilePath: dest})
}

func parseProgressLine(line string) (Status, bool) {
	if !strings.HasPrefix(line, progressLinePrefix) {
		return nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, progressLinePrefix))
	if len(fields) != 3 {
		return nil, false
	}

	downloaded, err1 := strconv.ParseInt(fields[0], 10, 64)
	total, err2 := strconv.ParseInt(fields[1], 10, 64)
	speed, err3 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil {
		return nil, false
	}
	if err3 != nil {
		speed = -1
	}

	progress := -1.0
	if total > 0 {
		progress = float64(downloaded) / float64(total)
	}

	return StatusDownloading{
		Progress:        progress,
		BytesTotal:      total,
		BytesDownloaded: downloaded,
		Speed:           int64(speed),
	}, true
}
