// Package transcoder supervises one external media-transcoder child
// process per session: it starts ffmpeg against an RTSP (or HTTP/file)
// source, streams stdout chunks and stderr lines to the caller, and reports
// exit without ever auto-restarting. Argument conventions are grounded on
// the ffmpeg invocations used for the viewer's MJPEG capture, generalized
// to also support a single-shot still-frame mode for the recognition path.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinelcam/internal/model"
)

// OutputMode selects the ffmpeg argument profile. Bit-for-bit argument
// reproduction matters: the viewer path's perceived latency depends on it.
type OutputMode string

const (
	ModeMJPEG OutputMode = "mjpeg"
	ModeStill OutputMode = "still"
)

// Event is one item from the transcoder's output stream: exactly one of
// Bytes, StderrLine or Exit is set. Modeling the callback-heavy ffmpeg
// reader as a single typed event channel (instead of nested closures)
// keeps cancellation straightforward.
type Event struct {
	Bytes      []byte
	StderrLine string
	Exit       *ExitInfo
}

// ExitInfo reports how the child exited.
type ExitInfo struct {
	Code   int
	Signal string
	Err    error
}

// Options configures one Start invocation.
type Options struct {
	SourceURL string
	Mode      OutputMode
	Width     int
	Height    int
	FPS       int
	Quality   int // 1-31, ffmpeg -q:v convention, lower is higher quality
	// StartTimeout bounds how long Start waits for the first byte before
	// returning TranscoderStartTimeout.
	StartTimeout time.Duration
	// KillTimeout bounds graceful Stop before SIGKILL.
	KillTimeout time.Duration
}

// Supervisor owns one ffmpeg child process and fans its stdout/stderr/exit
// out as Events. It never restarts the child: on unexpected exit it is the
// caller's job (the Broker or the Frame Extractor) to decide what happens
// next.
type Supervisor struct {
	log     *zap.Logger
	opts    Options
	cmd     *exec.Cmd
	events  chan Event
	killTO  time.Duration
	stopped chan struct{}
	once    sync.Once
}

// Start launches ffmpeg against opts.SourceURL and blocks until the first
// output chunk arrives, stderr signals a started stream, or StartTimeout
// elapses. On success it returns a *Supervisor whose Events() channel
// streams bytes/stderr/exit for the lifetime of the child.
func Start(ctx context.Context, log *zap.Logger, opts Options) (*Supervisor, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, model.ErrTranscoderUnavailable
	}

	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTranscoderUnavailable, err)
	}

	s := &Supervisor{
		log:     log,
		opts:    opts,
		cmd:     cmd,
		events:  make(chan Event, 32),
		killTO:  opts.KillTimeout,
		stopped: make(chan struct{}),
	}
	if s.killTO <= 0 {
		s.killTO = 5 * time.Second
	}

	firstByte := make(chan struct{}, 1)
	go s.readStdout(stdout, firstByte)
	go s.readStderr(stderr, firstByte)
	go s.wait()

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case <-firstByte:
		return s, nil
	case <-time.After(timeout):
		s.Stop()
		return nil, model.ErrTranscoderStartTimeout
	case <-s.stopped:
		return nil, &model.TranscoderExitedError{}
	}
}

func buildArgs(o Options) []string {
	switch o.Mode {
	case ModeStill:
		return []string{
			"-y",
			"-rtsp_transport", "tcp",
			"-i", o.SourceURL,
			"-vframes", "1",
			"-f", "image2",
			"-",
		}
	default: // ModeMJPEG
		return []string{
			"-rtsp_transport", "tcp",
			"-fflags", "+flush_packets+nobuffer",
			"-flags", "low_delay",
			"-i", o.SourceURL,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-pix_fmt", "yuvj420p",
			"-r", fmt.Sprintf("%d", fpsOr(o.FPS, 15)),
			"-s", fmt.Sprintf("%dx%d", whOr(o.Width, 800), whOr(o.Height, 600)),
			"-q:v", fmt.Sprintf("%d", qualityOr(o.Quality, 5)),
			"-tune", "zerolatency",
			"-",
		}
	}
}

func fpsOr(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func whOr(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func qualityOr(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func (s *Supervisor) readStdout(r io.Reader, firstByte chan struct{}) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf := make([]byte, n)
			copy(buf, chunk[:n])
			select {
			case firstByte <- struct{}{}:
			default:
			}
			select {
			case s.events <- Event{Bytes: buf}:
			case <-s.stopped:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) readStderr(r io.Reader, firstByte chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if looksLikeStreamStart(line) {
			select {
			case firstByte <- struct{}{}:
			default:
			}
		}
		select {
		case s.events <- Event{StderrLine: line}:
		case <-s.stopped:
			return
		}
	}
}

func looksLikeStreamStart(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "stream #") || strings.Contains(l, "press")
}

func (s *Supervisor) wait() {
	err := s.cmd.Wait()
	info := &ExitInfo{Err: err}
	if s.cmd.ProcessState != nil {
		info.Code = s.cmd.ProcessState.ExitCode()
	}
	s.closeOnce()
	select {
	case s.events <- Event{Exit: info}:
	default:
	}
	close(s.events)
}

func (s *Supervisor) closeOnce() {
	s.once.Do(func() { close(s.stopped) })
}

// Events returns the channel of output/exit events for this child.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Stop sends an interrupt and force-kills after KillTimeout if the process
// is still alive.
func (s *Supervisor) Stop() {
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(interruptSignal())

	timer := time.NewTimer(s.killTO)
	defer timer.Stop()
	select {
	case <-s.stopped:
	case <-timer.C:
		_ = s.cmd.Process.Kill()
		<-s.stopped
	}
}
