package audio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Capture process timing.
const (
	// captureWindow is the PCM span each level sample is computed over.
	captureWindow = 50 * time.Millisecond
	// staleAfter is how old the last level may be before Level reports no sample.
	staleAfter = 500 * time.Millisecond
	// Restart backoff bounds for a capture process that exits.
	initialRestartDelay = 1000 * time.Millisecond
	maxRestartDelay     = 30000 * time.Millisecond
	// shutdownTimeout bounds how long a capture process may take to exit.
	shutdownTimeout = 3000 * time.Millisecond
)

// windowSamples is the number of interleaved samples in one capture window.
const windowSamples = SampleRate * Channels * int(captureWindow/time.Millisecond) / 1000

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// UsesFFmpeg indicates if this platform uses FFmpeg for capture.
	UsesFFmpeg bool

	// BuildArgs returns the command arguments for audio capture.
	BuildArgs func(device string) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it falls back to the platform default, then to the
// first listed device.
func BuildCaptureCommand(device, ffmpegPath string) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}
	if device == "" {
		devices := Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	command := cfg.Command
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}

	return command, cfg.BuildArgs(device), nil
}

// Capture runs the platform capture process while active and publishes the
// RMS level of each PCM window. It implements Source, Authorizer and
// Activator. It is safe for concurrent use.
type Capture struct {
	device     string
	ffmpegPath string
	backoff    *util.Backoff

	mu        sync.Mutex
	level     float64
	updatedAt time.Time
	lastError string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewCapture creates a capture source for the given device. ffmpegPath may be
// empty on platforms that do not capture through FFmpeg.
func NewCapture(device, ffmpegPath string) *Capture {
	return &Capture{
		device:     device,
		ffmpegPath: ffmpegPath,
		backoff:    util.NewBackoff(initialRestartDelay, maxRestartDelay),
		level:      SilenceRawDB,
	}
}

// CaptureAuthorized reports whether a capture command can be built and its
// binary is installed.
func (c *Capture) CaptureAuthorized() bool {
	cmd, _, err := BuildCaptureCommand(c.currentDevice(), c.ffmpegPath)
	if err != nil {
		slog.Warn("audio capture unavailable", "error", err)
		return false
	}
	if _, err := exec.LookPath(cmd); err != nil {
		slog.Warn("audio capture binary not found", "command", cmd, "error", err)
		return false
	}
	return true
}

// SetDevice changes the capture device. It applies from the next capture
// process start.
func (c *Capture) SetDevice(device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = device
}

func (c *Capture) currentDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Level returns the most recent window level in dBFS.
func (c *Capture) Level() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updatedAt.IsZero() || time.Since(c.updatedAt) > staleAfter {
		return 0, ErrNoSample
	}
	return c.level, nil
}

// LastError returns the last capture process error, if any.
func (c *Capture) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Activate starts the capture process loop. Activating twice is a no-op.
func (c *Capture) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.updatedAt = time.Time{}
	c.backoff.Reset()

	go c.run(ctx, c.done)
	return nil
}

// Deactivate stops the capture process and waits for it to exit.
func (c *Capture) Deactivate() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// run keeps the capture process alive until ctx is cancelled.
func (c *Capture) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		started := time.Now()
		stderr, err := c.runProcess(ctx)
		if ctx.Err() != nil {
			return
		}

		errMsg := stderr
		if errMsg == "" && err != nil {
			errMsg = err.Error()
		}
		c.mu.Lock()
		c.lastError = errMsg
		c.mu.Unlock()

		if time.Since(started) >= maxRestartDelay {
			c.backoff.Reset()
		}
		delay := c.backoff.Next()
		slog.Warn("audio capture exited, restarting", "error", errMsg, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runProcess executes one capture process and feeds its PCM into the level
// accumulator until it exits.
func (c *Capture) runProcess(ctx context.Context) (string, error) {
	device := c.currentDevice()
	cmdName, args, err := BuildCaptureCommand(device, c.ffmpegPath)
	if err != nil {
		return "", err
	}

	slog.Info("starting audio capture", "command", cmdName, "device", device)

	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = shutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return "", err
	}

	c.consume(stdout)

	err = cmd.Wait()
	return util.ExtractLastError(stderrBuf.String()), err
}

// consume reads PCM until EOF, publishing one level per capture window.
// A trailing partial window is discarded.
func (c *Capture) consume(r io.Reader) {
	buf := make([]byte, windowSamples*2)
	var data LevelData

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		ProcessSamples(buf, len(buf), &data)
		c.publish(data.RMSLevel(), time.Now())
		data.Reset()
	}
}

// publish stores a fresh level.
func (c *Capture) publish(level float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
	c.updatedAt = now
}
