package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegDevice captures microphone PCM through an ffmpeg child process.
type FFmpegDevice struct {
	command string
}

func NewFFmpegDevice(command string) *FFmpegDevice {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegDevice{command: command}
}

func (d *FFmpegDevice) Open(ctx context.Context, cfg DeviceConfig) (DeviceSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, d.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// An immediate exit means the input device could not be opened; map it to
	// the permission error so callers treat it as a failed start, not a crash.
	select {
	case err := <-waitErr:
		detail := bytes.TrimSpace(stderr.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrPermissionDenied, err, detail)
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %s", ErrPermissionDenied, detail)
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	s.closeOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.closeErr = normalizeExit(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.closeErr = normalizeExit(err)
			}
		}

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			if s.closeErr == nil {
				s.closeErr = err
			}
		}

		if s.closeErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.closeErr = fmt.Errorf("%w: %s", s.closeErr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})

	return s.closeErr
}

// normalizeExit treats a nonzero exit after an interrupt as a clean stop.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
