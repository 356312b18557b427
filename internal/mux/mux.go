// Package mux combines a downloaded video track and audio track into one MP4
// by running ffmpeg.
package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Muxer combines video and audio into out. audio may be empty, in which case
// the video is remuxed alone.
type Muxer interface {
	Mux(ctx context.Context, video, audio, out string) error
}

// MuxerUnavailableError means the ffmpeg binary could not be found or started.
type MuxerUnavailableError struct {
	Path string
	Err  error
}

func (e *MuxerUnavailableError) Error() string {
	return fmt.Sprintf("muxer %q unavailable: %v", e.Path, e.Err)
}

func (e *MuxerUnavailableError) Unwrap() error { return e.Err }

// MuxerExecutionFailedError means ffmpeg ran and exited non-zero.
type MuxerExecutionFailedError struct {
	ExitCode int
	Stderr   string
}

func (e *MuxerExecutionFailedError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("ffmpeg exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("ffmpeg exited with status %d: %s", e.ExitCode, msg)
}

// OutputError means ffmpeg succeeded but its output could not be moved into
// place.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("mux output %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// DefaultAudioCodec re-encodes audio so MPEG-TS AAC and AC-3 inputs both land
// in a widely playable MP4.
const DefaultAudioCodec = "aac"

// maxStderr bounds how much ffmpeg output is kept in an error.
const maxStderr = 4 << 10

// FFmpeg is a Muxer backed by an ffmpeg binary.
type FFmpeg struct {
	// Path is a binary name or path; empty means "ffmpeg" on PATH.
	Path string
	// AudioCodec is the encoder passed to -c:a. Stream copy is not offered:
	// empty and "copy" both mean DefaultAudioCodec.
	AudioCodec string
}

// ResolvePath returns the binary to run: override when set, else ffmpeg on PATH.
func ResolvePath(override string) (string, error) {
	if v := strings.TrimSpace(override); v != "" {
		return exec.LookPath(v)
	}
	return exec.LookPath("ffmpeg")
}

// Available reports whether the binary can be located.
func (f *FFmpeg) Available() error {
	p, err := ResolvePath(f.Path)
	if err != nil {
		return &MuxerUnavailableError{Path: f.name(), Err: err}
	}
	log.Debugf("mux: ffmpeg=%s", p)
	return nil
}

func (f *FFmpeg) name() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

// Args builds the ffmpeg command line writing to dest.
func (f *FFmpeg) Args(video, audio, dest string) []string {
	codec := f.AudioCodec
	if codec == "" || strings.EqualFold(codec, "copy") {
		codec = DefaultAudioCodec
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-i", video}
	if audio != "" {
		args = append(args, "-i", audio, "-map", "0:v:0", "-map", "1:a:0")
	}
	args = append(args, "-c:v", "copy", "-c:a", codec)
	return append(args, "-movflags", "+faststart", "-f", "mp4", dest)
}

// Mux runs ffmpeg into out + ".partial" and renames on success. The inputs
// are left in place; deleting them is the caller's decision. When ctx ends
// first the context error is returned unwrapped.
func (f *FFmpeg) Mux(ctx context.Context, video, audio, out string) error {
	bin, err := ResolvePath(f.Path)
	if err != nil {
		return &MuxerUnavailableError{Path: f.name(), Err: err}
	}
	partial := out + ".partial"
	cmd := exec.CommandContext(ctx, bin, f.Args(video, audio, partial)...)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxStderr}
	log.Debugf("mux: run %s %s", bin, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Run(); err != nil {
		os.Remove(partial)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &MuxerExecutionFailedError{ExitCode: ee.ExitCode(), Stderr: stderr.String()}
		}
		return &MuxerUnavailableError{Path: bin, Err: err}
	}
	if err := os.Rename(partial, out); err != nil {
		os.Remove(partial)
		return &OutputError{Path: out, Err: err}
	}
	return nil
}

type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
