package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEncodeDeadline    = 6 * time.Hour
	defaultThumbnailDeadline = 5 * time.Minute
	defaultAudioBitrateKbps  = 128
)

// FFmpegConfig configures the exec-based Runner. Zero values fall back to the
// production defaults: a six hour encode deadline and a five minute thumbnail
// deadline.
type FFmpegConfig struct {
	FFmpegPath        string
	FFprobePath       string
	EncodeDeadline    time.Duration
	ThumbnailDeadline time.Duration
	Logger            *slog.Logger
}

// FFmpeg runs encodes through external ffmpeg/ffprobe processes.
type FFmpeg struct {
	ffmpegPath        string
	ffprobePath       string
	encodeDeadline    time.Duration
	thumbnailDeadline time.Duration
	logger            *slog.Logger
}

var _ Runner = (*FFmpeg)(nil)

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := strings.TrimSpace(cfg.FFprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	encodeDeadline := cfg.EncodeDeadline
	if encodeDeadline <= 0 {
		encodeDeadline = defaultEncodeDeadline
	}
	thumbnailDeadline := cfg.ThumbnailDeadline
	if thumbnailDeadline <= 0 {
		thumbnailDeadline = defaultThumbnailDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		ffmpegPath:        ffmpegPath,
		ffprobePath:       ffprobePath,
		encodeDeadline:    encodeDeadline,
		thumbnailDeadline: thumbnailDeadline,
		logger:            logger,
	}
}

// EncodeArgs builds the ffmpeg argument list for one rendition.
func EncodeArgs(job EncodeJob) []string {
	audio := job.AudioBitrateKbps
	if audio <= 0 {
		audio = defaultAudioBitrateKbps
	}
	return []string{
		"-y",
		"-i", job.Input,
		"-c:v", job.Encoder,
		"-b:v", strconv.Itoa(job.BitrateKbps) + "k",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(audio) + "k",
		"-movflags", "+faststart",
		"-vf", fmt.Sprintf("scale=-2:%d", job.Height),
		job.Output,
	}
}

// ThumbnailArgs builds the ffmpeg argument list for the poster frame.
func ThumbnailArgs(input, output string, offset time.Duration) []string {
	return []string{
		"-y",
		"-ss", formatOffset(offset),
		"-i", input,
		"-vframes", "1",
		"-vf", "scale=640:-1",
		"-q:v", "2",
		output,
	}
}

// ProbeArgs builds the ffprobe argument list for reading container duration.
func ProbeArgs(input string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	}
}

func (f *FFmpeg) Encode(ctx context.Context, job EncodeJob) error {
	if strings.TrimSpace(job.Input) == "" || strings.TrimSpace(job.Output) == "" {
		return &Failure{Op: "encode", Err: errors.New("input and output are required")}
	}
	if job.Encoder == "" {
		return &Failure{Op: "encode", Err: errors.New("encoder is required")}
	}
	return f.runFFmpeg(ctx, "encode", EncodeArgs(job), f.encodeDeadline)
}

func (f *FFmpeg) Thumbnail(ctx context.Context, input, output string, offset time.Duration) error {
	if strings.TrimSpace(input) == "" || strings.TrimSpace(output) == "" {
		return &Failure{Op: "thumbnail", Err: errors.New("input and output are required")}
	}
	return f.runFFmpeg(ctx, "thumbnail", ThumbnailArgs(input, output, offset), f.thumbnailDeadline)
}

func (f *FFmpeg) Probe(ctx context.Context, input string) (time.Duration, error) {
	if strings.TrimSpace(input) == "" {
		return 0, &Failure{Op: "probe", Err: errors.New("input is required")}
	}
	runCtx, cancel := context.WithTimeout(ctx, f.thumbnailDeadline)
	defer cancel()
	cmd := exec.CommandContext(runCtx, f.ffprobePath, ProbeArgs(input)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return 0, &Failure{Op: "probe", Timeout: true, Err: runCtx.Err()}
		}
		return 0, &Failure{Op: "probe", Err: fmt.Errorf("%w: %s", err, firstLine(stderr.String()))}
	}
	return ParseProbeDuration(stdout.String())
}

// ParseProbeDuration converts ffprobe's duration output into a duration.
func ParseProbeDuration(output string) (time.Duration, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0, &Failure{Op: "probe", Err: errors.New("empty duration output")}
	}
	seconds, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, &Failure{Op: "probe", Err: fmt.Errorf("parse duration %q: %w", trimmed, err)}
	}
	if seconds < 0 {
		return 0, &Failure{Op: "probe", Err: fmt.Errorf("negative duration %q", trimmed)}
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// runFFmpeg executes ffmpeg with a hard deadline. CommandContext kills the
// process when the deadline passes.
func (f *FFmpeg) runFFmpeg(ctx context.Context, op string, args []string, deadline time.Duration) error {
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	cmd := exec.CommandContext(runCtx, f.ffmpegPath, args...)
	cmd.Stdout = newLogWriter(f.logger, op, "stdout")
	cmd.Stderr = newLogWriter(f.logger, op, "stderr")
	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			f.logger.Error("ffmpeg killed at deadline", "op", op, "deadline", deadline, "elapsed", time.Since(start))
			return &Failure{Op: op, Timeout: true, Err: runCtx.Err()}
		}
		return &Failure{Op: op, Err: err}
	}
	f.logger.Info("ffmpeg completed", "op", op, "elapsed", time.Since(start))
	return nil
}

func formatOffset(offset time.Duration) string {
	if offset < 0 {
		offset = 0
	}
	return strconv.FormatFloat(offset.Seconds(), 'f', 3, 64)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

type logWriter struct {
	logger *slog.Logger
	op     string
	stream string
}

func newLogWriter(logger *slog.Logger, op, stream string) *logWriter {
	return &logWriter{logger: logger, op: op, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "op", w.op, "stream", w.stream, "line", string(line))
	}
	return total, nil
}
