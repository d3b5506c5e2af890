package ytdlp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type Adapter struct {
	bin string
	run runFunc
}

func New(binPath string) *Adapter {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	return &Adapter{bin: binPath, run: execRun}
}

// Download saves the best available video+audio for url into outDir as
// video.<ext> and returns the final path.
func (a *Adapter) Download(ctx context.Context, url, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	args := []string{
		"-f", "bestvideo+bestaudio/best",
		"--no-playlist",
		"--no-progress",
		"--merge-output-format", "mp4",
		"-o", filepath.Join(outDir, "video.%(ext)s"),
		"--print", "after_move:filepath",
		url,
	}
	b, err := a.run(ctx, a.bin, args...)
	if err != nil {
		return "", fmt.Errorf("yt-dlp: %w\n%s", err, string(b))
	}

	if p := lastLine(string(b)); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	matches, _ := filepath.Glob(filepath.Join(outDir, "video.*"))
	for _, m := range matches {
		if !strings.HasSuffix(m, ".part") && !strings.HasSuffix(m, ".ytdl") {
			return m, nil
		}
	}
	return "", fmt.Errorf("yt-dlp: no output file in %s", outDir)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// execRun returns stdout on success and stderr on failure.
func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stderr.Bytes(), err
	}
	return stdout.Bytes(), nil
}
