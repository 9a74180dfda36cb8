package workflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// StitchInput names one video to concatenate.
type StitchInput struct {
	RecordID string
	VideoURL string
}

// StitchOutput is the concatenated file, addressable by URL.
type StitchOutput struct {
	VideoURL     string
	ThumbnailURL string
}

// Stitcher turns an ordered list of videos into one file.
type Stitcher interface {
	Stitch(ctx context.Context, inputs []StitchInput) (*StitchOutput, error)
}

// FileWriter persists stitched output under a key.
type FileWriter interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// FFmpegStitcher concatenates videos with ffmpeg's concat demuxer.
// Inputs are downloaded next to the output, fed through a list file,
// and stream-copied, so same-codec inputs merge without re-encoding.
type FFmpegStitcher struct {
	client    *http.Client
	store     FileWriter
	publicDir string
	binary    string
}

// NewFFmpegStitcher builds a stitcher that writes results into store
// and returns URLs under publicDir (e.g. "/static").
func NewFFmpegStitcher(client *http.Client, store FileWriter, publicDir string) *FFmpegStitcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &FFmpegStitcher{
		client:    client,
		store:     store,
		publicDir: strings.TrimSuffix(publicDir, "/"),
		binary:    "ffmpeg",
	}
}

func (s *FFmpegStitcher) Stitch(ctx context.Context, inputs []StitchInput) (*StitchOutput, error) {
	workDir, err := os.MkdirTemp("", "stitch-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	var list strings.Builder
	for i, in := range inputs {
		local := filepath.Join(workDir, fmt.Sprintf("part_%03d.mp4", i))
		if err := s.download(ctx, in.VideoURL, local); err != nil {
			return nil, fmt.Errorf("download input %d: %w", i, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", local)
	}
	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return nil, err
	}

	outPath := filepath.Join(workDir, "merged.mp4")
	cmd := exec.CommandContext(ctx, s.binary,
		"-y", "-f", "concat", "-safe", "0",
		"-i", listPath, "-c", "copy", outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg concat: %w: %s", err, tail(string(out), 400))
	}

	merged, err := os.ReadFile(outPath)
	if err != nil {
		return nil, err
	}
	key, err := s.store.Write(ctx, uuid.NewString()+".mp4", merged)
	if err != nil {
		return nil, fmt.Errorf("persist merged video: %w", err)
	}
	return &StitchOutput{VideoURL: s.publicDir + "/" + key}, nil
}

func (s *FFmpegStitcher) download(ctx context.Context, url, dest string) error {
	// file:// and bare paths come from locally stored outputs.
	if local, ok := strings.CutPrefix(url, "file://"); ok {
		return copyFile(local, dest)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return copyFile(url, dest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d fetching %s", resp.StatusCode, url)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
