package imaging

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// Rasterizer renders the first page of a PDF-backed storage into a bitmap.
type Rasterizer interface {
	Rasterize(ctx context.Context, s Storage, dpi int) (image.Image, error)
}

// CommandExecutor runs external commands. Tests substitute a fake.
type CommandExecutor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommand struct{}

func (execCommand) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// PdftoppmRasterizer renders pages with poppler's pdftoppm.
type PdftoppmRasterizer struct {
	// Binary is the pdftoppm executable; defaults to "pdftoppm".
	Binary   string
	TempDir  string
	Executor CommandExecutor
}

// NewPdftoppmRasterizer returns a rasterizer that stages files in tempDir.
func NewPdftoppmRasterizer(tempDir string) *PdftoppmRasterizer {
	return &PdftoppmRasterizer{Binary: "pdftoppm", TempDir: tempDir, Executor: execCommand{}}
}

func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, s Storage, dpi int) (image.Image, error) {
	dir, err := os.MkdirTemp(r.TempDir, "raster-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in, err := r.inputPath(s, dir)
	if err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, "page")
	bin := r.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	exe := r.Executor
	if exe == nil {
		exe = execCommand{}
	}
	args := []string{"-r", strconv.Itoa(dpi), "-f", "1", "-l", "1", "-png", "-singlefile", in, prefix}
	if out, err := exe.Run(ctx, bin, args...); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, out)
	}
	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rendered page: %w", err)
	}
	img, _, _, _, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode rendered page: %w", err)
	}
	return img, nil
}

func (r *PdftoppmRasterizer) inputPath(s Storage, dir string) (string, error) {
	if fs, ok := s.(*FileStorage); ok {
		return fs.Path, nil
	}
	data, err := ReadAll(s)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+".pdf")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
