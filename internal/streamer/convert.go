package streamer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/catherinevee/syncmgr/internal/apperrors"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/logger"
)

const convertKillGrace = 5 * time.Second

// Converter shells out to a headless document converter to produce
// PDFs.
type Converter struct {
	path    string
	timeout time.Duration
	log     logger.Logger
}

// NewConverter builds a converter from configuration.
func NewConverter(cfg config.StreamerConfig) *Converter {
	timeout := cfg.ConvertTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	path := cfg.ConverterPath
	if path == "" {
		path = "soffice"
	}
	return &Converter{path: path, timeout: timeout, log: logger.New("converter")}
}

// ToPDF materializes the source stream to a temp file, converts it and
// streams the PDF back. The source body is consumed and closed. The
// converter gets SIGTERM at the timeout and SIGKILL five seconds later.
func (c *Converter) ToPDF(ctx context.Context, name string, src *connector.StreamResponse) (*connector.StreamResponse, error) {
	defer src.Body.Close()

	dir, err := os.MkdirTemp("", "syncmgr-convert-")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "creating temp dir", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	inPath := filepath.Join(dir, inputFileName(name))
	in, err := os.Create(inPath)
	if err != nil {
		cleanup()
		return nil, apperrors.Wrap(apperrors.KindInternal, "creating temp file", err)
	}
	if _, err := io.Copy(in, src.Body); err != nil {
		in.Close()
		cleanup()
		return nil, apperrors.Wrap(apperrors.KindTransient, "buffering source for conversion", err)
	}
	if err := in.Close(); err != nil {
		cleanup()
		return nil, apperrors.Wrap(apperrors.KindInternal, "closing temp file", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.path, "--headless", "--convert-to", "pdf", "--outdir", dir, inPath)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = convertKillGrace

	start := time.Now()
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.New(apperrors.KindInternal,
				fmt.Sprintf("pdf conversion timed out after %s", c.timeout))
		}
		c.log.WithError(err).Error("converter failed", logger.String("output", string(out)))
		return nil, apperrors.Wrap(apperrors.KindInternal, "pdf conversion failed", err)
	}
	c.log.Debug("converted to pdf",
		logger.String("name", name), logger.Duration("took", time.Since(start)))

	outPath := strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".pdf"
	f, err := os.Open(outPath)
	if err != nil {
		cleanup()
		return nil, apperrors.Wrap(apperrors.KindInternal, "reading converted pdf", err)
	}

	return &connector.StreamResponse{
		ContentType: "application/pdf",
		Disposition: fmt.Sprintf("attachment; filename=%q", pdfFileName(name)),
		Body:        &cleanupReader{f: f, cleanup: cleanup},
	}, nil
}

// inputFileName keeps the extension so the converter can pick a filter,
// while stripping path separators from untrusted names.
func inputFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "document"
	}
	return base
}

func pdfFileName(name string) string {
	base := inputFileName(name)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".pdf"
}

// cleanupReader deletes the temp dir when the caller finishes the
// stream.
type cleanupReader struct {
	f       *os.File
	cleanup func()
}

func (r *cleanupReader) Read(p []byte) (int, error) { return r.f.Read(p) }

func (r *cleanupReader) Close() error {
	err := r.f.Close()
	r.cleanup()
	return err
}
