package extract

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner executes an external command and returns its stdout and stderr.
// The page renderer (poppler) and the OCR engine (tesseract) are external
// tools invoked through this seam so tests can substitute them.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes the command, capturing stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}
