package libvirt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// OverlayFunc creates a copy-on-write disk at overlay backed by base.
type OverlayFunc func(ctx context.Context, base, overlay string) error

// createDiskOverlay shells out to qemu-img so the base image is never written.
func createDiskOverlay(ctx context.Context, base, overlay string) error {
	if base == "" {
		return errors.New("base image path is empty")
	}
	if overlay == "" {
		return errors.New("overlay path is empty")
	}
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("stat base image %q: %w", base, err)
	}
	if err := os.MkdirAll(filepath.Dir(overlay), 0o755); err != nil {
		return fmt.Errorf("create overlay directory for %q: %w", overlay, err)
	}
	if err := os.Remove(overlay); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing overlay %q: %w", overlay, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return fmt.Errorf("qemu-img not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", base, overlay)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// createISOFromDirectory packs sourceDir into an ISO9660 image labelled
// volumeLabel. A single file is packed at the image root.
func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat %q: %w", sourceDir, err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if info.IsDir() {
		if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
			return fmt.Errorf("stage directory: %w", err)
		}
	} else if err := writer.AddLocalFile(sourceDir, filepath.Base(sourceDir)); err != nil {
		return fmt.Errorf("stage file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}
