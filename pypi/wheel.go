package pypi

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var nativeSuffixes = []string{".so", ".pyd", ".dylib", ".dll"}

// ExtractWheel unpacks the wheel read from r into destDir. The archive is
// rejected as a whole if it carries native extensions or any entry would land
// outside destDir.
func ExtractWheel(r io.ReaderAt, size int64, destDir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}

	// Check everything before writing anything.
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		for _, suffix := range nativeSuffixes {
			if strings.HasSuffix(name, suffix) {
				return fmt.Errorf("%w: %s", ErrNativeCode, filepath.Base(f.Name))
			}
		}
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return fmt.Errorf("%w: %s", ErrUnsafeWheel, f.Name)
		}
	}

	for _, f := range zr.File {
		destPath := filepath.Join(destDir, filepath.FromSlash(f.Name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
