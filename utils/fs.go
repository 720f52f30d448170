package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileOperations provides file system utilities over an afero filesystem
type FileOperations struct {
	fs afero.Fs
}

// NewFileOperations creates a FileOperations on the OS filesystem
func NewFileOperations() *FileOperations {
	return NewFileOperationsFs(afero.NewOsFs())
}

// NewFileOperationsFs creates a FileOperations on the given filesystem
func NewFileOperationsFs(fs afero.Fs) *FileOperations {
	return &FileOperations{fs: fs}
}

// Fs exposes the underlying filesystem
func (f *FileOperations) Fs() afero.Fs {
	return f.fs
}

// EnsureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return f.fs.MkdirAll(dir, 0755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(path string) bool {
	_, err := f.fs.Stat(path)
	return !os.IsNotExist(err)
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new content.
func (f *FileOperations) WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	if err := f.EnsureDir(path); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = f.fs.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = f.fs.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = f.fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// DetectPartialDownload checks if a partial download exists and returns its size
func (f *FileOperations) DetectPartialDownload(outputPath string) (bool, int64, error) {
	partPath := outputPath + ".part"

	info, err := f.fs.Stat(partPath)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	return true, info.Size(), nil
}

// SanitizeFilename strips path separators and characters most filesystems reject
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "download"
	}
	if len(cleaned) > 200 {
		cleaned = cleaned[:200]
	}
	return cleaned
}
