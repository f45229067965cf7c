package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/savegress/dicomveil/internal/deid"
)

// QuarantineDataSet writes an incoming dataset, unmodified, into the
// category's quarantine directory. name is the instance identifier to file
// it under, usually the SOP instance UID.
func (s *Store) QuarantineDataSet(ds *dicom.DataSet, category deid.Category, name string) (string, error) {
	target := s.quarantineTarget(category, quarantineFilename(name))
	if err := s.writeDataSet(target, ds); err != nil {
		return "", deid.Wrap(deid.KindStorageError, "storage.quarantine", err)
	}
	s.logQuarantine(category, target)
	return target, nil
}

// QuarantineFile copies a source file, byte for byte, into the category's
// quarantine directory. Used when the payload cannot even be parsed.
func (s *Store) QuarantineFile(src string, category deid.Category) (string, error) {
	target := s.quarantineTarget(category, filepath.Base(src))
	if err := copyFileAtomic(src, target); err != nil {
		return "", deid.Wrap(deid.KindStorageError, "storage.quarantine", err)
	}
	s.logQuarantine(category, target)
	return target, nil
}

func (s *Store) logQuarantine(category deid.Category, target string) {
	s.log.WithFields(logrus.Fields{
		"category": string(category),
		"file":     filepath.Base(target),
	}).Warn("payload quarantined")
}

// quarantineTarget resolves name collisions inside a category directory by
// inserting the current HHMMSS before the extension.
func (s *Store) quarantineTarget(category deid.Category, filename string) string {
	dir := s.CategoryDir(category)
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, time.Now().Format("150405"), ext))
}

func quarantineFilename(name string) string {
	if name == "" {
		name = "unknown"
	}
	return name + InstanceSuffix
}

func copyFileAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	defer os.Remove(tmp)
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
