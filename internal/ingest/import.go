package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/savegress/dicomveil/internal/deid"
)

// ImportReport tallies one local import run. Queued instances still flow
// through the pipeline asynchronously; Drain waits for them.
type ImportReport struct {
	Queued     int `json:"queued"`
	Invalid    int `json:"invalid"`
	Unreadable int `json:"unreadable"`
}

// ImportFiles parses local files and feeds them through the same pipeline as
// network ingest. Files that do not parse as DICOM are copied to quarantine;
// files that cannot be read at all are only counted. Import submission
// blocks on a full queue instead of refusing.
func (s *Service) ImportFiles(ctx context.Context, paths []string) (ImportReport, error) {
	var report ImportReport
	for _, path := range paths {
		ds, err := dicom.ParseFile(path)
		if err != nil {
			if _, qErr := s.files.QuarantineFile(path, deid.CategoryInvalidDICOM); qErr != nil {
				report.Unreadable++
				s.log.WithError(err).WithField("file", path).Error("import read failed")
				continue
			}
			report.Invalid++
			s.met.InstancesQuarantined.WithLabelValues(string(deid.CategoryInvalidDICOM)).Inc()
			s.log.WithError(err).WithField("file", path).Warn("import file is not DICOM")
			continue
		}

		s.met.InstancesReceived.Inc()
		source := "import:" + filepath.Base(path)
		if err := s.pool.SubmitWithContext(ctx, func() error {
			s.process(ds, source)
			return nil
		}); err != nil {
			return report, fmt.Errorf("queue import: %w", err)
		}
		report.Queued++
		s.met.QueueDepth.Set(float64(s.pool.QueueLen()))
	}
	return report, nil
}

// ImportDirectory imports every regular file under dir, sorted for stable
// pseudonym numbering. Hidden files and directories are skipped.
func (s *Service) ImportDirectory(ctx context.Context, dir string) (ImportReport, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return ImportReport{}, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(paths)
	return s.ImportFiles(ctx, paths)
}
