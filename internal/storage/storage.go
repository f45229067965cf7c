// Package storage lays out anonymized instances on disk as
// {root}/{patient}/{study}/{series}/{sop}.dcm and keeps the service's
// private state (index snapshot, PHI exports, quarantine) under
// {root}/private. Only anonymous identifiers ever appear in paths.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/savegress/dicomveil/internal/deid"
)

const (
	// InstanceSuffix is the file extension of every stored instance.
	InstanceSuffix = ".dcm"

	privateDirName   = "private"
	phiExportDirName = "phi_export"
	quarantineDir    = "quarantine"
)

// InstanceRef names one stored instance inside a study.
type InstanceRef struct {
	SeriesUID string
	SOPUID    string
}

// Store owns one storage root.
type Store struct {
	root string
	log  *logrus.Entry
}

// New creates a Store over root. EnsureTree must run before writes.
func New(root string, log *logrus.Entry) *Store {
	return &Store{root: root, log: log}
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// PrivateDir returns the service-private directory.
func (s *Store) PrivateDir() string { return filepath.Join(s.root, privateDirName) }

// SnapshotPath returns the index snapshot location.
func (s *Store) SnapshotPath() string {
	return filepath.Join(s.PrivateDir(), "AnonymizerModel.bin")
}

// PHIExportDir returns the directory PHI CSV exports land in.
func (s *Store) PHIExportDir() string {
	return filepath.Join(s.PrivateDir(), phiExportDirName)
}

// QuarantineRoot returns the quarantine base directory.
func (s *Store) QuarantineRoot() string {
	return filepath.Join(s.PrivateDir(), quarantineDir)
}

// CategoryDir returns the quarantine directory of one failure category.
func (s *Store) CategoryDir(c deid.Category) string {
	return filepath.Join(s.QuarantineRoot(), string(c))
}

// EnsureTree creates the root, the private directories and every quarantine
// category directory.
func (s *Store) EnsureTree() error {
	dirs := []string{s.root, s.PrivateDir(), s.PHIExportDir()}
	for _, c := range deid.Categories {
		dirs = append(dirs, s.CategoryDir(c))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return deid.Wrap(deid.KindStorageError, "storage.ensure_tree", err)
		}
	}
	return nil
}

// PatientDir returns the directory of one anonymous patient.
func (s *Store) PatientDir(anonPatientID string) string {
	return filepath.Join(s.root, anonPatientID)
}

// StudyDir returns the directory of one anonymous study.
func (s *Store) StudyDir(anonPatientID, anonStudyUID string) string {
	return filepath.Join(s.root, anonPatientID, anonStudyUID)
}

// InstancePath returns the file path of one anonymous instance.
func (s *Store) InstancePath(anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID string) string {
	return filepath.Join(s.root, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID+InstanceSuffix)
}

// Exists reports whether the instance is already stored.
func (s *Store) Exists(anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID string) bool {
	_, err := os.Stat(s.InstancePath(anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID))
	return err == nil
}

// WriteInstance persists a rewritten dataset atomically and returns its path.
// The write lands in a temp file in the destination directory, is fsynced,
// then renamed over the final name.
func (s *Store) WriteInstance(ds *dicom.DataSet, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID string) (string, error) {
	path := s.InstancePath(anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID)
	if err := s.writeDataSet(path, ds); err != nil {
		return "", deid.Wrap(deid.KindStorageError, "storage.write_instance", err)
	}
	return path, nil
}

func (s *Store) writeDataSet(path string, ds *dicom.DataSet) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp")
	defer os.Remove(tmp)

	if err := dicom.WriteFile(tmp, ds); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// InstanceStems enumerates the stored instances of a study.
func (s *Store) InstanceStems(anonPatientID, anonStudyUID string) ([]InstanceRef, error) {
	studyDir := s.StudyDir(anonPatientID, anonStudyUID)
	seriesDirs, err := os.ReadDir(studyDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, deid.Wrap(deid.KindStorageError, "storage.instance_stems", err)
	}

	var refs []InstanceRef
	for _, se := range seriesDirs {
		if !se.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(studyDir, se.Name()))
		if err != nil {
			return nil, deid.Wrap(deid.KindStorageError, "storage.instance_stems", err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, InstanceSuffix) {
				continue
			}
			refs = append(refs, InstanceRef{
				SeriesUID: se.Name(),
				SOPUID:    strings.TrimSuffix(name, InstanceSuffix),
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SeriesUID != refs[j].SeriesUID {
			return refs[i].SeriesUID < refs[j].SeriesUID
		}
		return refs[i].SOPUID < refs[j].SOPUID
	})
	return refs, nil
}

// StudyCount returns the number of stored instances of a study.
func (s *Store) StudyCount(anonPatientID, anonStudyUID string) (int, error) {
	refs, err := s.InstanceStems(anonPatientID, anonStudyUID)
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

// HasPatient reports whether the patient has a directory in storage.
func (s *Store) HasPatient(anonPatientID string) bool {
	info, err := os.Stat(s.PatientDir(anonPatientID))
	return err == nil && info.IsDir()
}

// StudyUIDs lists the anonymous study UIDs stored under a patient, sorted.
func (s *Store) StudyUIDs(anonPatientID string) ([]string, error) {
	entries, err := os.ReadDir(s.PatientDir(anonPatientID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, deid.Wrap(deid.KindStorageError, "storage.study_uids", err)
	}
	var uids []string
	for _, e := range entries {
		if e.IsDir() {
			uids = append(uids, e.Name())
		}
	}
	sort.Strings(uids)
	return uids, nil
}

// PatientFiles enumerates every stored instance path of a patient, sorted,
// for export walk order stability.
func (s *Store) PatientFiles(anonPatientID string) ([]string, error) {
	root := s.PatientDir(anonPatientID)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, InstanceSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, deid.Wrap(deid.KindStorageError, "storage.patient_files", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// PatientIDs lists the anonymous patients present in storage, sorted.
func (s *Store) PatientIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, deid.Wrap(deid.KindStorageError, "storage.patients", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != privateDirName {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteStudy removes a study's files and prunes the emptied directories up
// to and including the patient directory. Returns the number of instance
// files removed.
func (s *Store) DeleteStudy(anonPatientID, anonStudyUID string) (int, error) {
	refs, err := s.InstanceStems(anonPatientID, anonStudyUID)
	if err != nil {
		return 0, err
	}
	studyDir := s.StudyDir(anonPatientID, anonStudyUID)
	if err := os.RemoveAll(studyDir); err != nil {
		return 0, deid.Wrap(deid.KindStorageError, "storage.delete_study", err)
	}
	// Remove fails on a non-empty patient dir, which is exactly the
	// prune rule.
	if err := os.Remove(s.PatientDir(anonPatientID)); err == nil {
		s.log.WithField("patient", anonPatientID).Debug("pruned empty patient directory")
	}
	return len(refs), nil
}

// String implements fmt.Stringer for log context.
func (s *Store) String() string {
	return fmt.Sprintf("storage(%s)", s.root)
}
