package phi

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/deid"
)

// ModelVersion is the snapshot layout version. Snapshots written by a
// different version refuse to load; there is no migration path.
const ModelVersion = 2

// SnapshotFilename is the snapshot's name under the project private
// directory.
const SnapshotFilename = "AnonymizerModel.bin"

var snapshotMagic = [4]byte{'D', 'V', 'P', 'M'}

// snapshotState is the gob payload. Reverse tables and the study index are
// derived on load and never persisted.
type snapshotState struct {
	SiteID  string
	UIDRoot string

	PatientIDToAnon map[string]string
	UIDToAnon       map[string]string
	AccToAnon       map[string]string

	Patients map[string]*Patient

	PatientCounter uint64
	UIDCounter     uint64
	AccCounter     uint64

	Totals Totals
}

// Save writes the index snapshot atomically: temp file in the target
// directory, fsync, rename. The dirty flag clears only on success.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := snapshotState{
		SiteID:          s.siteID,
		UIDRoot:         s.uidRoot,
		PatientIDToAnon: s.patientIDToAnon,
		UIDToAnon:       s.uidToAnon,
		AccToAnon:       s.accToAnon,
		Patients:        s.patients,
		PatientCounter:  s.patientCounter,
		UIDCounter:      s.uidCounter,
		AccCounter:      s.accCounter,
		Totals:          s.totals,
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	if err := binary.Write(&buf, binary.BigEndian, uint32(ModelVersion)); err != nil {
		return fmt.Errorf("phi.save: encode version: %w", err)
	}
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return fmt.Errorf("phi.save: encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("phi.save: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("phi.save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("phi.save: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("phi.save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("phi.save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("phi.save: %w", err)
	}

	s.dirty = false
	s.log.WithFields(logrus.Fields{
		"path":     path,
		"patients": s.totals.Patients,
		"studies":  s.totals.Studies,
	}).Debug("phi index snapshot saved")
	return nil
}

// Load reads a snapshot written by Save and rebuilds the derived tables.
// A missing file is not an error: a fresh index for the given site is
// returned so first start and restart share one code path. A snapshot with
// the wrong magic or version fails with MODEL_VERSION_MISMATCH.
func Load(path, siteID, uidRoot string, log *logrus.Entry) (*Store, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewStore(siteID, uidRoot, log), nil
	}
	if err != nil {
		return nil, fmt.Errorf("phi.load: %w", err)
	}

	if len(raw) < len(snapshotMagic)+4 || !bytes.Equal(raw[:4], snapshotMagic[:]) {
		return nil, deid.E(deid.KindModelVersionMismatch, "phi.load", "not a model snapshot")
	}
	version := binary.BigEndian.Uint32(raw[4:8])
	if version != ModelVersion {
		return nil, deid.E(deid.KindModelVersionMismatch, "phi.load",
			fmt.Sprintf("snapshot version %d, want %d", version, ModelVersion))
	}

	var state snapshotState
	if err := gob.NewDecoder(bytes.NewReader(raw[8:])).Decode(&state); err != nil {
		return nil, fmt.Errorf("phi.load: decode state: %w", err)
	}

	s := &Store{
		siteID:          state.SiteID,
		uidRoot:         state.UIDRoot,
		patientIDToAnon: state.PatientIDToAnon,
		anonToPatientID: invert(state.PatientIDToAnon),
		uidToAnon:       state.UIDToAnon,
		anonToUID:       invert(state.UIDToAnon),
		accToAnon:       state.AccToAnon,
		anonToAcc:       invert(state.AccToAnon),
		patients:        state.Patients,
		studiesByUID:    make(map[string]studyRef),
		patientCounter:  state.PatientCounter,
		uidCounter:      state.UIDCounter,
		accCounter:      state.AccCounter,
		totals:          state.Totals,
		log:             log,
	}
	for _, patient := range s.patients {
		for _, study := range patient.Studies {
			s.studiesByUID[study.StudyUID] = studyRef{patient: patient, study: study}
		}
	}

	if s.siteID != siteID {
		log.WithFields(logrus.Fields{
			"snapshot_site": s.siteID,
			"config_site":   siteID,
		}).Warn("phi index snapshot belongs to another site, keeping snapshot identity")
	}

	log.WithFields(logrus.Fields{
		"path":     path,
		"patients": s.totals.Patients,
		"studies":  s.totals.Studies,
		"version":  version,
	}).Info("phi index snapshot loaded")
	return s, nil
}

func invert(m map[string]string) map[string]string {
	inv := make(map[string]string, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}
