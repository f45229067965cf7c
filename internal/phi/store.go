// Package phi holds the pseudonymization index: the bijective lookup tables
// mapping protected identifiers to their anonymous replacements, the captured
// patient/study/series tree, and the versioned snapshot that persists both.
// The tables are the source of truth for every pseudonym the service has ever
// issued; losing them orphans the de-identified archive.
package phi

import (
	"crypto/md5" // #nosec G501 -- fingerprint for date shifting, not cryptography
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/deid"
)

const (
	// MaxPatients bounds the number of distinct non-default patients one
	// site can pseudonymize with the 6-digit suffix scheme.
	MaxPatients = 1_000_000

	// DateShiftModulus bounds the per-patient date shift to ten years.
	DateShiftModulus = 3652

	// DefaultAnonDate replaces dates that cannot be parsed or predate the
	// DICOM epoch cut-off.
	DefaultAnonDate = "20000101"

	dateLayout = "20060102"
)

// Series is one captured series of a study. Instances is the set of SOP
// instance UIDs accepted into storage, not instances advertised by a remote
// archive; membership makes re-capture of a retransmitted instance a no-op.
type Series struct {
	SeriesUID   string
	Description string
	Modality    string
	Instances   map[string]struct{}
}

// Study is one captured study with its protected values.
type Study struct {
	StudyUID        string
	StudyDate       string
	Description     string
	AccessionNumber string
	Source          string
	DateDelta       int
	Series          []*Series
}

// Patient is one captured patient with its protected values. PatientID is
// empty for the default patient.
type Patient struct {
	PatientID   string
	PatientName string
	Sex         string
	BirthDate   string
	EthnicGroup string
	Studies     []*Study
}

// Totals are O(1) running counts over the captured tree.
type Totals struct {
	Patients  int `json:"patients"`
	Studies   int `json:"studies"`
	Series    int `json:"series"`
	Instances int `json:"instances"`
}

// Instance carries the protected values captured from one incoming instance.
type Instance struct {
	PatientID         string
	PatientName       string
	PatientSex        string
	PatientBirthDate  string
	EthnicGroup       string
	StudyUID          string
	StudyDate         string
	StudyDescription  string
	AccessionNumber   string
	SeriesUID         string
	SeriesDescription string
	Modality          string
	SOPUID            string
	Source            string
}

type studyRef struct {
	patient *Patient
	study   *Study
}

// Store is the pseudonymization index. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	siteID  string
	uidRoot string

	patientIDToAnon map[string]string
	anonToPatientID map[string]string
	uidToAnon       map[string]string
	anonToUID       map[string]string
	accToAnon       map[string]string
	anonToAcc       map[string]string

	// patients is keyed by anonymous patient ID; the tree stores protected
	// values, pseudonyms are derived through the tables.
	patients map[string]*Patient

	// studiesByUID indexes the tree by protected study UID.
	studiesByUID map[string]studyRef

	patientCounter uint64
	uidCounter     uint64
	accCounter     uint64

	totals Totals
	dirty  bool

	log *logrus.Entry
}

// NewStore creates an empty index for the site. The default patient mapping
// is seeded immediately so blank PatientID values resolve without counting
// against capacity.
func NewStore(siteID, uidRoot string, log *logrus.Entry) *Store {
	s := &Store{
		siteID:          siteID,
		uidRoot:         uidRoot,
		patientIDToAnon: make(map[string]string),
		anonToPatientID: make(map[string]string),
		uidToAnon:       make(map[string]string),
		anonToUID:       make(map[string]string),
		accToAnon:       make(map[string]string),
		anonToAcc:       make(map[string]string),
		patients:        make(map[string]*Patient),
		studiesByUID:    make(map[string]studyRef),
		patientCounter:  1,
		uidCounter:      1,
		accCounter:      1,
		log:             log,
	}
	def := s.defaultPatientID()
	s.patientIDToAnon[""] = def
	s.anonToPatientID[def] = ""
	return s
}

// SiteID returns the site identifier embedded in every pseudonym.
func (s *Store) SiteID() string { return s.siteID }

// UIDRoot returns the UID root for generated UIDs.
func (s *Store) UIDRoot() string { return s.uidRoot }

func (s *Store) defaultPatientID() string {
	return fmt.Sprintf("%s-%06d", s.siteID, 0)
}

// AnonymizePatientID returns the stable pseudonym for a protected patient ID,
// assigning the next one when unseen. A blank protected ID maps to the
// default patient. Assignment fails with CAPACITY_EXCEEDED once MaxPatients
// distinct patients have pseudonyms.
func (s *Store) AnonymizePatientID(phiPatientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if anon, ok := s.patientIDToAnon[phiPatientID]; ok {
		return anon, nil
	}
	if s.patientCounter > MaxPatients {
		return "", deid.E(deid.KindCapacityExceeded, "phi.anonymize_patient", s.siteID)
	}
	anon := fmt.Sprintf("%s-%06d", s.siteID, s.patientCounter)
	s.patientCounter++
	s.patientIDToAnon[phiPatientID] = anon
	s.anonToPatientID[anon] = phiPatientID
	s.dirty = true
	return anon, nil
}

// AnonymizeUID returns the stable anonymous UID for a protected UID,
// assigning the next one from the global counter when unseen.
func (s *Store) AnonymizeUID(phiUID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymizeUIDLocked(phiUID)
}

func (s *Store) anonymizeUIDLocked(phiUID string) string {
	if anon, ok := s.uidToAnon[phiUID]; ok {
		return anon
	}
	anon := fmt.Sprintf("%s.%s.%d", s.uidRoot, s.siteID, s.uidCounter)
	s.uidCounter++
	s.uidToAnon[phiUID] = anon
	s.anonToUID[anon] = phiUID
	s.dirty = true
	return anon
}

// AnonymizeAccession returns the stable anonymous accession number,
// sequential decimal from "1". Blank accessions stay blank and are never
// assigned.
func (s *Store) AnonymizeAccession(phiAccession string) string {
	if phiAccession == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if anon, ok := s.accToAnon[phiAccession]; ok {
		return anon
	}
	anon := fmt.Sprintf("%d", s.accCounter)
	s.accCounter++
	s.accToAnon[phiAccession] = anon
	s.anonToAcc[anon] = phiAccession
	s.dirty = true
	return anon
}

// LookupUID returns the anonymous UID already assigned to a protected UID
// without assigning a new one.
func (s *Store) LookupUID(phiUID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anon, ok := s.uidToAnon[phiUID]
	return anon, ok
}

// LookupPatientID returns the pseudonym already assigned to a protected
// patient ID without assigning a new one.
func (s *Store) LookupPatientID(phiPatientID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anon, ok := s.patientIDToAnon[phiPatientID]
	return anon, ok
}

// PatientIDForAnon resolves a pseudonym back to the protected patient ID.
func (s *Store) PatientIDForAnon(anon string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phi, ok := s.anonToPatientID[anon]
	return phi, ok
}

// UIDForAnon resolves an anonymous UID back to the protected UID.
func (s *Store) UIDForAnon(anon string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phi, ok := s.anonToUID[anon]
	return phi, ok
}

// DateOffset derives the constant per-patient date shift in days: the full
// 128-bit MD5 digest of the protected patient ID, big-endian, modulo
// DateShiftModulus. The fingerprint keeps the shift stable across restarts
// without storing it.
func DateOffset(phiPatientID string) int {
	sum := md5.Sum([]byte(phiPatientID)) // #nosec G401 -- stable fingerprint, not authentication
	n := new(big.Int).SetBytes(sum[:])
	return int(n.Mod(n, big.NewInt(DateShiftModulus)).Int64())
}

// ShiftDate moves a DICOM date value forward by delta days. Values longer
// than eight characters keep their time component untouched. Values that do
// not start with a parseable YYYYMMDD, or predate 19000101, collapse to
// DefaultAnonDate.
func ShiftDate(date string, delta int) string {
	if len(date) < len(dateLayout) {
		return DefaultAnonDate
	}
	day, rest := date[:len(dateLayout)], date[len(dateLayout):]
	t, err := time.Parse(dateLayout, day)
	if err != nil || t.Year() < 1900 {
		return DefaultAnonDate
	}
	return t.AddDate(0, 0, delta).Format(dateLayout) + rest
}

// Capture records the protected values of one accepted instance in the tree:
// patient and study and series records are created on first sight, the SOP
// instance UID joins the series set and running totals advance by one
// instance. A SOP UID already in its series is reported as ALREADY_PRESENT
// and changes nothing, so a retransmitted instance never inflates counts.
// Capture assigns the patient pseudonym (and with it the capacity check) but
// not study or series UID pseudonyms; those are assigned by the anonymizer
// rewrite.
func (s *Store) Capture(inst Instance) error {
	anonPatientID, err := s.AnonymizePatientID(inst.PatientID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	patient, ok := s.patients[anonPatientID]
	if !ok {
		patient = &Patient{
			PatientID:   inst.PatientID,
			PatientName: inst.PatientName,
			Sex:         inst.PatientSex,
			BirthDate:   inst.PatientBirthDate,
			EthnicGroup: inst.EthnicGroup,
		}
		s.patients[anonPatientID] = patient
		s.totals.Patients++
	}

	var study *Study
	if ref, ok := s.studiesByUID[inst.StudyUID]; ok && ref.patient == patient {
		study = ref.study
	}
	if study == nil {
		study = &Study{
			StudyUID:        inst.StudyUID,
			StudyDate:       inst.StudyDate,
			Description:     inst.StudyDescription,
			AccessionNumber: inst.AccessionNumber,
			Source:          inst.Source,
			DateDelta:       DateOffset(inst.PatientID),
		}
		patient.Studies = append(patient.Studies, study)
		s.studiesByUID[inst.StudyUID] = studyRef{patient: patient, study: study}
		s.totals.Studies++
	}

	var series *Series
	for _, sr := range study.Series {
		if sr.SeriesUID == inst.SeriesUID {
			series = sr
			break
		}
	}
	if series == nil {
		series = &Series{
			SeriesUID:   inst.SeriesUID,
			Description: inst.SeriesDescription,
			Modality:    inst.Modality,
			Instances:   make(map[string]struct{}),
		}
		study.Series = append(study.Series, series)
		s.totals.Series++
	}

	if _, ok := series.Instances[inst.SOPUID]; ok {
		return deid.E(deid.KindAlreadyPresent, "phi.capture",
			fmt.Sprintf("instance %s already captured", inst.SOPUID))
	}
	series.Instances[inst.SOPUID] = struct{}{}
	s.totals.Instances++
	s.dirty = true
	return nil
}

// Totals returns the running tree counts.
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// InstanceCountForStudy returns the number of instances captured for a
// protected study UID. Zero when the study is unknown.
func (s *Store) InstanceCountForStudy(phiStudyUID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.studiesByUID[phiStudyUID]
	if !ok {
		return 0
	}
	n := 0
	for _, sr := range ref.study.Series {
		n += len(sr.Instances)
	}
	return n
}

// SeriesCountForStudy returns the number of captured series of a protected
// study UID.
func (s *Store) SeriesCountForStudy(phiStudyUID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.studiesByUID[phiStudyUID]
	if !ok {
		return 0
	}
	return len(ref.study.Series)
}

// InstanceCountForSeries returns the number of instances captured for one
// protected series UID. Zero when study or series is unknown.
func (s *Store) InstanceCountForSeries(phiStudyUID, phiSeriesUID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.studiesByUID[phiStudyUID]
	if !ok {
		return 0
	}
	for _, sr := range ref.study.Series {
		if sr.SeriesUID == phiSeriesUID {
			return len(sr.Instances)
		}
	}
	return 0
}

// DateDeltaForPatient returns the shift applied to a protected patient ID.
func (s *Store) DateDeltaForPatient(phiPatientID string) int {
	return DateOffset(phiPatientID)
}

// RemoveStudy removes one study from the index: the anonymous UID mappings
// for the study, its series and the given instance UIDs are inverse-removed,
// the tree record is pruned, totals are adjusted. The patient record goes
// when its last study goes; pseudonym tables for patient IDs and accessions
// are never shrunk, so a re-ingested patient keeps its pseudonym.
func (s *Store) RemoveStudy(anonPatientID, anonStudyUID string, anonInstanceUIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	patient, ok := s.patients[anonPatientID]
	if !ok {
		return fmt.Errorf("phi.remove_study: unknown patient %s", anonPatientID)
	}
	phiStudyUID, ok := s.anonToUID[anonStudyUID]
	if !ok {
		return fmt.Errorf("phi.remove_study: unknown study %s", anonStudyUID)
	}

	idx := -1
	var study *Study
	for i, st := range patient.Studies {
		if st.StudyUID == phiStudyUID {
			idx, study = i, st
			break
		}
	}
	if study == nil {
		return fmt.Errorf("phi.remove_study: study %s not under patient %s", anonStudyUID, anonPatientID)
	}

	for _, anonUID := range anonInstanceUIDs {
		s.removeAnonUIDLocked(anonUID)
	}
	for _, sr := range study.Series {
		if anonSeries, ok := s.uidToAnon[sr.SeriesUID]; ok {
			s.removeAnonUIDLocked(anonSeries)
		}
		s.totals.Series--
		s.totals.Instances -= len(sr.Instances)
	}
	s.removeAnonUIDLocked(anonStudyUID)

	patient.Studies = append(patient.Studies[:idx], patient.Studies[idx+1:]...)
	delete(s.studiesByUID, phiStudyUID)
	s.totals.Studies--

	if len(patient.Studies) == 0 {
		delete(s.patients, anonPatientID)
		s.totals.Patients--
	}

	s.dirty = true
	return nil
}

func (s *Store) removeAnonUIDLocked(anonUID string) {
	phi, ok := s.anonToUID[anonUID]
	if !ok {
		return
	}
	delete(s.anonToUID, anonUID)
	delete(s.uidToAnon, phi)
}

// OwnerOfStudy resolves the anonymous patient ID a captured study belongs
// to, keyed by the study's anonymous UID.
func (s *Store) OwnerOfStudy(anonStudyUID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	phiStudyUID, ok := s.anonToUID[anonStudyUID]
	if !ok {
		return "", false
	}
	ref, ok := s.studiesByUID[phiStudyUID]
	if !ok {
		return "", false
	}
	anon, ok := s.patientIDToAnon[ref.patient.PatientID]
	return anon, ok
}

// Dirty reports whether the index changed since the last snapshot save.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}
