package phi

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// JavaExportedStudy is one row of the legacy Java anonymizer's exported
// index sheet, column order as the Java tool wrote it.
type JavaExportedStudy struct {
	AnonPatientName string
	AnonPatientID   string
	PHIPatientName  string
	PHIPatientID    string
	DateOffset      int
	AnonStudyDate   string
	PHIStudyDate    string
	AnonAccession   string
	PHIAccession    string
	AnonStudyUID    string
	PHIStudyUID     string
}

const javaIndexColumns = 11

// ReadJavaIndex reads a legacy index from disk, dispatching on the file
// extension: .xlsx for the sheet the Java tool wrote, anything else as CSV
// with the same column order.
func ReadJavaIndex(path string) ([]JavaExportedStudy, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadJavaIndexXLSX(path)
	}
	return ReadJavaIndexCSV(path)
}

// ReadJavaIndexXLSX reads a legacy index sheet. The first row is the header
// and is skipped; rows with fewer than eleven cells are skipped.
func ReadJavaIndexXLSX(path string) ([]JavaExportedStudy, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("phi.read_java_index: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("phi.read_java_index: %w", err)
	}
	return javaRowsFromCells(rows), nil
}

// ReadJavaIndexCSV reads a legacy index exported as CSV, same columns as the
// sheet layout.
func ReadJavaIndexCSV(path string) ([]JavaExportedStudy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("phi.read_java_index: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("phi.read_java_index: %w", err)
	}
	return javaRowsFromCells(rows), nil
}

func javaRowsFromCells(rows [][]string) []JavaExportedStudy {
	var studies []JavaExportedStudy
	for i, row := range rows {
		if i == 0 || len(row) < javaIndexColumns {
			continue
		}
		studies = append(studies, JavaExportedStudy{
			AnonPatientName: row[0],
			AnonPatientID:   row[1],
			PHIPatientName:  row[2],
			PHIPatientID:    row[3],
			DateOffset:      parseSheetInt(row[4]),
			AnonStudyDate:   row[5],
			PHIStudyDate:    row[6],
			AnonAccession:   row[7],
			PHIAccession:    row[8],
			AnonStudyUID:    row[9],
			PHIStudyUID:     row[10],
		})
	}
	return studies
}

// parseSheetInt tolerates the float rendering some sheet writers use for
// integer cells.
func parseSheetInt(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

// ImportJavaIndex merges legacy rows into the index. Pseudonyms recorded by
// the Java tool are kept verbatim and the sequence counters advance past the
// highest imported values, so pseudonyms assigned afterwards never collide.
// Rows whose study UID is already known are skipped, making re-import
// idempotent. Imported studies carry the Java tool's recorded date offset;
// studies captured later for the same patient use the derived offset.
func (s *Store) ImportJavaIndex(studies []JavaExportedStudy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	for _, row := range studies {
		if row.PHIStudyUID == "" || row.AnonStudyUID == "" {
			continue
		}
		if _, ok := s.uidToAnon[row.PHIStudyUID]; ok {
			continue
		}

		anonPatientID := row.AnonPatientID
		if existing, ok := s.patientIDToAnon[row.PHIPatientID]; ok {
			if existing != anonPatientID {
				s.log.WithFields(map[string]interface{}{
					"imported": anonPatientID,
					"existing": existing,
				}).Warn("java index row conflicts with assigned pseudonym, keeping existing")
			}
			anonPatientID = existing
		} else {
			s.patientIDToAnon[row.PHIPatientID] = anonPatientID
			s.anonToPatientID[anonPatientID] = row.PHIPatientID
			s.advancePatientCounterLocked(anonPatientID)
		}

		s.uidToAnon[row.PHIStudyUID] = row.AnonStudyUID
		s.anonToUID[row.AnonStudyUID] = row.PHIStudyUID
		s.advanceUIDCounterLocked(row.AnonStudyUID)

		if row.PHIAccession != "" && row.AnonAccession != "" {
			if _, ok := s.accToAnon[row.PHIAccession]; !ok {
				s.accToAnon[row.PHIAccession] = row.AnonAccession
				s.anonToAcc[row.AnonAccession] = row.PHIAccession
				s.advanceAccCounterLocked(row.AnonAccession)
			}
		}

		patient, ok := s.patients[anonPatientID]
		if !ok {
			patient = &Patient{PatientID: row.PHIPatientID, PatientName: row.PHIPatientName}
			s.patients[anonPatientID] = patient
			s.totals.Patients++
		}
		study := &Study{
			StudyUID:        row.PHIStudyUID,
			StudyDate:       row.PHIStudyDate,
			AccessionNumber: row.PHIAccession,
			DateDelta:       row.DateOffset,
		}
		patient.Studies = append(patient.Studies, study)
		s.studiesByUID[row.PHIStudyUID] = studyRef{patient: patient, study: study}
		s.totals.Studies++
		imported++
	}

	if imported > 0 {
		s.dirty = true
	}
	return imported, nil
}

func (s *Store) advancePatientCounterLocked(anonPatientID string) {
	i := strings.LastIndex(anonPatientID, "-")
	if i < 0 {
		return
	}
	n, err := strconv.ParseUint(anonPatientID[i+1:], 10, 64)
	if err != nil {
		return
	}
	if n+1 > s.patientCounter {
		s.patientCounter = n + 1
	}
}

func (s *Store) advanceUIDCounterLocked(anonUID string) {
	prefix := fmt.Sprintf("%s.%s.", s.uidRoot, s.siteID)
	if !strings.HasPrefix(anonUID, prefix) {
		return
	}
	n, err := strconv.ParseUint(anonUID[len(prefix):], 10, 64)
	if err != nil {
		return
	}
	if n+1 > s.uidCounter {
		s.uidCounter = n + 1
	}
}

func (s *Store) advanceAccCounterLocked(anonAcc string) {
	n, err := strconv.ParseUint(anonAcc, 10, 64)
	if err != nil {
		return
	}
	if n+1 > s.accCounter {
		s.accCounter = n + 1
	}
}
