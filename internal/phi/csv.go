package phi

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// csvHeader is the export column order. Consumers key on these names, the
// order is load-bearing.
var csvHeader = []string{
	"ANON_PatientID",
	"ANON_PatientName",
	"PHI_PatientID",
	"PHI_PatientName",
	"DateOffset",
	"ANON_Accession",
	"PHI_Accession",
	"ANON_StudyInstanceUID",
	"PHI_StudyInstanceUID",
	"ANON_StudyDate",
	"PHI_StudyDate",
	"NumberOfSeries",
	"NumberOfInstances",
}

// WriteCSV exports the captured index as one CSV row per study, written
// atomically into dir. The filename embeds the row count, so consecutive
// exports of a growing index never overwrite each other. Returns the path
// and the number of study rows.
func (s *Store) WriteCSV(dir, projectName string) (string, int, error) {
	s.mu.RLock()
	rows := s.csvRowsLocked()
	site := s.siteID
	s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}

	name := fmt.Sprintf("%s_%s_PHI_%d.csv", site, projectName, len(rows))
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".phi-*.csv")
	if err != nil {
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			tmp.Close()
			return "", 0, fmt.Errorf("phi.write_csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("phi.write_csv: %w", err)
	}
	return path, len(rows), nil
}

func (s *Store) csvRowsLocked() [][]string {
	anonIDs := make([]string, 0, len(s.patients))
	for anonID := range s.patients {
		anonIDs = append(anonIDs, anonID)
	}
	sort.Strings(anonIDs)

	var rows [][]string
	for _, anonID := range anonIDs {
		patient := s.patients[anonID]
		for _, study := range patient.Studies {
			instances := 0
			for _, sr := range study.Series {
				instances += len(sr.Instances)
			}
			rows = append(rows, []string{
				anonID,
				anonID,
				patient.PatientID,
				patient.PatientName,
				strconv.Itoa(study.DateDelta),
				s.accToAnon[study.AccessionNumber],
				study.AccessionNumber,
				s.uidToAnon[study.StudyUID],
				study.StudyUID,
				ShiftDate(study.StudyDate, study.DateDelta),
				study.StudyDate,
				strconv.Itoa(len(study.Series)),
				strconv.Itoa(instances),
			})
		}
	}
	return rows
}
