package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codeninja55/go-radx/dicom"

	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/phi"
)

// process runs one instance through the pipeline. Called from a worker; all
// outcomes are absorbed here so one bad instance never affects the next.
func (s *Service) process(ds *dicom.DataSet, source string) {
	start := time.Now()
	defer func() {
		s.met.AnonymizeSeconds.Observe(time.Since(start).Seconds())
		s.met.QueueDepth.Set(float64(s.pool.QueueLen()))
	}()

	path, err := s.processInstance(ds, source)
	if err != nil {
		if deid.IsKind(err, deid.KindAlreadyPresent) {
			s.log.WithField("source", source).Debug("instance already stored")
			return
		}
		s.quarantine(ds, source, err)
		return
	}
	s.met.InstancesStored.Inc()
	s.log.WithFields(logrus.Fields{
		"source": source,
		"file":   path,
	}).Debug("instance stored")
}

func (s *Service) processInstance(ds *dicom.DataSet, source string) (string, error) {
	sopClass := dicomnet.AttrString(ds, dicomnet.TagSOPClassUID)
	studyUID := dicomnet.AttrString(ds, dicomnet.TagStudyInstanceUID)
	seriesUID := dicomnet.AttrString(ds, dicomnet.TagSeriesInstanceUID)
	sopUID := dicomnet.AttrString(ds, dicomnet.TagSOPInstanceUID)

	var missing []string
	if sopClass == "" {
		missing = append(missing, "SOPClassUID")
	}
	if studyUID == "" {
		missing = append(missing, "StudyInstanceUID")
	}
	if seriesUID == "" {
		missing = append(missing, "SeriesInstanceUID")
	}
	if sopUID == "" {
		missing = append(missing, "SOPInstanceUID")
	}
	if len(missing) > 0 {
		return "", deid.E(deid.KindMissingAttributes, "ingest.validate",
			"missing "+strings.Join(missing, ", "))
	}

	if _, ok := s.allowed[sopClass]; !ok {
		return "", deid.E(deid.KindInvalidStorageClass, "ingest.validate",
			fmt.Sprintf("storage class %s not configured", sopClass))
	}

	phiPatientID := dicomnet.AttrString(ds, dicomnet.TagPatientID)
	if s.alreadyStored(phiPatientID, studyUID, seriesUID, sopUID) {
		return "", deid.E(deid.KindAlreadyPresent, "ingest.dedupe", "instance already stored")
	}

	// A SOP UID already in the index means the instance was captured but its
	// file write failed. The capture stays a no-op; the rewrite and write
	// below run again so the retransmission lands on disk.
	err := s.index.Capture(phi.Instance{
		PatientID:         phiPatientID,
		PatientName:       dicomnet.AttrString(ds, dicomnet.TagPatientName),
		PatientSex:        dicomnet.AttrString(ds, dicomnet.TagPatientSex),
		PatientBirthDate:  dicomnet.AttrString(ds, dicomnet.TagPatientBirthDate),
		EthnicGroup:       dicomnet.AttrString(ds, dicomnet.TagEthnicGroup),
		StudyUID:          studyUID,
		StudyDate:         dicomnet.AttrString(ds, dicomnet.TagStudyDate),
		StudyDescription:  dicomnet.AttrString(ds, dicomnet.TagStudyDescription),
		AccessionNumber:   dicomnet.AttrString(ds, dicomnet.TagAccessionNumber),
		SeriesUID:         seriesUID,
		SeriesDescription: dicomnet.AttrString(ds, dicomnet.TagSeriesDescription),
		Modality:          dicomnet.AttrString(ds, dicomnet.TagModality),
		SOPUID:            sopUID,
		Source:            source,
	})
	if err != nil && !deid.IsKind(err, deid.KindAlreadyPresent) {
		return "", err
	}

	out, ref, err := s.engine.Anonymize(ds)
	if err != nil {
		return "", err
	}

	return s.files.WriteInstance(out, ref.AnonPatientID, ref.AnonStudyUID, ref.AnonSeriesUID, ref.AnonSOPUID)
}

// alreadyStored is the idempotency probe: true only when every pseudonym for
// the instance exists and the file is on disk, so a retransmitted instance
// succeeds without a second write.
func (s *Service) alreadyStored(phiPatientID, studyUID, seriesUID, sopUID string) bool {
	anonPatient, ok := s.index.LookupPatientID(phiPatientID)
	if !ok {
		return false
	}
	anonStudy, ok := s.index.LookupUID(studyUID)
	if !ok {
		return false
	}
	anonSeries, ok := s.index.LookupUID(seriesUID)
	if !ok {
		return false
	}
	anonSOP, ok := s.index.LookupUID(sopUID)
	if !ok {
		return false
	}
	return s.files.Exists(anonPatient, anonStudy, anonSeries, anonSOP)
}

// quarantine diverts the unmodified original. Uncategorized failures land in
// the capture bucket.
func (s *Service) quarantine(ds *dicom.DataSet, source string, cause error) {
	category, ok := deid.CategoryFor(cause)
	if !ok {
		category = deid.CategoryCapturePHIError
	}
	s.met.InstancesQuarantined.WithLabelValues(string(category)).Inc()
	s.log.WithError(cause).WithFields(logrus.Fields{
		"source":   source,
		"category": string(category),
	}).Warn("instance diverted to quarantine")

	name := dicomnet.AttrString(ds, dicomnet.TagSOPInstanceUID)
	if _, err := s.files.QuarantineDataSet(ds, category, name); err != nil {
		s.log.WithError(err).Error("quarantine write failed")
	}
}
