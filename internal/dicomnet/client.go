package dicomnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/vr"
	"github.com/codeninja55/go-radx/dimse/dul"
	"github.com/codeninja55/go-radx/dimse/scu"
	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/deid"
)

// DefaultMaxPDULength is offered on every association.
const DefaultMaxPDULength = 16384

// Endpoint identifies the two AEs of an association.
type Endpoint struct {
	CallingAETitle string
	CalledAETitle  string
	RemoteAddr     string
}

// Timeouts bounds the phases of an association. Connect covers TCP dialing
// plus association negotiation, Request a single exchange, Overall a
// multi-response operation such as C-FIND. Zero disables the bound.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
	Overall time.Duration
}

// Session is one open association to a remote AE. Sessions are not safe for
// concurrent use; orchestrators open one per worker.
type Session struct {
	client *scu.Client
	ep     Endpoint
	tm     Timeouts
	log    *logrus.Entry
}

// Dial opens an association with the given presentation contexts.
func Dial(ctx context.Context, ep Endpoint, tm Timeouts, contexts []dul.PresentationContextRQ, log *logrus.Entry) (*Session, error) {
	client := scu.NewClient(scu.Config{
		CallingAETitle:       ep.CallingAETitle,
		CalledAETitle:        ep.CalledAETitle,
		RemoteAddr:           ep.RemoteAddr,
		MaxPDULength:         DefaultMaxPDULength,
		PresentationContexts: contexts,
	})

	dialCtx, cancel := bound(ctx, tm.Connect)
	defer cancel()

	if err := client.Connect(dialCtx); err != nil {
		return nil, Classify("associate "+ep.CalledAETitle, err)
	}

	log.WithFields(logrus.Fields{
		"calling": ep.CallingAETitle,
		"called":  ep.CalledAETitle,
		"addr":    ep.RemoteAddr,
	}).Debug("association established")

	return &Session{client: client, ep: ep, tm: tm, log: log}, nil
}

// Close releases the association.
func (s *Session) Close(ctx context.Context) error {
	closeCtx, cancel := bound(ctx, s.tm.Request)
	defer cancel()
	if err := s.client.Close(closeCtx); err != nil {
		return Classify("release "+s.ep.CalledAETitle, err)
	}
	return nil
}

// Echo performs C-ECHO against the peer.
func (s *Session) Echo(ctx context.Context) error {
	echoCtx, cancel := bound(ctx, s.tm.Request)
	defer cancel()
	return Classify("echo "+s.ep.CalledAETitle, s.client.Echo(echoCtx))
}

// StudyQuery carries the C-FIND matching keys for a study-level query.
// Empty fields become universal matches.
type StudyQuery struct {
	PatientName       string `json:"patient_name,omitempty"`
	PatientID         string `json:"patient_id,omitempty"`
	StudyDate         string `json:"study_date,omitempty"` // single date or DICOM range
	AccessionNumber   string `json:"accession_number,omitempty"`
	ModalitiesInStudy string `json:"modalities_in_study,omitempty"`
	StudyInstanceUID  string `json:"study_uid,omitempty"`
}

// StudyResult is one study-level C-FIND match.
type StudyResult struct {
	PatientName              string   `json:"patient_name"`
	PatientID                string   `json:"patient_id"`
	StudyDate                string   `json:"study_date"`
	StudyDescription         string   `json:"study_description"`
	AccessionNumber          string   `json:"accession_number"`
	StudyInstanceUID         string   `json:"study_uid"`
	ModalitiesInStudy        []string `json:"modalities_in_study"`
	NumStudyRelatedSeries    int      `json:"num_series"`
	NumStudyRelatedInstances int      `json:"num_instances"`
}

// SeriesResult is one series-level C-FIND match. NumInstances is -1 when the
// peer did not return NumberOfSeriesRelatedInstances.
type SeriesResult struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	SeriesDescription string
	NumInstances      int
}

// InstanceResult is one image-level C-FIND match.
type InstanceResult struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    int
}

// FindStudies runs a study-level C-FIND and collects every match.
func (s *Session) FindStudies(ctx context.Context, q StudyQuery) ([]StudyResult, error) {
	query := dicom.NewDataSet()
	fields := []struct {
		tag tag.Tag
		vr  vr.VR
		val string
	}{
		{TagPatientName, vr.PersonName, q.PatientName},
		{TagPatientID, vr.LongString, q.PatientID},
		{TagStudyDate, vr.Date, q.StudyDate},
		{TagAccessionNumber, vr.ShortString, q.AccessionNumber},
		{TagModalitiesInStudy, vr.CodeString, q.ModalitiesInStudy},
		{TagStudyInstanceUID, vr.UniqueIdentifier, q.StudyInstanceUID},
		{TagStudyDescription, vr.LongString, ""},
		{TagNumberOfStudyRelatedSeries, vr.IntegerString, ""},
		{TagNumberOfStudyRelatedInstances, vr.IntegerString, ""},
	}
	for _, f := range fields {
		if err := SetString(query, f.tag, f.vr, f.val); err != nil {
			return nil, err
		}
	}

	var results []StudyResult
	findCtx, cancel := bound(ctx, s.tm.Overall)
	defer cancel()

	err := s.client.Find(findCtx, "STUDY", StudyRootQueryRetrieveInformationModelFind, query,
		func(match *dicom.DataSet) error {
			r := StudyResult{
				PatientName:       AttrString(match, TagPatientName),
				PatientID:         AttrString(match, TagPatientID),
				StudyDate:         AttrString(match, TagStudyDate),
				StudyDescription:  AttrString(match, TagStudyDescription),
				AccessionNumber:   AttrString(match, TagAccessionNumber),
				StudyInstanceUID:  AttrString(match, TagStudyInstanceUID),
				ModalitiesInStudy: AttrStrings(match, TagModalitiesInStudy),
			}
			r.NumStudyRelatedSeries, _ = AttrInt(match, TagNumberOfStudyRelatedSeries)
			r.NumStudyRelatedInstances, _ = AttrInt(match, TagNumberOfStudyRelatedInstances)
			results = append(results, r)
			return nil
		})
	if err != nil {
		return nil, Classify("find studies on "+s.ep.CalledAETitle, err)
	}
	return results, nil
}

// FindSeries runs a series-level C-FIND scoped to one study.
func (s *Session) FindSeries(ctx context.Context, studyUID string) ([]SeriesResult, error) {
	query := dicom.NewDataSet()
	if err := errJoin(
		SetString(query, TagStudyInstanceUID, vr.UniqueIdentifier, studyUID),
		SetString(query, TagSeriesInstanceUID, vr.UniqueIdentifier, ""),
		SetString(query, TagModality, vr.CodeString, ""),
		SetString(query, TagSeriesDescription, vr.LongString, ""),
		SetString(query, TagNumberOfSeriesRelatedInstances, vr.IntegerString, ""),
	); err != nil {
		return nil, err
	}

	var results []SeriesResult
	findCtx, cancel := bound(ctx, s.tm.Overall)
	defer cancel()

	err := s.client.Find(findCtx, "SERIES", StudyRootQueryRetrieveInformationModelFind, query,
		func(match *dicom.DataSet) error {
			r := SeriesResult{
				StudyInstanceUID:  AttrString(match, TagStudyInstanceUID),
				SeriesInstanceUID: AttrString(match, TagSeriesInstanceUID),
				Modality:          AttrString(match, TagModality),
				SeriesDescription: AttrString(match, TagSeriesDescription),
				NumInstances:      -1,
			}
			if n, ok := AttrInt(match, TagNumberOfSeriesRelatedInstances); ok {
				r.NumInstances = n
			}
			results = append(results, r)
			return nil
		})
	if err != nil {
		return nil, Classify("find series on "+s.ep.CalledAETitle, err)
	}
	return results, nil
}

// FindInstances runs an image-level C-FIND. With seriesUID empty the query
// spans the whole study.
func (s *Session) FindInstances(ctx context.Context, studyUID, seriesUID string) ([]InstanceResult, error) {
	query := dicom.NewDataSet()
	if err := errJoin(
		SetString(query, TagStudyInstanceUID, vr.UniqueIdentifier, studyUID),
		SetString(query, TagSeriesInstanceUID, vr.UniqueIdentifier, seriesUID),
		SetString(query, TagSOPInstanceUID, vr.UniqueIdentifier, ""),
		SetString(query, TagSOPClassUID, vr.UniqueIdentifier, ""),
		SetString(query, TagInstanceNumber, vr.IntegerString, ""),
	); err != nil {
		return nil, err
	}

	var results []InstanceResult
	findCtx, cancel := bound(ctx, s.tm.Overall)
	defer cancel()

	err := s.client.Find(findCtx, "IMAGE", StudyRootQueryRetrieveInformationModelFind, query,
		func(match *dicom.DataSet) error {
			r := InstanceResult{
				StudyInstanceUID:  AttrString(match, TagStudyInstanceUID),
				SeriesInstanceUID: AttrString(match, TagSeriesInstanceUID),
				SOPInstanceUID:    AttrString(match, TagSOPInstanceUID),
				SOPClassUID:       AttrString(match, TagSOPClassUID),
			}
			r.InstanceNumber, _ = AttrInt(match, TagInstanceNumber)
			results = append(results, r)
			return nil
		})
	if err != nil {
		return nil, Classify("find instances on "+s.ep.CalledAETitle, err)
	}
	return results, nil
}

// MoveIdentifier scopes a C-MOVE request. Level follows the populated UIDs:
// study only, study+series, or study+series+instance.
type MoveIdentifier struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// Level returns the retrieve level CS value for the identifier.
func (m MoveIdentifier) Level() string {
	switch {
	case m.SOPInstanceUID != "":
		return "IMAGE"
	case m.SeriesInstanceUID != "":
		return "SERIES"
	default:
		return "STUDY"
	}
}

// Move issues a C-MOVE directing the peer to send the identified scope to
// destAET. Blocks until the peer reports completion; the caller bounds the
// wait through ctx.
func (s *Session) Move(ctx context.Context, destAET string, ident MoveIdentifier) error {
	query := dicom.NewDataSet()
	if err := SetString(query, TagQueryRetrieveLevel, vr.CodeString, ident.Level()); err != nil {
		return err
	}
	if err := SetString(query, TagStudyInstanceUID, vr.UniqueIdentifier, ident.StudyInstanceUID); err != nil {
		return err
	}
	if ident.SeriesInstanceUID != "" {
		if err := SetString(query, TagSeriesInstanceUID, vr.UniqueIdentifier, ident.SeriesInstanceUID); err != nil {
			return err
		}
	}
	if ident.SOPInstanceUID != "" {
		if err := SetString(query, TagSOPInstanceUID, vr.UniqueIdentifier, ident.SOPInstanceUID); err != nil {
			return err
		}
	}

	err := s.client.Move(ctx, StudyRootQueryRetrieveInformationModelMove, destAET, query)
	return Classify("move "+ident.Level()+" to "+destAET, err)
}

// Store performs C-STORE of the dataset on the open association.
func (s *Session) Store(ctx context.Context, ds *dicom.DataSet) error {
	sopClass := AttrString(ds, TagSOPClassUID)
	sopInstance := AttrString(ds, TagSOPInstanceUID)

	storeCtx, cancel := bound(ctx, s.tm.Request)
	defer cancel()

	err := s.client.Store(storeCtx, ds, sopClass, sopInstance)
	return Classify("store "+sopInstance+" to "+s.ep.CalledAETitle, err)
}

// Classify maps a transport error to the service error taxonomy. Unmatched
// errors pass through wrapped with the operation name.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return deid.Wrap(deid.KindNetworkTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return deid.Wrap(deid.KindCancelled, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return deid.Wrap(deid.KindNetworkTimeout, op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "reject"):
		return deid.Wrap(deid.KindAssociationRejected, op, err)
	case strings.Contains(msg, "abort"):
		return deid.Wrap(deid.KindPeerAbort, op, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return deid.Wrap(deid.KindNetworkTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func errJoin(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
