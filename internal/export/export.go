// Package export sends anonymized patients to a remote destination, either a
// DICOM SCP over C-STORE or an S3 bucket behind a Cognito identity pool. Each
// patient is handled by one worker: enumerate the stored files, ask the
// destination which instances it already holds, send the rest in batches and
// stream progress back to the caller.
package export

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/metrics"
	"github.com/savegress/dicomveil/internal/storage"
)

const (
	// exportWorkers bounds concurrent patient exports. Destinations are
	// opened per worker, so this also caps open associations and clients.
	exportWorkers = 4

	// defaultBatchSize is how many files go out between abort checks and
	// progress updates.
	defaultBatchSize = 10
)

// File is one stored instance scheduled for export. All identifiers are
// anonymous; Path points into local storage.
type File struct {
	Path      string
	PatientID string
	StudyUID  string
	SeriesUID string
	SOPUID    string
}

// Destination receives anonymized instances. A destination instance belongs
// to one export worker and is never shared across goroutines.
type Destination interface {
	// Preflight returns the SOP instance UIDs the destination already
	// holds for the patient, so they can be skipped.
	Preflight(ctx context.Context, patientID string, files []File) (map[string]struct{}, error)
	// Send delivers one file.
	Send(ctx context.Context, f File) error
	// Close releases the destination's connection or client.
	Close(ctx context.Context) error
}

// Dialer opens a per-patient destination for the named export target.
type Dialer func(ctx context.Context, dest string) (Destination, error)

// Request is one bulk export job.
type Request struct {
	Destination string   `json:"destination"`
	PatientIDs  []string `json:"patient_ids"`
}

// PatientResponse is one progress update for one patient. The final update
// for a patient has Complete set only when every file was sent or already
// present at the destination.
type PatientResponse struct {
	PatientID string `json:"patient_id"`
	FilesSent int    `json:"files_sent"`
	Error     string `json:"error,omitempty"`
	Complete  bool   `json:"complete"`
}

// Orchestrator runs bulk patient exports.
type Orchestrator struct {
	cfg   *config.Config
	files *storage.Store
	dial  Dialer
	met   *metrics.Metrics
	log   *logrus.Entry
	batch int
}

// New builds the orchestrator. The dialer resolves destination names to open
// destinations; unknown names surface as per-patient errors.
func New(cfg *config.Config, files *storage.Store, dial Dialer, met *metrics.Metrics, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		files: files,
		dial:  dial,
		met:   met,
		log:   log,
		batch: defaultBatchSize,
	}
}

// ExportPatients starts the export and returns a channel of per-patient
// progress updates. The channel closes once every patient has emitted its
// final update; the caller must drain it. Cancelling ctx halts new batches
// and the affected patients finish incomplete.
func (o *Orchestrator) ExportPatients(ctx context.Context, req Request) (<-chan PatientResponse, error) {
	if len(req.PatientIDs) == 0 {
		return nil, fmt.Errorf("no patients requested")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("no export destination named")
	}

	out := make(chan PatientResponse, len(req.PatientIDs))
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(exportWorkers)
		for _, id := range req.PatientIDs {
			id := id
			g.Go(func() error {
				o.exportPatient(ctx, req.Destination, id, out)
				return nil
			})
		}
		g.Wait()
	}()
	return out, nil
}

// exportPatient drives one patient end to end and always emits a final
// update. Send failures are recorded and the remaining files still go out;
// cancellation stops between batches.
func (o *Orchestrator) exportPatient(ctx context.Context, dest, patientID string, out chan<- PatientResponse) {
	log := o.log.WithFields(logrus.Fields{"patient": patientID, "dest": dest})

	sent := 0
	emit := func(errMsg string, complete bool) {
		out <- PatientResponse{
			PatientID: patientID,
			FilesSent: sent,
			Error:     errMsg,
			Complete:  complete,
		}
	}
	fail := func(err error) {
		if ctx.Err() != nil || deid.IsKind(err, deid.KindCancelled) {
			log.Warn("patient export cancelled")
			emit("", false)
			return
		}
		o.met.ExportErrors.Inc()
		log.WithError(err).Error("patient export failed")
		emit(err.Error(), false)
	}

	files, err := o.enumerate(patientID)
	if err != nil {
		fail(err)
		return
	}

	d, err := o.dial(ctx, dest)
	if err != nil {
		fail(err)
		return
	}
	defer d.Close(context.Background())

	present, err := d.Preflight(ctx, patientID, files)
	if err != nil {
		fail(err)
		return
	}
	pending := files[:0]
	for _, f := range files {
		if _, ok := present[f.SOPUID]; !ok {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		log.Info("every file already at destination")
		emit("", true)
		return
	}
	log.WithFields(logrus.Fields{
		"files":   len(files),
		"pending": len(pending),
	}).Info("starting patient export")

	var firstErr error
	failures := 0
	for start := 0; start < len(pending); start += o.batch {
		if ctx.Err() != nil {
			log.Warn("patient export cancelled")
			emit("", false)
			return
		}
		end := start + o.batch
		if end > len(pending) {
			end = len(pending)
		}
		for _, f := range pending[start:end] {
			if err := d.Send(ctx, f); err != nil {
				if ctx.Err() != nil || deid.IsKind(err, deid.KindCancelled) {
					log.Warn("patient export cancelled")
					emit("", false)
					return
				}
				o.met.ExportErrors.Inc()
				failures++
				if firstErr == nil {
					firstErr = err
				}
				log.WithError(err).WithField("sop_uid", f.SOPUID).Error("file send failed")
				emit(err.Error(), false)
				continue
			}
			sent++
			o.met.ExportFiles.Inc()
		}
		emit("", false)
	}

	if failures > 0 {
		emit(fmt.Sprintf("%d of %d files not delivered: %v", failures, len(pending), firstErr), false)
		return
	}
	log.WithField("sent", sent).Info("patient export finished")
	emit("", true)
}

// enumerate lists the stored files of one patient in stable order.
func (o *Orchestrator) enumerate(patientID string) ([]File, error) {
	if !o.files.HasPatient(patientID) {
		return nil, deid.E(deid.KindStorageError, "export.enumerate", "no stored files for patient "+patientID)
	}
	studies, err := o.files.StudyUIDs(patientID)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, studyUID := range studies {
		refs, err := o.files.InstanceStems(patientID, studyUID)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			files = append(files, File{
				Path:      o.files.InstancePath(patientID, studyUID, ref.SeriesUID, ref.SOPUID),
				PatientID: patientID,
				StudyUID:  studyUID,
				SeriesUID: ref.SeriesUID,
				SOPUID:    ref.SOPUID,
			})
		}
	}
	return files, nil
}
