package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/hierarchy"
)

const (
	// moveWorkers bounds how many studies are retrieved at once. Remote
	// archives throttle hard when hammered with parallel C-MOVEs.
	moveWorkers = 2

	// arrivalPollInterval is how often the index is checked for newly
	// ingested instances while a move pass drains.
	arrivalPollInterval = 250 * time.Millisecond
)

// State is the lifecycle state of one study retrieval.
type State string

const (
	StateMoving    State = "MOVING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// StudyRequest names one study to retrieve.
type StudyRequest struct {
	StudyUID  string `json:"study_uid"`
	PatientID string `json:"patient_id,omitempty"`
}

// MoveRequest is one retrieval job against a remote archive.
type MoveRequest struct {
	Node    config.Node    `json:"node"`
	DestAET string         `json:"dest_ae_title,omitempty"`
	Level   string         `json:"level,omitempty"`
	Studies []StudyRequest `json:"studies"`
}

// StudyMoveStatus is one progress update for one study.
type StudyMoveStatus struct {
	StudyUID  string              `json:"study_uid"`
	PatientID string              `json:"patient_id,omitempty"`
	State     State               `json:"state"`
	Stats     hierarchy.MoveStats `json:"stats"`
	Received  int                 `json:"received"`
	Error     string              `json:"error,omitempty"`
}

// MoveStudies starts retrieval of the requested studies and returns a
// channel of per-study progress updates. The channel closes once every
// study has reached a terminal state; the caller must drain it. Cancelling
// ctx aborts running studies and queued studies finish as CANCELLED.
func (o *Orchestrator) MoveStudies(ctx context.Context, req MoveRequest) (<-chan StudyMoveStatus, error) {
	if req.Level == "" {
		req.Level = LevelStudy
	}
	if !ValidLevel(req.Level) {
		return nil, fmt.Errorf("unknown retrieve level %q", req.Level)
	}
	if req.DestAET == "" {
		req.DestAET = o.cfg.SCP.AETitle
	}
	if len(req.Studies) == 0 {
		return nil, fmt.Errorf("no studies requested")
	}

	out := make(chan StudyMoveStatus, len(req.Studies))
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(moveWorkers)
		for _, sr := range req.Studies {
			sr := sr
			g.Go(func() error {
				o.moveStudy(ctx, req, sr, out)
				return nil
			})
		}
		g.Wait()
	}()
	return out, nil
}

// moveStudy drives one study end to end: probe, prune, move, drain, and a
// single step-down retry for whatever the first pass left behind.
func (o *Orchestrator) moveStudy(ctx context.Context, req MoveRequest, sr StudyRequest, out chan<- StudyMoveStatus) {
	log := o.log.WithFields(logrus.Fields{"study_uid": sr.StudyUID, "level": req.Level})
	study := hierarchy.NewStudy(dicomnet.StudyResult{StudyInstanceUID: sr.StudyUID, PatientID: sr.PatientID})
	seriesStored := o.seriesStoredFn(sr.StudyUID)

	emit := func(state State, errMsg string) {
		out <- StudyMoveStatus{
			StudyUID:  sr.StudyUID,
			PatientID: sr.PatientID,
			State:     state,
			Stats:     study.Stats(),
			Received:  study.Received(),
			Error:     errMsg,
		}
	}
	finish := func(state State, errMsg string) {
		o.met.MoveStudies.WithLabelValues(strings.ToLower(string(state))).Inc()
		emit(state, errMsg)
		entry := log.WithFields(logrus.Fields{"state": string(state), "received": study.Received()})
		switch state {
		case StateCompleted:
			entry.Info("study retrieval finished")
		case StateCancelled:
			entry.Warn("study retrieval cancelled")
		default:
			entry.WithField("error", errMsg).Error("study retrieval failed")
		}
	}
	failOrCancel := func(err error) {
		if ctx.Err() != nil || deid.IsKind(err, deid.KindCancelled) {
			finish(StateCancelled, "")
			return
		}
		finish(StateFailed, err.Error())
	}

	if strings.TrimSpace(sr.StudyUID) == "" {
		finish(StateFailed, "missing study instance uid")
		return
	}
	if ctx.Err() != nil {
		finish(StateCancelled, "")
		return
	}

	sess, err := o.dial(ctx, req.Node)
	if err != nil {
		failOrCancel(err)
		return
	}
	if err := o.probeStudy(ctx, sess, study, req.Level); err != nil {
		sess.Close(context.Background())
		failOrCancel(err)
		return
	}

	baseline := o.index.InstanceCountForStudy(sr.StudyUID)
	pending := study.PruneStored(o.instanceStored, seriesStored)
	if pending == 0 {
		sess.Close(context.Background())
		log.Info("study already stored, nothing to move")
		finish(StateCompleted, "")
		return
	}
	study.UpdateMoveStats(pending, 0, 0, 0)
	log.WithFields(logrus.Fields{
		"series":  study.SeriesCount(),
		"pending": pending,
		"dest":    req.DestAET,
	}).Info("starting study move")
	emit(StateMoving, "")

	progress := func() {
		study.NoteReceived(o.index.InstanceCountForStudy(sr.StudyUID) - baseline)
		emit(StateMoving, "")
	}

	moveErr := o.issueMoves(ctx, sess, req.DestAET, study, req.Level, nil, progress)
	sess.Close(context.Background())

	o.awaitArrivals(ctx, study, sr.StudyUID, baseline, pending)
	parts := study.MissingParts(o.instanceStored, seriesStored)

	if len(parts) > 0 && ctx.Err() == nil && !deid.IsKind(moveErr, deid.KindCancelled) {
		if retry := stepDown(req.Level); retry != "" {
			log.WithFields(logrus.Fields{
				"missing":     shortTotal(parts),
				"retry_level": retry,
			}).Warn("move pass incomplete, stepping down a level")
			var moved bool
			var rerr error
			parts, moved, rerr = o.retryPass(ctx, req, study, retry, parts, seriesStored, progress)
			if rerr != nil && moveErr == nil {
				moveErr = rerr
			}
			if moved {
				o.awaitArrivals(ctx, study, sr.StudyUID, baseline, pending)
				parts = study.MissingParts(o.instanceStored, seriesStored)
			}
		}
	}

	if ctx.Err() != nil {
		finish(StateCancelled, "")
		return
	}

	short := shortTotal(parts)
	study.UpdateMoveStats(0, study.Received(), short, 0)
	if len(parts) == 0 {
		finish(StateCompleted, "")
		return
	}
	msg := fmt.Sprintf("%d of %d instances not delivered", short, pending)
	if moveErr != nil {
		msg += ": " + moveErr.Error()
	}
	finish(StateFailed, msg)
}

// probeStudy folds the remote tree for one study. The series level is
// always probed; instance-level retrieval adds a per-series image probe.
func (o *Orchestrator) probeStudy(ctx context.Context, sess Session, study *hierarchy.Study, level string) error {
	series, err := sess.FindSeries(ctx, study.StudyUID)
	if err != nil {
		return err
	}
	for _, r := range series {
		if reason := study.FoldSeries(r, o.modalityAllowed); reason != "" {
			o.log.WithFields(logrus.Fields{
				"study_uid":  study.StudyUID,
				"series_uid": r.SeriesInstanceUID,
				"reason":     reason,
			}).Debug("series skipped")
		}
	}
	if level == LevelInstance {
		for _, se := range study.SeriesList() {
			results, err := sess.FindInstances(ctx, study.StudyUID, se.SeriesUID)
			if err != nil {
				return err
			}
			for _, r := range results {
				if reason := study.FoldInstance(r, o.classAllowed); reason != "" {
					o.log.WithFields(logrus.Fields{
						"study_uid": study.StudyUID,
						"sop_uid":   r.SOPInstanceUID,
						"reason":    reason,
					}).Debug("instance skipped")
				}
			}
		}
	}
	return study.Validate(level == LevelInstance)
}

// retryPass reopens an association and moves the missing parts one level
// down. Stepping down to instance level first resolves instances for any
// series only known by count, so the sub-moves can address them. The
// returned parts are what was actually requested; moved reports whether
// any sub-move was issued.
func (o *Orchestrator) retryPass(ctx context.Context, req MoveRequest, study *hierarchy.Study, level string, parts []hierarchy.MissingSeries, seriesStored func(string) int, progress func()) ([]hierarchy.MissingSeries, bool, error) {
	sess, err := o.dial(ctx, req.Node)
	if err != nil {
		return parts, false, err
	}
	defer sess.Close(context.Background())

	if level == LevelInstance {
		for _, p := range parts {
			if len(p.SOPUIDs) > 0 {
				continue
			}
			results, ferr := sess.FindInstances(ctx, study.StudyUID, p.SeriesUID)
			if ferr != nil {
				return parts, false, ferr
			}
			for _, r := range results {
				if reason := study.FoldInstance(r, o.classAllowed); reason != "" {
					o.log.WithFields(logrus.Fields{
						"study_uid": study.StudyUID,
						"sop_uid":   r.SOPInstanceUID,
						"reason":    reason,
					}).Debug("instance skipped")
				}
			}
		}
		study.PruneStored(o.instanceStored, seriesStored)
		parts = study.MissingParts(o.instanceStored, seriesStored)
		if len(parts) == 0 {
			return nil, false, nil
		}
	}
	return parts, true, o.issueMoves(ctx, sess, req.DestAET, study, level, parts, progress)
}

// issueMoves walks the tree and issues one C-MOVE per addressable unit at
// the given level. A non-nil parts restricts the walk to what a previous
// pass left missing. Sub-move failures are logged and the first one kept;
// cancellation stops the walk.
func (o *Orchestrator) issueMoves(ctx context.Context, sess Session, destAET string, study *hierarchy.Study, level string, parts []hierarchy.MissingSeries, progress func()) error {
	var firstErr error
	for _, ident := range buildIdents(study, level, parts) {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = deid.Wrap(deid.KindCancelled, "retrieve.move", err)
			}
			break
		}
		if err := sess.Move(ctx, destAET, ident); err != nil {
			if deid.IsKind(err, deid.KindCancelled) {
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			o.log.WithError(err).WithFields(logrus.Fields{
				"study_uid":  ident.StudyInstanceUID,
				"series_uid": ident.SeriesInstanceUID,
				"sop_uid":    ident.SOPInstanceUID,
			}).Warn("sub-move failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		progress()
	}
	return firstErr
}

// buildIdents expands a study tree into move identifiers for one level. A
// series the probe never resolved falls back to a series-level identifier
// even at instance level.
func buildIdents(study *hierarchy.Study, level string, parts []hierarchy.MissingSeries) []dicomnet.MoveIdentifier {
	switch level {
	case LevelStudy:
		return []dicomnet.MoveIdentifier{{StudyInstanceUID: study.StudyUID}}

	case LevelSeries:
		if parts != nil {
			out := make([]dicomnet.MoveIdentifier, 0, len(parts))
			for _, p := range parts {
				out = append(out, dicomnet.MoveIdentifier{
					StudyInstanceUID:  study.StudyUID,
					SeriesInstanceUID: p.SeriesUID,
				})
			}
			return out
		}
		sl := study.SeriesList()
		out := make([]dicomnet.MoveIdentifier, 0, len(sl))
		for _, se := range sl {
			out = append(out, dicomnet.MoveIdentifier{
				StudyInstanceUID:  study.StudyUID,
				SeriesInstanceUID: se.SeriesUID,
			})
		}
		return out

	case LevelInstance:
		var out []dicomnet.MoveIdentifier
		if parts != nil {
			for _, p := range parts {
				if len(p.SOPUIDs) == 0 {
					out = append(out, dicomnet.MoveIdentifier{
						StudyInstanceUID:  study.StudyUID,
						SeriesInstanceUID: p.SeriesUID,
					})
					continue
				}
				for _, sop := range p.SOPUIDs {
					out = append(out, dicomnet.MoveIdentifier{
						StudyInstanceUID:  study.StudyUID,
						SeriesInstanceUID: p.SeriesUID,
						SOPInstanceUID:    sop,
					})
				}
			}
			return out
		}
		for _, se := range study.SeriesList() {
			if len(se.Instances) == 0 {
				out = append(out, dicomnet.MoveIdentifier{
					StudyInstanceUID:  study.StudyUID,
					SeriesInstanceUID: se.SeriesUID,
				})
				continue
			}
			sops := make([]string, 0, len(se.Instances))
			for sop := range se.Instances {
				sops = append(sops, sop)
			}
			sort.Strings(sops)
			for _, sop := range sops {
				out = append(out, dicomnet.MoveIdentifier{
					StudyInstanceUID:  study.StudyUID,
					SeriesInstanceUID: se.SeriesUID,
					SOPInstanceUID:    sop,
				})
			}
		}
		return out
	}
	return nil
}

// awaitArrivals blocks until the expected count of new instances for the
// study shows up in the index, the grace period passes without progress, or
// ctx ends. The peer delivers sub-operations over a separate association
// into the ingest pipeline, so arrival is observed through the index rather
// than the move association.
func (o *Orchestrator) awaitArrivals(ctx context.Context, study *hierarchy.Study, phiStudyUID string, baseline, want int) {
	if want <= 0 {
		return
	}
	timer := time.NewTimer(o.grace)
	defer timer.Stop()
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	last := study.Received()
	for {
		arrived := o.index.InstanceCountForStudy(phiStudyUID) - baseline
		if arrived < 0 {
			arrived = 0
		}
		study.NoteReceived(arrived)
		if arrived >= want {
			return
		}
		if arrived > last {
			last = arrived
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(o.grace)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-ticker.C:
		}
	}
}

func shortTotal(parts []hierarchy.MissingSeries) int {
	n := 0
	for _, p := range parts {
		n += p.Short
	}
	return n
}
