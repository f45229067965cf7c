// Package retrieve orchestrates study retrieval from remote archives: a
// C-FIND probe builds the expected tree, already-imported data is pruned,
// C-MOVE directs the peer at the local SCP, and arrivals are reconciled
// against the index with one automatic step-down retry for whatever the
// peer failed to deliver.
package retrieve

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/metrics"
	"github.com/savegress/dicomveil/internal/phi"
)

// Retrieve levels, finest last.
const (
	LevelStudy    = "STUDY"
	LevelSeries   = "SERIES"
	LevelInstance = "INSTANCE"
)

// ValidLevel reports whether s names a retrieve level.
func ValidLevel(s string) bool {
	switch s {
	case LevelStudy, LevelSeries, LevelInstance:
		return true
	}
	return false
}

func stepDown(level string) string {
	switch level {
	case LevelStudy:
		return LevelSeries
	case LevelSeries:
		return LevelInstance
	}
	return ""
}

// Session is the slice of an open association the orchestrator drives.
// *dicomnet.Session implements it.
type Session interface {
	Echo(ctx context.Context) error
	FindStudies(ctx context.Context, q dicomnet.StudyQuery) ([]dicomnet.StudyResult, error)
	FindSeries(ctx context.Context, studyUID string) ([]dicomnet.SeriesResult, error)
	FindInstances(ctx context.Context, studyUID, seriesUID string) ([]dicomnet.InstanceResult, error)
	Move(ctx context.Context, destAET string, ident dicomnet.MoveIdentifier) error
	Close(ctx context.Context) error
}

// Dialer opens an association to a remote query/retrieve node.
type Dialer func(ctx context.Context, node config.Node) (Session, error)

// Orchestrator runs queries and study retrievals against remote archives.
type Orchestrator struct {
	cfg   *config.Config
	dial  Dialer
	index *phi.Store
	met   *metrics.Metrics
	log   *logrus.Entry

	modalityAllowed func(string) bool
	classAllowed    func(string) bool

	// poll and grace pace the arrival wait after a move pass. The grace
	// window follows the outer network timeout and resets on progress.
	poll  time.Duration
	grace time.Duration
}

// New builds the orchestrator. The allowlists are frozen from the config at
// construction.
func New(cfg *config.Config, dial Dialer, index *phi.Store, met *metrics.Metrics, log *logrus.Entry) *Orchestrator {
	modalities := make(map[string]struct{}, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities[m] = struct{}{}
	}
	classes := make(map[string]struct{})
	for _, c := range dicomnet.StorageClassesForModalities(cfg.Modalities) {
		classes[c] = struct{}{}
	}
	for _, c := range cfg.StorageClasses {
		classes[c] = struct{}{}
	}
	grace := cfg.Network.Network()
	if grace <= 0 {
		grace = time.Minute
	}
	return &Orchestrator{
		cfg:   cfg,
		dial:  dial,
		index: index,
		met:   met,
		log:   log,
		modalityAllowed: func(m string) bool {
			_, ok := modalities[m]
			return ok
		},
		classAllowed: func(c string) bool {
			_, ok := classes[c]
			return ok
		},
		poll:  arrivalPollInterval,
		grace: grace,
	}
}

// instanceStored reports whether an instance has already been captured and
// pseudonymized. The index is the authority: an instance whose storage
// write failed was quarantined and needs operator action, not another move.
func (o *Orchestrator) instanceStored(sopUID string) bool {
	_, ok := o.index.LookupUID(sopUID)
	return ok
}

// seriesStoredFn returns a per-series stored-instance counter scoped to one
// study.
func (o *Orchestrator) seriesStoredFn(studyUID string) func(string) int {
	return func(seriesUID string) int {
		return o.index.InstanceCountForSeries(studyUID, seriesUID)
	}
}

// Echo probes a remote node with C-ECHO.
func (o *Orchestrator) Echo(ctx context.Context, node config.Node) error {
	sess, err := o.dial(ctx, node)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())
	return sess.Echo(ctx)
}

// FindStudies runs a study-level query against the node.
func (o *Orchestrator) FindStudies(ctx context.Context, node config.Node, q dicomnet.StudyQuery) ([]dicomnet.StudyResult, error) {
	sess, err := o.dial(ctx, node)
	if err != nil {
		return nil, err
	}
	defer sess.Close(context.Background())
	return sess.FindStudies(ctx, q)
}

// FindStudiesByAccession queries one accession at a time and keeps exact
// matches only: some archives treat accession keys as substring wildcards
// and echo unrelated studies back. Results are deduplicated by study UID.
func (o *Orchestrator) FindStudiesByAccession(ctx context.Context, node config.Node, accessions []string) ([]dicomnet.StudyResult, error) {
	sess, err := o.dial(ctx, node)
	if err != nil {
		return nil, err
	}
	defer sess.Close(context.Background())

	seen := make(map[string]struct{})
	var all []dicomnet.StudyResult
	for _, acc := range accessions {
		acc = strings.TrimSpace(acc)
		if acc == "" {
			continue
		}
		matches, err := sess.FindStudies(ctx, dicomnet.StudyQuery{AccessionNumber: acc})
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.AccessionNumber != acc {
				o.log.WithFields(logrus.Fields{
					"requested": acc,
					"returned":  m.AccessionNumber,
				}).Debug("dropping inexact accession match")
				continue
			}
			if _, dup := seen[m.StudyInstanceUID]; dup {
				continue
			}
			seen[m.StudyInstanceUID] = struct{}{}
			all = append(all, m)
		}
	}
	return all, nil
}
