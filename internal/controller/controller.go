// Package controller assembles the service from the project model: storage,
// the pseudonymization index, the anonymizer engine, the ingest pipeline and
// the network orchestrators. It exposes the operations the admin surface
// drives and owns ordered shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/anonymizer"
	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/export"
	"github.com/savegress/dicomveil/internal/ingest"
	"github.com/savegress/dicomveil/internal/metrics"
	"github.com/savegress/dicomveil/internal/phi"
	"github.com/savegress/dicomveil/internal/retrieve"
	"github.com/savegress/dicomveil/internal/storage"
)

// ErrUnknownStudy is returned when a study UID resolves to nothing in the
// index.
var ErrUnknownStudy = errors.New("study not in index")

// ErrUnknownNode is returned when a remote SCP name is not in the project
// model.
var ErrUnknownNode = errors.New("unknown remote scp")

// awsDestination is the reserved export destination name for the configured
// S3 bucket.
const awsDestination = "AWS"

// Controller wires the component graph and runs the service's operations.
type Controller struct {
	cfg     *config.Config
	cfgPath string
	log     *logrus.Entry
	met     *metrics.Metrics

	files *storage.Store
	index *phi.Store
	ing   *ingest.Service
	qr    *retrieve.Orchestrator
	exp   *export.Orchestrator
	jobs  *Jobs

	started   time.Time
	closeOnce sync.Once
}

// New builds the component graph. The index snapshot is loaded (or created)
// before anything can receive; a snapshot written by a different model
// version aborts construction. cfgPath is where UpdateConfig persists the
// model; empty disables persistence.
func New(cfg *config.Config, cfgPath string, log *logrus.Entry) (*Controller, error) {
	met := metrics.New()

	files := storage.New(cfg.Storage.Directory, log.WithField("component", "storage"))
	if err := files.EnsureTree(); err != nil {
		return nil, err
	}

	index, err := phi.Load(files.SnapshotPath(), cfg.SiteID, cfg.UIDRoot, log.WithField("component", "phi"))
	if err != nil {
		return nil, err
	}

	script, err := loadScript(cfg.Anonymizer.ScriptPath)
	if err != nil {
		return nil, err
	}
	engine := anonymizer.New(index, script, cfg.SiteID, cfg.ProjectName, log.WithField("component", "anonymizer"))

	ing, err := ingest.New(cfg, files, index, engine, met, log.WithField("component", "ingest"))
	if err != nil {
		return nil, err
	}

	qr := retrieve.New(cfg, qrDialer(cfg, log), index, met, log.WithField("component", "retrieve"))

	var auth *export.CognitoAuth
	if cfg.AWS != nil {
		auth = export.NewCognitoAuth(*cfg.AWS, log.WithField("component", "cognito"))
	}
	exp := export.New(cfg, files, exportDialer(cfg, auth, log), met, log.WithField("component", "export"))

	met.RegisterIndexTotals(func() (int, int, int, int) {
		t := index.Totals()
		return t.Patients, t.Studies, t.Series, t.Instances
	})

	return &Controller{
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     log,
		met:     met,
		files:   files,
		index:   index,
		ing:     ing,
		qr:      qr,
		exp:     exp,
		jobs:    NewJobs(log.WithField("component", "jobs")),
		started: time.Now(),
	}, nil
}

func loadScript(path string) (*anonymizer.Script, error) {
	if path == "" {
		return anonymizer.Default()
	}
	return anonymizer.LoadScript(path)
}

// qrDialer opens query/retrieve associations with the configured identity
// and timeouts.
func qrDialer(cfg *config.Config, log *logrus.Entry) retrieve.Dialer {
	return func(ctx context.Context, node config.Node) (retrieve.Session, error) {
		sess, err := dicomnet.Dial(ctx, dicomnet.Endpoint{
			CallingAETitle: cfg.SCU.AETitle,
			CalledAETitle:  node.AETitle,
			RemoteAddr:     node.Addr(),
		}, timeouts(cfg), dicomnet.QueryRetrieveContexts(cfg.TransferSyntaxes), log.WithField("component", "scu"))
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

// exportDialer resolves an export destination name to a per-worker
// destination: the configured S3 bucket for AWS, a remote SCP otherwise.
func exportDialer(cfg *config.Config, auth *export.CognitoAuth, log *logrus.Entry) export.Dialer {
	return func(ctx context.Context, dest string) (export.Destination, error) {
		if strings.EqualFold(dest, awsDestination) {
			if auth == nil {
				return nil, fmt.Errorf("aws export requested without aws_cognito configuration")
			}
			return export.NewS3Destination(*cfg.AWS, auth, log.WithField("component", "s3")), nil
		}
		node, ok := cfg.RemoteSCPs[dest]
		if !ok {
			return nil, fmt.Errorf("unknown remote scp %q", dest)
		}
		return export.NewSCPDestination(cfg, node, log.WithField("component", "store-scu")), nil
	}
}

func timeouts(cfg *config.Config) dicomnet.Timeouts {
	return dicomnet.Timeouts{
		Connect: cfg.Network.TCPConnect() + cfg.Network.ACSE(),
		Request: cfg.Network.DIMSE(),
		Overall: cfg.Network.Network(),
	}
}

// Status is the service state snapshot for the admin surface.
type Status struct {
	SiteID        string     `json:"site_id"`
	ProjectName   string     `json:"project_name"`
	SCPRunning    bool       `json:"scp_running"`
	SCPAddr       string     `json:"scp_addr"`
	SCPAETitle    string     `json:"scp_ae_title"`
	QueueDepth    int        `json:"queue_depth"`
	Totals        phi.Totals `json:"totals"`
	IndexDirty    bool       `json:"index_dirty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// Status reports the current service state.
func (c *Controller) Status() Status {
	return Status{
		SiteID:        c.cfg.SiteID,
		ProjectName:   c.cfg.ProjectName,
		SCPRunning:    c.ing.SCPRunning(),
		SCPAddr:       c.cfg.SCP.Addr(),
		SCPAETitle:    c.cfg.SCP.AETitle,
		QueueDepth:    c.ing.QueueDepth(),
		Totals:        c.index.Totals(),
		IndexDirty:    c.index.Dirty(),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}
}

// StartSCP brings up the C-STORE listener.
func (c *Controller) StartSCP(ctx context.Context) error { return c.ing.StartSCP(ctx) }

// StopSCP takes the listener down; queued instances keep processing.
func (c *Controller) StopSCP(ctx context.Context) error { return c.ing.StopSCP(ctx) }

// Echo probes a configured remote node with C-ECHO.
func (c *Controller) Echo(ctx context.Context, scpName string) error {
	node, err := c.resolveNode(scpName)
	if err != nil {
		return err
	}
	return c.qr.Echo(ctx, node)
}

// FindStudies runs a study-level query against a configured remote node.
func (c *Controller) FindStudies(ctx context.Context, scpName string, q dicomnet.StudyQuery) ([]dicomnet.StudyResult, error) {
	node, err := c.resolveNode(scpName)
	if err != nil {
		return nil, err
	}
	return c.qr.FindStudies(ctx, node, q)
}

// FindStudiesByAccession queries a configured remote node for an accession
// list, keeping exact matches only.
func (c *Controller) FindStudiesByAccession(ctx context.Context, scpName string, accessions []string) ([]dicomnet.StudyResult, error) {
	node, err := c.resolveNode(scpName)
	if err != nil {
		return nil, err
	}
	return c.qr.FindStudiesByAccession(ctx, node, accessions)
}

// MoveParams names the studies to retrieve from a configured remote node.
type MoveParams struct {
	SCP     string                  `json:"scp"`
	DestAET string                  `json:"dest_ae_title,omitempty"`
	Level   string                  `json:"level,omitempty"`
	Studies []retrieve.StudyRequest `json:"studies"`
}

// StartMove begins study retrieval as a pollable job.
func (c *Controller) StartMove(p MoveParams) (JobSnapshot, error) {
	node, err := c.resolveNode(p.SCP)
	if err != nil {
		return JobSnapshot{}, err
	}
	if len(p.Studies) == 0 {
		return JobSnapshot{}, fmt.Errorf("no studies requested")
	}
	if p.Level != "" && !retrieve.ValidLevel(p.Level) {
		return JobSnapshot{}, fmt.Errorf("unknown retrieve level %q", p.Level)
	}

	req := retrieve.MoveRequest{
		Node:    node,
		DestAET: p.DestAET,
		Level:   p.Level,
		Studies: p.Studies,
	}
	job := c.jobs.Start("move", func(ctx context.Context, update func(string, any)) error {
		ch, err := c.qr.MoveStudies(ctx, req)
		if err != nil {
			return err
		}
		last := make(map[string]retrieve.State, len(req.Studies))
		for st := range ch {
			update(st.StudyUID, st)
			last[st.StudyUID] = st.State
		}
		failed := 0
		for _, s := range last {
			if s == retrieve.StateFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d studies failed", failed, len(last))
		}
		return nil
	})
	return job.Snapshot(), nil
}

// ExportParams names the patients to export and the destination. An empty
// patient list exports every patient in storage.
type ExportParams struct {
	Destination string   `json:"destination"`
	PatientIDs  []string `json:"patient_ids,omitempty"`
}

// StartExport begins a bulk patient export as a pollable job.
func (c *Controller) StartExport(p ExportParams) (JobSnapshot, error) {
	dest := p.Destination
	if dest == "" && c.cfg.ExportToAWS {
		dest = awsDestination
	}
	if dest == "" {
		return JobSnapshot{}, fmt.Errorf("no export destination named")
	}
	if !strings.EqualFold(dest, awsDestination) {
		if _, err := c.resolveNode(dest); err != nil {
			return JobSnapshot{}, err
		}
	} else if c.cfg.AWS == nil {
		return JobSnapshot{}, fmt.Errorf("aws export requested without aws_cognito configuration")
	}

	ids := p.PatientIDs
	if len(ids) == 0 {
		var err error
		ids, err = c.files.PatientIDs()
		if err != nil {
			return JobSnapshot{}, err
		}
	}
	if len(ids) == 0 {
		return JobSnapshot{}, fmt.Errorf("no patients in storage")
	}

	req := export.Request{Destination: dest, PatientIDs: ids}
	job := c.jobs.Start("export", func(ctx context.Context, update func(string, any)) error {
		ch, err := c.exp.ExportPatients(ctx, req)
		if err != nil {
			return err
		}
		last := make(map[string]export.PatientResponse, len(ids))
		for r := range ch {
			update(r.PatientID, r)
			last[r.PatientID] = r
		}
		incomplete := 0
		for _, r := range last {
			if !r.Complete {
				incomplete++
			}
		}
		if incomplete > 0 {
			return fmt.Errorf("%d of %d patients incomplete", incomplete, len(last))
		}
		return nil
	})
	return job.Snapshot(), nil
}

// ImportParams names local DICOM files or a directory to run through the
// ingest pipeline.
type ImportParams struct {
	Paths     []string `json:"paths,omitempty"`
	Directory string   `json:"directory,omitempty"`
}

// StartImport begins a local import as a pollable job. The job completes
// when everything readable is queued; processing drains through the worker
// pool and shows up in the status totals.
func (c *Controller) StartImport(p ImportParams) (JobSnapshot, error) {
	if len(p.Paths) == 0 && p.Directory == "" {
		return JobSnapshot{}, fmt.Errorf("nothing to import")
	}
	job := c.jobs.Start("import", func(ctx context.Context, update func(string, any)) error {
		var rep ingest.ImportReport
		var err error
		if p.Directory != "" {
			rep, err = c.ing.ImportDirectory(ctx, p.Directory)
		} else {
			rep, err = c.ing.ImportFiles(ctx, p.Paths)
		}
		if err != nil {
			return err
		}
		update("report", rep)
		return nil
	})
	return job.Snapshot(), nil
}

// Job returns one job snapshot by id.
func (c *Controller) Job(id string) (JobSnapshot, bool) { return c.jobs.Get(id) }

// JobList returns every known job, newest first.
func (c *Controller) JobList() []JobSnapshot { return c.jobs.List() }

// AbortJob cancels a running job.
func (c *Controller) AbortJob(id string) bool { return c.jobs.Abort(id) }

// DeleteStudy removes a stored study: the index mappings and tree record
// first, then the files. Returns the number of instance files removed.
func (c *Controller) DeleteStudy(anonStudyUID string) (int, error) {
	owner, ok := c.index.OwnerOfStudy(anonStudyUID)
	if !ok {
		return 0, ErrUnknownStudy
	}
	refs, err := c.files.InstanceStems(owner, anonStudyUID)
	if err != nil {
		return 0, err
	}
	uids := make([]string, 0, len(refs))
	for _, r := range refs {
		uids = append(uids, r.SOPUID)
	}
	if err := c.index.RemoveStudy(owner, anonStudyUID, uids); err != nil {
		return 0, err
	}
	n, err := c.files.DeleteStudy(owner, anonStudyUID)
	if err != nil {
		return n, err
	}
	c.log.WithFields(logrus.Fields{
		"patient":   owner,
		"study_uid": anonStudyUID,
		"files":     n,
	}).Info("study deleted")
	return n, nil
}

// CreatePHICSV writes the PHI index CSV into the export directory and
// returns its path and row count.
func (c *Controller) CreatePHICSV() (string, int, error) {
	return c.index.WriteCSV(c.files.PHIExportDir(), c.cfg.ProjectName)
}

// ImportJavaIndex merges a Java-era PHI export into the index and returns
// the number of studies imported.
func (c *Controller) ImportJavaIndex(path string) (int, error) {
	studies, err := phi.ReadJavaIndex(path)
	if err != nil {
		return 0, err
	}
	return c.index.ImportJavaIndex(studies)
}

// SaveNow writes the index snapshot immediately.
func (c *Controller) SaveNow() error { return c.ing.SaveNow() }

// Config returns the live project model.
func (c *Controller) Config() *config.Config { return c.cfg }

// MetricsRegistry exposes the collector registry for the /metrics handler.
func (c *Controller) MetricsRegistry() *prometheus.Registry { return c.met.Registry() }

// UpdateConfig validates and persists a new project model. The running
// component graph keeps its construction-time settings; changes apply on
// the next start.
func (c *Controller) UpdateConfig(next *config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if c.cfgPath == "" {
		return fmt.Errorf("no project model path to save to")
	}
	return next.Save(c.cfgPath)
}

// Shutdown stops the service in order: abort running jobs, stop the
// listener, drain the queue, stop the workers and write a final snapshot.
// Safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.log.Info("shutting down")
		c.jobs.AbortAll()
		err = c.ing.Close(ctx)
	})
	return err
}

func (c *Controller) resolveNode(name string) (config.Node, error) {
	node, ok := c.cfg.RemoteSCPs[name]
	if !ok {
		return config.Node{}, fmt.Errorf("%w %q", ErrUnknownNode, name)
	}
	return node, nil
}
