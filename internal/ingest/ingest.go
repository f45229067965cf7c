// Package ingest receives instances over DICOM C-STORE or from local files,
// pushes them through the anonymization pipeline and writes the results to
// storage. Failures divert the unmodified original to quarantine; the
// association peer only ever sees success or an out-of-resources refusal.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"

	"github.com/codeninja55/go-radx/dimse/dimse"
	"github.com/codeninja55/go-radx/dimse/scp"

	"github.com/savegress/dicomveil/internal/anonymizer"
	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/metrics"
	"github.com/savegress/dicomveil/internal/phi"
	"github.com/savegress/dicomveil/internal/storage"
	"github.com/savegress/dicomveil/pkg/workerpool"
)

const (
	autosaveInterval = 30 * time.Second

	// The memory gate probes every 100ms and refuses after 5 seconds so a
	// stalled peer gets a definitive status instead of an open-ended block.
	memoryProbeInterval = 100 * time.Millisecond
	memoryProbeLimit    = 50
)

// Rejection reason labels.
const (
	rejectLowMemory = "low_memory"
	rejectQueueFull = "queue_full"
)

// Service owns the receive side: the C-STORE SCP, the anonymizer worker pool
// and the periodic index snapshot.
type Service struct {
	cfg     *config.Config
	log     *logrus.Entry
	met     *metrics.Metrics
	files   *storage.Store
	index   *phi.Store
	engine  *anonymizer.Engine
	allowed map[string]struct{}

	pool *workerpool.Pool

	scpMu  sync.Mutex
	server *scp.Server

	availableMemory func(context.Context) (uint64, error)
	probeInterval   time.Duration

	saveQuit  chan struct{}
	saveDone  chan struct{}
	closeOnce sync.Once
}

// New builds the service and starts its workers and the autosave loop. The
// SCP listener stays down until StartSCP.
func New(cfg *config.Config, files *storage.Store, index *phi.Store, engine *anonymizer.Engine, met *metrics.Metrics, log *logrus.Entry) (*Service, error) {
	pool, err := workerpool.New(workerpool.Config{
		Workers:         cfg.Anonymizer.Workers,
		QueueSize:       cfg.Anonymizer.QueueSize,
		ShutdownTimeout: time.Minute,
		ErrorHandler: func(te *workerpool.TaskError) {
			log.WithError(te.Err).Error("ingest worker failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ingest pool: %w", err)
	}

	allowed := make(map[string]struct{})
	for _, c := range dicomnet.StorageClassesForModalities(cfg.Modalities) {
		allowed[c] = struct{}{}
	}
	for _, c := range cfg.StorageClasses {
		allowed[c] = struct{}{}
	}

	s := &Service{
		cfg:             cfg,
		log:             log,
		met:             met,
		files:           files,
		index:           index,
		engine:          engine,
		allowed:         allowed,
		pool:            pool,
		availableMemory: osAvailableMemory,
		probeInterval:   memoryProbeInterval,
		saveQuit:        make(chan struct{}),
		saveDone:        make(chan struct{}),
	}
	go s.autosave()
	return s, nil
}

// StartSCP brings up the C-STORE listener on the configured address.
func (s *Service) StartSCP(ctx context.Context) error {
	s.scpMu.Lock()
	defer s.scpMu.Unlock()
	if s.server != nil {
		return fmt.Errorf("scp already listening on %s", s.cfg.SCP.Addr())
	}

	classes := make([]string, 0, len(s.allowed))
	for c := range s.allowed {
		classes = append(classes, c)
	}
	server, err := scp.NewServer(scp.Config{
		AETitle:           s.cfg.SCP.AETitle,
		ListenAddr:        s.cfg.SCP.Addr(),
		SupportedContexts: dicomnet.SupportedContextsMap(classes, s.cfg.TransferSyntaxes),
		StoreHandler:      scp.StoreHandlerFunc(s.handleStore),
	})
	if err != nil {
		return fmt.Errorf("scp server: %w", err)
	}
	if err := server.Listen(ctx); err != nil {
		return fmt.Errorf("scp listen: %w", err)
	}
	s.server = server
	s.log.WithFields(logrus.Fields{
		"aet":  s.cfg.SCP.AETitle,
		"addr": s.cfg.SCP.Addr(),
	}).Info("scp listening")
	return nil
}

// StopSCP closes the listener and ends open associations. Queued instances
// keep processing; no-op when the listener is already down.
func (s *Service) StopSCP(ctx context.Context) error {
	s.scpMu.Lock()
	defer s.scpMu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("scp shutdown: %w", err)
	}
	s.log.Info("scp stopped")
	return nil
}

// SCPRunning reports whether the listener is up.
func (s *Service) SCPRunning() bool {
	s.scpMu.Lock()
	defer s.scpMu.Unlock()
	return s.server != nil
}

// QueueDepth returns the number of instances waiting for a worker.
func (s *Service) QueueDepth() int { return s.pool.QueueLen() }

// Drain blocks until every accepted instance has been processed.
func (s *Service) Drain() { s.pool.Wait() }

// Close stops the listener, drains the queue, stops the autosave loop and
// writes a final snapshot. Safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		stopErr := s.StopSCP(ctx)
		poolErr := s.pool.Stop()

		close(s.saveQuit)
		<-s.saveDone

		saveErr := s.saveIfDirty()
		for _, err := range []error{stopErr, poolErr, saveErr} {
			if err != nil {
				closeErr = err
				return
			}
		}
	})
	return closeErr
}

// SaveNow writes the index snapshot immediately, dirty or not.
func (s *Service) SaveNow() error {
	if err := s.index.Save(s.files.SnapshotPath()); err != nil {
		return err
	}
	s.met.SnapshotSaves.Inc()
	return nil
}

func (s *Service) saveIfDirty() error {
	if !s.index.Dirty() {
		return nil
	}
	return s.SaveNow()
}

func (s *Service) autosave() {
	defer close(s.saveDone)
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.saveIfDirty(); err != nil {
				s.log.WithError(err).Error("index autosave failed")
			}
		case <-s.saveQuit:
			return
		}
	}
}

// handleStore is the C-STORE callback. It gates on available memory, queues
// the dataset for a worker and answers the peer immediately: processing
// outcomes never block the association.
func (s *Service) handleStore(ctx context.Context, req *scp.StoreRequest) *scp.StoreResponse {
	s.met.InstancesReceived.Inc()

	if !s.waitForMemory(ctx) {
		s.met.IngestRejections.WithLabelValues(rejectLowMemory).Inc()
		s.log.WithField("sop_instance_uid", req.SOPInstanceUID).
			Warn("refusing store, available memory below floor")
		return &scp.StoreResponse{Status: dimse.StatusOutOfResources}
	}

	ds := req.DataSet
	source := req.CallingAETitle
	if err := s.pool.TrySubmit(func() error {
		s.process(ds, source)
		return nil
	}); err != nil {
		s.met.IngestRejections.WithLabelValues(rejectQueueFull).Inc()
		s.log.WithFields(logrus.Fields{
			"sop_instance_uid": req.SOPInstanceUID,
			"source":           source,
		}).Warn("refusing store, queue full")
		return &scp.StoreResponse{Status: dimse.StatusOutOfResources}
	}
	s.met.QueueDepth.Set(float64(s.pool.QueueLen()))
	return &scp.StoreResponse{Status: dimse.StatusSuccess}
}

// waitForMemory blocks until OS available memory clears the configured
// floor. Probe failures let ingest proceed; a floor of zero disables the
// gate.
func (s *Service) waitForMemory(ctx context.Context) bool {
	floor := s.cfg.MemoryFloorBytes()
	if floor == 0 {
		return true
	}
	for i := 0; ; i++ {
		avail, err := s.availableMemory(ctx)
		if err != nil {
			s.log.WithError(err).Debug("memory probe failed")
			return true
		}
		if avail >= floor {
			return true
		}
		if i >= memoryProbeLimit {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.probeInterval):
		}
	}
}

func osAvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
