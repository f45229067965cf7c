// Package hierarchy models the remote study tree a retrieval is working
// against: the series and instances a C-FIND probe reported, folded under
// skip rules for non-compliant peers, plus the sub-operation counters that
// track move progress without ever regressing.
package hierarchy

import (
	"sort"
	"sync"

	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
)

// Instance is one image-level match.
type Instance struct {
	SOPUID      string
	SOPClassUID string
	Number      int
}

// Series is one series-level match. InstanceCount is the peer-reported
// NumberOfSeriesRelatedInstances, -1 when the peer omitted it, or the exact
// instance count once an image-level probe filled Instances.
type Series struct {
	SeriesUID     string
	Modality      string
	Description   string
	InstanceCount int
	Instances     map[string]*Instance
}

// MoveStats are the cumulative sub-operation counters of one study move.
type MoveStats struct {
	Requested int `json:"requested"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Warning   int `json:"warning"`
	Remaining int `json:"remaining"`
}

// Study is the remote tree of one study under retrieval.
type Study struct {
	StudyUID    string
	PatientID   string
	PatientName string
	Accession   string
	StudyDate   string
	Description string

	mu       sync.Mutex
	series   map[string]*Series
	order    []string
	stats    MoveStats
	received int
}

// NewStudy seeds a tree from a study-level C-FIND match.
func NewStudy(r dicomnet.StudyResult) *Study {
	return &Study{
		StudyUID:    r.StudyInstanceUID,
		PatientID:   r.PatientID,
		PatientName: r.PatientName,
		Accession:   r.AccessionNumber,
		StudyDate:   r.StudyDate,
		Description: r.StudyDescription,
		series:      make(map[string]*Series),
	}
}

// FoldSeries merges one series-level match under the skip rules. The return
// is the skip reason, empty when the series was folded in. A duplicate
// series reported with count 1 is a peer answering once per instance and
// increments the existing count.
func (st *Study) FoldSeries(r dicomnet.SeriesResult, modalityAllowed func(string) bool) string {
	if r.SeriesInstanceUID == "" {
		return "missing series instance uid"
	}
	if r.StudyInstanceUID != "" && r.StudyInstanceUID != st.StudyUID {
		return "study instance uid mismatch"
	}
	if r.Modality != "" && modalityAllowed != nil && !modalityAllowed(r.Modality) {
		return "modality not configured"
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.series[r.SeriesInstanceUID]; ok {
		if r.NumInstances == 1 {
			if existing.InstanceCount < 0 {
				existing.InstanceCount = 0
			}
			existing.InstanceCount++
		} else if r.NumInstances > existing.InstanceCount {
			existing.InstanceCount = r.NumInstances
		}
		return ""
	}

	st.series[r.SeriesInstanceUID] = &Series{
		SeriesUID:     r.SeriesInstanceUID,
		Modality:      r.Modality,
		Description:   r.SeriesDescription,
		InstanceCount: r.NumInstances,
		Instances:     make(map[string]*Instance),
	}
	st.order = append(st.order, r.SeriesInstanceUID)
	return ""
}

// FoldInstance merges one image-level match into its series. Once a series
// holds explicit instances its count is the exact instance count.
func (st *Study) FoldInstance(r dicomnet.InstanceResult, classAllowed func(string) bool) string {
	if r.SOPInstanceUID == "" {
		return "missing sop instance uid"
	}
	if r.StudyInstanceUID != "" && r.StudyInstanceUID != st.StudyUID {
		return "study instance uid mismatch"
	}
	if r.SOPClassUID != "" && classAllowed != nil && !classAllowed(r.SOPClassUID) {
		return "sop class not configured"
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	seriesUID := r.SeriesInstanceUID
	if seriesUID == "" {
		return "missing series instance uid"
	}
	se, ok := st.series[seriesUID]
	if !ok {
		se = &Series{SeriesUID: seriesUID, Instances: make(map[string]*Instance)}
		st.series[seriesUID] = se
		st.order = append(st.order, seriesUID)
	}
	se.Instances[r.SOPInstanceUID] = &Instance{
		SOPUID:      r.SOPInstanceUID,
		SOPClassUID: r.SOPClassUID,
		Number:      r.InstanceNumber,
	}
	se.InstanceCount = len(se.Instances)
	return ""
}

// Validate checks the folded tree is usable for a move. A tree without any
// series cannot be retrieved; a series without an instance count can only be
// retrieved when an image-level probe resolved its instances.
func (st *Study) Validate(instanceLevel bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.series) == 0 {
		return deid.E(deid.KindMissingAttributes, "hierarchy.validate",
			"no usable series for study "+st.StudyUID)
	}
	if instanceLevel {
		return nil
	}
	for _, se := range st.series {
		if se.InstanceCount < 0 {
			return deid.E(deid.KindMissingAttributes, "hierarchy.validate",
				"series "+se.SeriesUID+" has no instance count")
		}
	}
	return nil
}

// SeriesList returns the folded series in first-seen order.
func (st *Study) SeriesList() []*Series {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Series, 0, len(st.order))
	for _, uid := range st.order {
		out = append(out, st.series[uid])
	}
	return out
}

// SeriesCount returns the number of folded series.
func (st *Study) SeriesCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.series)
}

// ExpectedInstances sums the series instance counts. Unknown counts (-1)
// contribute nothing; Validate gates whether that is acceptable.
func (st *Study) ExpectedInstances() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	total := 0
	for _, se := range st.series {
		if se.InstanceCount > 0 {
			total += se.InstanceCount
		}
	}
	return total
}

// DropSeries removes series from the tree, for pre-move reconciliation
// against already-stored data.
func (st *Study) DropSeries(uids ...string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, uid := range uids {
		st.dropLocked(uid)
	}
}

func (st *Study) dropLocked(uid string) {
	if _, ok := st.series[uid]; !ok {
		return
	}
	delete(st.series, uid)
	for i, o := range st.order {
		if o == uid {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
}

// PruneStored drops what is already held locally before a move: instances
// the probe resolved are checked one by one, series known only by count are
// dropped once the stored count covers the expected count. Returns the
// number of instances a move still has to deliver, which for a partially
// stored count-only series is the shortfall rather than the full count.
func (st *Study) PruneStored(instanceStored func(sopUID string) bool, seriesStored func(seriesUID string) int) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	var drop []string
	wanted := 0
	for uid, se := range st.series {
		if len(se.Instances) > 0 {
			for sop := range se.Instances {
				if instanceStored != nil && instanceStored(sop) {
					delete(se.Instances, sop)
				}
			}
			se.InstanceCount = len(se.Instances)
			if se.InstanceCount == 0 {
				drop = append(drop, uid)
				continue
			}
			wanted += se.InstanceCount
			continue
		}
		if se.InstanceCount <= 0 {
			continue
		}
		stored := 0
		if seriesStored != nil {
			stored = seriesStored(uid)
		}
		if stored >= se.InstanceCount {
			drop = append(drop, uid)
			continue
		}
		wanted += se.InstanceCount - stored
	}
	for _, uid := range drop {
		st.dropLocked(uid)
	}
	return wanted
}

// MissingSeries describes one series a move pass left incomplete.
type MissingSeries struct {
	SeriesUID string
	SOPUIDs   []string // exact missing instances when probed, empty when count-only
	Short     int      // instances still missing
}

// MissingParts reports what a finished move pass failed to deliver, in
// first-seen series order.
func (st *Study) MissingParts(instanceStored func(sopUID string) bool, seriesStored func(seriesUID string) int) []MissingSeries {
	st.mu.Lock()
	defer st.mu.Unlock()

	var missing []MissingSeries
	for _, uid := range st.order {
		se := st.series[uid]
		if len(se.Instances) > 0 {
			var miss []string
			for sop := range se.Instances {
				if instanceStored == nil || !instanceStored(sop) {
					miss = append(miss, sop)
				}
			}
			if len(miss) > 0 {
				sort.Strings(miss)
				missing = append(missing, MissingSeries{SeriesUID: uid, SOPUIDs: miss, Short: len(miss)})
			}
			continue
		}
		if se.InstanceCount <= 0 {
			continue
		}
		stored := 0
		if seriesStored != nil {
			stored = seriesStored(uid)
		}
		if stored < se.InstanceCount {
			missing = append(missing, MissingSeries{SeriesUID: uid, Short: se.InstanceCount - stored})
		}
	}
	return missing
}

// UpdateMoveStats merges sub-operation counters. The cumulative counters
// only ever grow: asynchronous peers may deliver responses out of order, so
// each merge takes the max against the current value. Requested grows to
// cover whatever the counters imply and Remaining is derived, floored at
// zero.
func (st *Study) UpdateMoveStats(remaining, completed, failed, warning int) MoveStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.stats.Completed = maxInt(st.stats.Completed, completed)
	st.stats.Failed = maxInt(st.stats.Failed, failed)
	st.stats.Warning = maxInt(st.stats.Warning, warning)

	implied := remaining + completed + failed + warning
	st.stats.Requested = maxInt(st.stats.Requested, implied)

	st.stats.Remaining = st.stats.Requested - st.stats.Completed - st.stats.Failed - st.stats.Warning
	if st.stats.Remaining < 0 {
		st.stats.Remaining = 0
	}
	return st.stats
}

// Stats returns a snapshot of the move counters.
func (st *Study) Stats() MoveStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}

// NoteReceived records the count of instances of this study seen locally.
// The count only moves forward.
func (st *Study) NoteReceived(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n > st.received {
		st.received = n
	}
}

// Received returns the locally received instance count.
func (st *Study) Received() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.received
}

// PendingInstances is the number of instances the tree still expects
// locally, never negative.
func (st *Study) PendingInstances() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	total := 0
	for _, se := range st.series {
		if se.InstanceCount > 0 {
			total += se.InstanceCount
		}
	}
	pending := total - st.received
	if pending < 0 {
		return 0
	}
	return pending
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
