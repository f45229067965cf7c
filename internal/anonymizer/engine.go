package anonymizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/element"
	"github.com/codeninja55/go-radx/dicom/value"
	"github.com/codeninja55/go-radx/dicom/vr"

	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/phi"
)

// Engine applies a compiled script to datasets. The incoming dataset is never
// mutated: failures must leave the original intact for quarantine.
type Engine struct {
	store   *phi.Store
	script  *Script
	site    string
	project string
	log     *logrus.Entry
}

// Result carries the anonymous identifiers of one rewritten instance, the
// storage path components.
type Result struct {
	AnonPatientID string
	AnonStudyUID  string
	AnonSeriesUID string
	AnonSOPUID    string
}

// New builds an engine over the pseudonym store.
func New(store *phi.Store, script *Script, site, project string, log *logrus.Entry) *Engine {
	return &Engine{store: store, script: script, site: site, project: project, log: log}
}

// Anonymize rewrites a dataset: the patient, study, series and instance
// pseudonyms are allocated in that fixed order, every element passes through
// the script or the default deletions, then the de-identification markers
// are stamped. Returns the rewritten copy and its anonymous identifiers.
func (e *Engine) Anonymize(ds *dicom.DataSet) (*dicom.DataSet, Result, error) {
	phiPatientID := dicomnet.AttrString(ds, dicomnet.TagPatientID)
	delta := phi.DateOffset(phiPatientID)

	anonPatientID, err := e.store.AnonymizePatientID(phiPatientID)
	if err != nil {
		return nil, Result{}, err
	}
	res := Result{
		AnonPatientID: anonPatientID,
		AnonStudyUID:  e.store.AnonymizeUID(dicomnet.AttrString(ds, dicomnet.TagStudyInstanceUID)),
		AnonSeriesUID: e.store.AnonymizeUID(dicomnet.AttrString(ds, dicomnet.TagSeriesInstanceUID)),
		AnonSOPUID:    e.store.AnonymizeUID(dicomnet.AttrString(ds, dicomnet.TagSOPInstanceUID)),
	}

	out, err := copyDataSet(ds)
	if err != nil {
		return nil, Result{}, deid.Wrap(deid.KindCapturePHIError, "anonymizer.copy", err)
	}

	err = out.WalkModify(func(elem *element.Element) (bool, error) {
		if op, ok := e.script.OperatorFor(elem.Tag()); ok {
			return e.apply(elem, op, anonPatientID, delta)
		}
		g := elem.Tag().Group
		switch {
		case g >= 0x5000 && g <= 0x5FFF: // curves
			return false, dicom.ErrRemoveElement
		case g >= 0x6000 && g <= 0x6FFF: // overlays
			return false, dicom.ErrRemoveElement
		case g%2 == 1: // private groups
			return false, dicom.ErrRemoveElement
		case g >= 0x0032 && g <= 0x4008:
			return false, dicom.ErrRemoveElement
		}
		return false, nil
	})
	if err != nil {
		return nil, Result{}, deid.Wrap(deid.KindCapturePHIError, "anonymizer.rewrite", err)
	}

	if err := e.stamp(out); err != nil {
		return nil, Result{}, deid.Wrap(deid.KindCapturePHIError, "anonymizer.stamp", err)
	}
	return out, res, nil
}

func (e *Engine) apply(elem *element.Element, op operator, anonPatientID string, delta int) (bool, error) {
	switch op.code {
	case opKeep:
		return false, nil
	case opRemove:
		return false, dicom.ErrRemoveElement
	case opEmpty:
		return emptyValue(elem)
	case opHashDate:
		return setElemString(elem, phi.ShiftDate(elemString(elem), delta))
	case opRound:
		return setElemString(elem, roundAge(elemString(elem), op.width))
	case opPatientID:
		return setElemString(elem, anonPatientID)
	case opAccession:
		return setElemString(elem, e.store.AnonymizeAccession(elemString(elem)))
	case opUID:
		cur := elemString(elem)
		if cur == "" {
			return false, nil
		}
		return setElemString(elem, e.store.AnonymizeUID(cur))
	}
	return false, nil
}

func elemString(elem *element.Element) string {
	return strings.Trim(elem.Value().String(), " \x00")
}

func setElemString(elem *element.Element, s string) (bool, error) {
	val, err := value.NewStringValue(elem.VR(), []string{s})
	if err != nil {
		return false, fmt.Errorf("value for %s: %w", elem.Tag(), err)
	}
	if err := elem.SetValue(val); err != nil {
		return false, fmt.Errorf("set %s: %w", elem.Tag(), err)
	}
	return true, nil
}

func emptyValue(elem *element.Element) (bool, error) {
	var val value.Value
	var err error
	switch elem.VR() {
	case vr.PersonName, vr.LongString, vr.ShortString, vr.UnlimitedText,
		vr.ShortText, vr.LongText, vr.CodeString,
		vr.Date, vr.Time, vr.DateTime, vr.AgeString, vr.UniqueIdentifier:
		val, err = value.NewStringValue(elem.VR(), []string{""})
	case vr.IntegerString:
		val, err = value.NewIntValue(vr.IntegerString, []int64{})
	case vr.DecimalString:
		val, err = value.NewFloatValue(vr.DecimalString, []float64{})
	default:
		val, err = value.NewBytesValue(elem.VR(), []byte{})
	}
	if err != nil {
		return false, fmt.Errorf("empty value for %s: %w", elem.Tag(), err)
	}
	if err := elem.SetValue(val); err != nil {
		return false, fmt.Errorf("set %s: %w", elem.Tag(), err)
	}
	return true, nil
}

func copyDataSet(ds *dicom.DataSet) (*dicom.DataSet, error) {
	out := dicom.NewDataSet()
	err := ds.Walk(func(elem *element.Element) error {
		copied, err := element.NewElement(elem.Tag(), elem.VR(), elem.Value())
		if err != nil {
			return err
		}
		return out.Add(copied)
	})
	return out, err
}

// roundAge rounds a DICOM age string NNN[DWMY] to the nearest multiple of
// width, half up, keeping the unit suffix. Plain numbers round as years
// without a suffix. Ages that do not parse are cleared.
func roundAge(s string, width int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	digits := s
	unit := byte(0)
	switch s[len(s)-1] {
	case 'D', 'W', 'M', 'Y':
		unit = s[len(s)-1]
		digits = s[:len(s)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil || n < 0 {
		return ""
	}
	rounded := (n + width/2) / width * width
	if unit != 0 {
		return fmt.Sprintf("%03d%c", rounded, unit)
	}
	return strconv.Itoa(rounded)
}
