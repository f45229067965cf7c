package anonymizer

import (
	"fmt"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/element"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/value"
	"github.com/codeninja55/go-radx/dicom/vr"

	"github.com/savegress/dicomveil/internal/dicomnet"
)

const (
	deidentificationMethod = "RSNA DICOM ANONYMIZER"
	privateCreator         = "RSNA"
)

// deidCodes are the DCM codes stamped into DeIdentificationMethodCodeSequence,
// ascending numeric order: the confidentiality profile plus the modified-dates,
// patient-characteristics and device-identity options this engine applies.
var deidCodes = []struct {
	value   string
	meaning string
}{
	{"113100", "Basic Application Confidentiality Profile"},
	{"113107", "Retain Longitudinal Temporal Information Modified Dates Option"},
	{"113108", "Retain Patient Characteristics Option"},
	{"113109", "Retain Device Identity Option"},
}

var (
	tagPrivateCreator = tag.New(0x0013, 0x0010)
	tagPrivateSite    = tag.New(0x0013, 0x1001)
	tagPrivateProject = tag.New(0x0013, 0x1003)
)

// stamp marks the dataset as de-identified and records which site and
// project produced it in the RSNA private block.
func (e *Engine) stamp(ds *dicom.DataSet) error {
	if err := dicomnet.SetString(ds, dicomnet.TagPatientIdentityRemoved, vr.CodeString, "YES"); err != nil {
		return err
	}
	if err := dicomnet.SetString(ds, dicomnet.TagDeIdentificationMethod, vr.LongString, deidentificationMethod); err != nil {
		return err
	}
	if err := setMethodCodeSequence(ds); err != nil {
		return err
	}

	if err := dicomnet.SetString(ds, tagPrivateCreator, vr.LongString, privateCreator); err != nil {
		return err
	}
	if err := dicomnet.SetString(ds, tagPrivateSite, vr.ShortString, e.site); err != nil {
		return err
	}
	return dicomnet.SetString(ds, tagPrivateProject, vr.ShortString, e.project)
}

func setMethodCodeSequence(ds *dicom.DataSet) error {
	items := make([]*dicom.DataSet, 0, len(deidCodes))
	for _, c := range deidCodes {
		item := dicom.NewDataSet()
		if err := dicomnet.SetString(item, dicomnet.TagCodeValue, vr.ShortString, c.value); err != nil {
			return err
		}
		if err := dicomnet.SetString(item, dicomnet.TagCodingSchemeDesignator, vr.ShortString, "DCM"); err != nil {
			return err
		}
		if err := dicomnet.SetString(item, dicomnet.TagCodeMeaning, vr.LongString, c.meaning); err != nil {
			return err
		}
		items = append(items, item)
	}

	seq, err := value.NewSequenceValue(items)
	if err != nil {
		return fmt.Errorf("method code sequence: %w", err)
	}
	if existing, err := ds.Get(dicomnet.TagDeIdentificationMethodCodeSeq); err == nil && existing != nil {
		return existing.SetValue(seq)
	}
	elem, err := element.NewElement(dicomnet.TagDeIdentificationMethodCodeSeq, vr.SequenceOfItems, seq)
	if err != nil {
		return fmt.Errorf("method code sequence: %w", err)
	}
	return ds.Add(elem)
}
