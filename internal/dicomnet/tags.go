package dicomnet

import "github.com/codeninja55/go-radx/dicom/tag"

// Standard attribute tags used across the service, declared once so call
// sites read by name instead of by group/element pair.
var (
	TagSpecificCharacterSet = tag.New(0x0008, 0x0005)
	TagSOPClassUID          = tag.New(0x0008, 0x0016)
	TagSOPInstanceUID       = tag.New(0x0008, 0x0018)
	TagStudyDate            = tag.New(0x0008, 0x0020)
	TagSeriesDate           = tag.New(0x0008, 0x0021)
	TagAcquisitionDate      = tag.New(0x0008, 0x0022)
	TagContentDate          = tag.New(0x0008, 0x0023)
	TagAccessionNumber      = tag.New(0x0008, 0x0050)
	TagQueryRetrieveLevel   = tag.New(0x0008, 0x0052)
	TagRetrieveAETitle      = tag.New(0x0008, 0x0054)
	TagModality             = tag.New(0x0008, 0x0060)
	TagModalitiesInStudy    = tag.New(0x0008, 0x0061)
	TagStudyDescription     = tag.New(0x0008, 0x1030)
	TagSeriesDescription    = tag.New(0x0008, 0x103E)

	TagCodeValue              = tag.New(0x0008, 0x0100)
	TagCodingSchemeDesignator = tag.New(0x0008, 0x0102)
	TagCodeMeaning            = tag.New(0x0008, 0x0104)

	TagPatientName      = tag.New(0x0010, 0x0010)
	TagPatientID        = tag.New(0x0010, 0x0020)
	TagPatientBirthDate = tag.New(0x0010, 0x0030)
	TagPatientSex       = tag.New(0x0010, 0x0040)
	TagPatientAge       = tag.New(0x0010, 0x1010)
	TagEthnicGroup      = tag.New(0x0010, 0x2160)

	TagPatientIdentityRemoved        = tag.New(0x0012, 0x0062)
	TagDeIdentificationMethod        = tag.New(0x0012, 0x0063)
	TagDeIdentificationMethodCodeSeq = tag.New(0x0012, 0x0064)

	TagStudyInstanceUID  = tag.New(0x0020, 0x000D)
	TagSeriesInstanceUID = tag.New(0x0020, 0x000E)
	TagStudyID           = tag.New(0x0020, 0x0010)
	TagSeriesNumber      = tag.New(0x0020, 0x0011)
	TagInstanceNumber    = tag.New(0x0020, 0x0013)

	TagNumberOfStudyRelatedSeries     = tag.New(0x0020, 0x1206)
	TagNumberOfStudyRelatedInstances  = tag.New(0x0020, 0x1208)
	TagNumberOfSeriesRelatedInstances = tag.New(0x0020, 0x1209)

	TagTransferSyntaxUID = tag.New(0x0002, 0x0010)
)
