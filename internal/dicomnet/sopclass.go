package dicomnet

import "sort"

// DICOM SOP Class UIDs as defined in DICOM Part 4, Annex B
// https://dicom.nema.org/medical/dicom/current/output/chtml/part04/sect_B.5.html

// Storage Service - Image Storage SOP Classes
const (
	// Computed Radiography
	ComputedRadiographyImageStorage = "1.2.840.10008.5.1.4.1.1.1"

	// Digital Radiography
	DigitalXRayImageStorageForPresentation            = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProcessing              = "1.2.840.10008.5.1.4.1.1.1.1.1"
	DigitalMammographyXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.2"
	DigitalMammographyXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.1.2.1"
	DigitalIntraOralXRayImageStorageForPresentation   = "1.2.840.10008.5.1.4.1.1.1.3"
	DigitalIntraOralXRayImageStorageForProcessing     = "1.2.840.10008.5.1.4.1.1.1.3.1"

	// Computed Tomography
	CTImageStorage                        = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                = "1.2.840.10008.5.1.4.1.1.2.1"
	LegacyConvertedEnhancedCTImageStorage = "1.2.840.10008.5.1.4.1.1.2.2"

	// Magnetic Resonance
	MRImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage = "1.2.840.10008.5.1.4.1.1.4.1"

	// Ultrasound
	UltrasoundMultiFrameImageStorage = "1.2.840.10008.5.1.4.1.1.3.1"
	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"
	EnhancedUSVolumeStorage          = "1.2.840.10008.5.1.4.1.1.6.2"

	// Positron Emission Tomography
	PETImageStorage                        = "1.2.840.10008.5.1.4.1.1.128"
	LegacyConvertedEnhancedPETImageStorage = "1.2.840.10008.5.1.4.1.1.128.1"
	EnhancedPETImageStorage                = "1.2.840.10008.5.1.4.1.1.130"

	// Nuclear Medicine
	NuclearMedicineImageStorage = "1.2.840.10008.5.1.4.1.1.20"

	// Secondary Capture
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"

	// X-Ray 3D breast imaging
	BreastTomosynthesisImageStorage                 = "1.2.840.10008.5.1.4.1.1.13.1.3"
	BreastProjectionXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.13.1.4"
	BreastProjectionXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.13.1.5"

	// Structured Reports
	BasicTextSRStorage       = "1.2.840.10008.5.1.4.1.1.88.11"
	EnhancedSRStorage        = "1.2.840.10008.5.1.4.1.1.88.22"
	ComprehensiveSRStorage   = "1.2.840.10008.5.1.4.1.1.88.33"
	Comprehensive3DSRStorage = "1.2.840.10008.5.1.4.1.1.88.34"
	ExtensibleSRStorage      = "1.2.840.10008.5.1.4.1.1.88.35"

	// Presentation States
	GrayscaleSoftcopyPresentationStateStorage                  = "1.2.840.10008.5.1.4.1.1.11.1"
	ColorSoftcopyPresentationStateStorage                      = "1.2.840.10008.5.1.4.1.1.11.2"
	PseudoColorSoftcopyPresentationStateStorage                = "1.2.840.10008.5.1.4.1.1.11.3"
	BlendingSoftcopyPresentationStateStorage                   = "1.2.840.10008.5.1.4.1.1.11.4"
	XAXRFGrayscaleSoftcopyPresentationStateStorage             = "1.2.840.10008.5.1.4.1.1.11.5"
	GrayscalePlanarMPRVolumetricPresentationStateStorage       = "1.2.840.10008.5.1.4.1.1.11.6"
	CompositingPlanarMPRVolumetricPresentationStateStorage     = "1.2.840.10008.5.1.4.1.1.11.7"
	AdvancedBlendingPresentationStateStorage                   = "1.2.840.10008.5.1.4.1.1.11.8"
	VolumeRenderingVolumetricPresentationStateStorage          = "1.2.840.10008.5.1.4.1.1.11.9"
	SegmentedVolumeRenderingVolumetricPresentationStateStorage = "1.2.840.10008.5.1.4.1.1.11.10"
	MultipleVolumeRenderingVolumetricPresentationStateStorage  = "1.2.840.10008.5.1.4.1.1.11.11"

	// Encapsulated Documents
	EncapsulatedPDFStorage = "1.2.840.10008.5.1.4.1.1.104.1"
)

// modalityStorageClasses maps a modality code to the storage SOP classes its
// instances arrive under. Codes with empty lists (OT, DOC) are selectable but
// contribute no classes; projects that need them add explicit SOP classes in
// configuration.
var modalityStorageClasses = map[string][]string{
	"CR": {ComputedRadiographyImageStorage},
	"DX": {DigitalXRayImageStorageForPresentation, DigitalXRayImageStorageForProcessing},
	"IO": {DigitalIntraOralXRayImageStorageForPresentation, DigitalIntraOralXRayImageStorageForProcessing},
	"MG": {
		DigitalMammographyXRayImageStorageForPresentation,
		DigitalMammographyXRayImageStorageForProcessing,
		BreastTomosynthesisImageStorage,
		BreastProjectionXRayImageStorageForPresentation,
		BreastProjectionXRayImageStorageForProcessing,
	},
	"CT": {CTImageStorage, EnhancedCTImageStorage, LegacyConvertedEnhancedCTImageStorage},
	"MR": {MRImageStorage, EnhancedMRImageStorage},
	"US": {UltrasoundImageStorage, EnhancedUSVolumeStorage, UltrasoundMultiFrameImageStorage},
	"PT": {PETImageStorage, LegacyConvertedEnhancedPETImageStorage, EnhancedPETImageStorage},
	"NM": {NuclearMedicineImageStorage},
	"SC": {SecondaryCaptureImageStorage},
	"SR": {BasicTextSRStorage, EnhancedSRStorage, ComprehensiveSRStorage, Comprehensive3DSRStorage, ExtensibleSRStorage},
	"PR": {
		GrayscaleSoftcopyPresentationStateStorage,
		ColorSoftcopyPresentationStateStorage,
		PseudoColorSoftcopyPresentationStateStorage,
		BlendingSoftcopyPresentationStateStorage,
		XAXRFGrayscaleSoftcopyPresentationStateStorage,
		GrayscalePlanarMPRVolumetricPresentationStateStorage,
		CompositingPlanarMPRVolumetricPresentationStateStorage,
		AdvancedBlendingPresentationStateStorage,
		VolumeRenderingVolumetricPresentationStateStorage,
		SegmentedVolumeRenderingVolumetricPresentationStateStorage,
		MultipleVolumeRenderingVolumetricPresentationStateStorage,
	},
	"PDF": {EncapsulatedPDFStorage},
	"OT":  {},
	"DOC": {},
}

// KnownModalities returns the supported modality codes, sorted.
func KnownModalities() []string {
	codes := make([]string, 0, len(modalityStorageClasses))
	for code := range modalityStorageClasses {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsKnownModality reports whether the modality code is supported.
func IsKnownModality(code string) bool {
	_, ok := modalityStorageClasses[code]
	return ok
}

// StorageClassesForModalities expands modality codes into the union of their
// storage SOP classes, preserving first-seen order and dropping duplicates.
func StorageClassesForModalities(modalities []string) []string {
	seen := make(map[string]struct{})
	var classes []string
	for _, m := range modalities {
		for _, c := range modalityStorageClasses[m] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			classes = append(classes, c)
		}
	}
	return classes
}
