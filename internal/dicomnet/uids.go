// Package dicomnet wraps the DIMSE layer used by the service: SCU sessions
// with timeout and error classification, presentation context assembly, SOP
// class tables derived from configured modalities, and small dataset
// attribute helpers shared by the network orchestrators.
package dicomnet

// DICOM Application Context UID
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification Service
const VerificationSOPClass = "1.2.840.10008.1.1"

// Transfer Syntax UIDs
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// Query/Retrieve Service SOP Classes, Study Root information model.
const (
	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.2.3"
)

// Implementation identity announced on every association.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.474.1"
	ImplementationVersionName = "DICOMVEIL_100"
)

// DefaultTransferSyntaxes is the negotiation set offered when the project
// model does not override it. Implicit VR little endian is the DICOM default
// and must always be offered.
var DefaultTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
}
