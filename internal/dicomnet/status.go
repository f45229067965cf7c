package dicomnet

import "fmt"

// Status is a DIMSE response status code.
type Status uint16

// Status codes used by the service. See DICOM Part 7, Annex C.
const (
	StatusSuccess                Status = 0x0000
	StatusCancel                 Status = 0xFE00
	StatusPending                Status = 0xFF00
	StatusPendingWarning         Status = 0xFF01
	StatusOutOfResources         Status = 0xA700
	StatusMoveDestinationUnknown Status = 0xA801
	StatusIdentifierDoesNotMatch Status = 0xA900
	StatusUnableToProcess        Status = 0xC000
)

// IsPending reports whether the status indicates more responses will follow.
func (s Status) IsPending() bool {
	return s == StatusPending || s == StatusPendingWarning
}

// IsWarning reports whether the status is in the warning range. Warning
// terminations still carry final sub-operation counts.
func (s Status) IsWarning() bool {
	return s&0xF000 == 0xB000
}

// IsFailure reports whether the status is a failure termination.
func (s Status) IsFailure() bool {
	hi := s & 0xF000
	return hi == 0xA000 || hi == 0xC000
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusCancel:
		return "Cancel"
	case StatusPending:
		return "Pending"
	case StatusPendingWarning:
		return "Pending (warning)"
	case StatusOutOfResources:
		return "Out of resources"
	case StatusMoveDestinationUnknown:
		return "Move destination unknown"
	case StatusIdentifierDoesNotMatch:
		return "Identifier does not match SOP class"
	case StatusUnableToProcess:
		return "Unable to process"
	}
	return fmt.Sprintf("0x%04X", uint16(s))
}
