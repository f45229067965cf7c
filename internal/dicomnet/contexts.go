package dicomnet

import (
	"github.com/codeninja55/go-radx/dimse/dul"
)

// Presentation context IDs must be odd and unique within an association
// (DICOM Part 8, 9.3.2.2). Builders below assign 1, 3, 5, ...

// EchoContexts returns the single verification context.
func EchoContexts(transferSyntaxes []string) []dul.PresentationContextRQ {
	return []dul.PresentationContextRQ{
		{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: transferSyntaxes},
	}
}

// QueryRetrieveContexts returns contexts for Study Root C-FIND and C-MOVE
// plus verification, so one association can probe and retrieve.
func QueryRetrieveContexts(transferSyntaxes []string) []dul.PresentationContextRQ {
	return []dul.PresentationContextRQ{
		{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: transferSyntaxes},
		{ID: 3, AbstractSyntax: StudyRootQueryRetrieveInformationModelFind, TransferSyntaxes: transferSyntaxes},
		{ID: 5, AbstractSyntax: StudyRootQueryRetrieveInformationModelMove, TransferSyntaxes: transferSyntaxes},
	}
}

// StorageContexts returns one context per storage SOP class. An association
// carries at most 128 presentation contexts; surplus classes are dropped,
// which only matters for pathological configurations.
func StorageContexts(sopClasses, transferSyntaxes []string) []dul.PresentationContextRQ {
	contexts := make([]dul.PresentationContextRQ, 0, len(sopClasses)+1)
	id := uint8(1)
	contexts = append(contexts, dul.PresentationContextRQ{
		ID: id, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: transferSyntaxes,
	})
	for _, class := range sopClasses {
		if id >= 253 {
			break
		}
		id += 2
		contexts = append(contexts, dul.PresentationContextRQ{
			ID: id, AbstractSyntax: class, TransferSyntaxes: transferSyntaxes,
		})
	}
	return contexts
}

// SupportedContextsMap builds the SCP negotiation map: abstract syntax to
// accepted transfer syntaxes, verification included.
func SupportedContextsMap(sopClasses, transferSyntaxes []string) map[string][]string {
	m := make(map[string][]string, len(sopClasses)+1)
	m[VerificationSOPClass] = transferSyntaxes
	for _, class := range sopClasses {
		m[class] = transferSyntaxes
	}
	return m
}
