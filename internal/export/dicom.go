package export

import (
	"context"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dimse/dul"
	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
)

// SCPDestination sends instances to a remote SCP over C-STORE. Files go out
// with their stored SOP class and transfer syntax, no transcoding; the
// association is renegotiated whenever either changes between files.
type SCPDestination struct {
	node       config.Node
	callingAET string
	tm         dicomnet.Timeouts
	syntaxes   []string
	log        *logrus.Entry

	sess      *dicomnet.Session
	curClass  string
	curSyntax string
}

// NewSCPDestination builds a destination for one remote node. Nothing is
// dialed until the first Preflight or Send.
func NewSCPDestination(cfg *config.Config, node config.Node, log *logrus.Entry) *SCPDestination {
	return &SCPDestination{
		node:       node,
		callingAET: cfg.SCU.AETitle,
		tm: dicomnet.Timeouts{
			Connect: cfg.Network.TCPConnect() + cfg.Network.ACSE(),
			Request: cfg.Network.DIMSE(),
			Overall: cfg.Network.Network(),
		},
		syntaxes: cfg.TransferSyntaxes,
		log:      log,
	}
}

// Preflight queries the destination for instances it already holds, one
// image-level C-FIND per study, over a query association separate from the
// store association.
func (d *SCPDestination) Preflight(ctx context.Context, patientID string, files []File) (map[string]struct{}, error) {
	studies := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, f := range files {
		if _, ok := seen[f.StudyUID]; !ok {
			seen[f.StudyUID] = struct{}{}
			studies = append(studies, f.StudyUID)
		}
	}
	if len(studies) == 0 {
		return nil, nil
	}

	sess, err := dicomnet.Dial(ctx, d.endpoint(), d.tm, dicomnet.QueryRetrieveContexts(d.syntaxes), d.log)
	if err != nil {
		return nil, err
	}
	defer sess.Close(context.Background())

	present := make(map[string]struct{})
	for _, studyUID := range studies {
		results, err := sess.FindInstances(ctx, studyUID, "")
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			present[r.SOPInstanceUID] = struct{}{}
		}
	}
	d.log.WithFields(logrus.Fields{
		"patient": patientID,
		"present": len(present),
	}).Debug("destination preflight complete")
	return present, nil
}

// Send stores one file on the remote SCP.
func (d *SCPDestination) Send(ctx context.Context, f File) error {
	ds, err := dicom.ParseFile(f.Path)
	if err != nil {
		return deid.Wrap(deid.KindDICOMReadError, "export.read "+f.Path, err)
	}
	class := dicomnet.AttrString(ds, dicomnet.TagSOPClassUID)
	if class == "" {
		return deid.E(deid.KindInvalidDICOM, "export.send", "no sop class in "+f.Path)
	}
	syntax := dicomnet.AttrString(ds, dicomnet.TagTransferSyntaxUID)
	if syntax == "" {
		syntax = dicomnet.ImplicitVRLittleEndian
	}

	if d.sess == nil || class != d.curClass || syntax != d.curSyntax {
		if err := d.associate(ctx, class, syntax); err != nil {
			return err
		}
	}
	return d.sess.Store(ctx, ds)
}

// associate replaces the store association with one negotiated for exactly
// the class and syntax of the next file.
func (d *SCPDestination) associate(ctx context.Context, class, syntax string) error {
	if d.sess != nil {
		d.sess.Close(context.Background())
		d.sess = nil
	}
	d.log.WithFields(logrus.Fields{
		"sop_class":       class,
		"transfer_syntax": syntax,
	}).Debug("negotiating store association")

	contexts := []dul.PresentationContextRQ{
		{ID: 1, AbstractSyntax: class, TransferSyntaxes: []string{syntax}},
	}
	sess, err := dicomnet.Dial(ctx, d.endpoint(), d.tm, contexts, d.log)
	if err != nil {
		return err
	}
	d.sess = sess
	d.curClass = class
	d.curSyntax = syntax
	return nil
}

// Close releases the store association if one is open.
func (d *SCPDestination) Close(ctx context.Context) error {
	if d.sess == nil {
		return nil
	}
	err := d.sess.Close(ctx)
	d.sess = nil
	d.curClass, d.curSyntax = "", ""
	return err
}

func (d *SCPDestination) endpoint() dicomnet.Endpoint {
	return dicomnet.Endpoint{
		CallingAETitle: d.callingAET,
		CalledAETitle:  d.node.AETitle,
		RemoteAddr:     d.node.Addr(),
	}
}
