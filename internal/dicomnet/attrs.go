package dicomnet

import (
	"strconv"
	"strings"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/element"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/value"
	"github.com/codeninja55/go-radx/dicom/vr"
)

// AttrString returns the attribute value as a trimmed string, or "" when the
// element is absent or empty. DICOM pads string values to even length, so
// trailing spaces and NULs are stripped.
func AttrString(ds *dicom.DataSet, t tag.Tag) string {
	elem, err := ds.Get(t)
	if err != nil || elem == nil {
		return ""
	}
	return strings.Trim(elem.Value().String(), " \x00")
}

// AttrStrings splits a multi-valued attribute on the DICOM value separator.
func AttrStrings(ds *dicom.DataSet, t tag.Tag) []string {
	raw := AttrString(ds, t)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, `\`)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AttrInt parses an integer-valued attribute (IS and US values both render as
// decimal strings). The second return is false when absent or unparseable.
func AttrInt(ds *dicom.DataSet, t tag.Tag) (int, bool) {
	raw := AttrString(ds, t)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetString writes a string attribute, replacing the element value when the
// tag is already present.
func SetString(ds *dicom.DataSet, t tag.Tag, valueRep vr.VR, values ...string) error {
	val, err := value.NewStringValue(valueRep, values)
	if err != nil {
		return err
	}
	if elem, getErr := ds.Get(t); getErr == nil && elem != nil {
		return elem.SetValue(val)
	}
	elem, err := element.NewElement(t, valueRep, val)
	if err != nil {
		return err
	}
	return ds.Add(elem)
}

// HasAttr reports whether the dataset carries a non-empty value for the tag.
func HasAttr(ds *dicom.DataSet, t tag.Tag) bool {
	return AttrString(ds, t) != ""
}
