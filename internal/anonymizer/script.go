// Package anonymizer rewrites DICOM datasets tag by tag under a compiled
// script: named operators for the tags the script mentions, default deletions
// for curve, overlay and private groups and for the identifying group range,
// then the de-identification markers every outgoing dataset must carry.
package anonymizer

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codeninja55/go-radx/dicom/tag"

	"github.com/savegress/dicomveil/internal/dicomnet"
)

//go:embed default_script.yaml
var defaultScriptYAML []byte

// scriptVersion is the only script layout this engine compiles.
const scriptVersion = 1

type opCode int

const (
	opKeep opCode = iota
	opRemove
	opEmpty
	opHashDate
	opRound
	opPatientID
	opAccession
	opUID
)

type operator struct {
	code  opCode
	width int // @round only
}

type scriptFile struct {
	Version   int               `yaml:"version"`
	Operators map[string]string `yaml:"operators"`
}

// Script is a compiled per-tag operator table.
type Script struct {
	ops map[tag.Tag]operator
}

// Default compiles the embedded script.
func Default() (*Script, error) {
	return Parse(defaultScriptYAML)
}

// LoadScript compiles a script file from disk.
func LoadScript(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("anonymizer: read script: %w", err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("anonymizer: script %s: %w", path, err)
	}
	return s, nil
}

// Parse compiles YAML script bytes. Unknown operators, malformed tags and
// scripts that leave the identity tags unhandled are compile errors, not
// runtime surprises.
func Parse(raw []byte) (*Script, error) {
	var sf scriptFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if sf.Version != scriptVersion {
		return nil, fmt.Errorf("unsupported script version %d, want %d", sf.Version, scriptVersion)
	}
	if len(sf.Operators) == 0 {
		return nil, fmt.Errorf("script has no operators")
	}

	ops := make(map[tag.Tag]operator, len(sf.Operators))
	for key, spec := range sf.Operators {
		t, err := parseTagKey(key)
		if err != nil {
			return nil, err
		}
		op, err := parseOperator(spec)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", key, err)
		}
		ops[t] = op
	}

	s := &Script{ops: ops}
	if err := s.validateIdentityTags(); err != nil {
		return nil, err
	}
	return s, nil
}

// validateIdentityTags refuses scripts that would let the identifiers used
// as storage path components through unmapped.
func (s *Script) validateIdentityTags() error {
	checks := []struct {
		t    tag.Tag
		code opCode
		want string
	}{
		{dicomnet.TagPatientID, opPatientID, "@ptid"},
		{dicomnet.TagStudyInstanceUID, opUID, "@uid"},
		{dicomnet.TagSeriesInstanceUID, opUID, "@uid"},
		{dicomnet.TagSOPInstanceUID, opUID, "@uid"},
	}
	for _, c := range checks {
		op, ok := s.ops[c.t]
		if !ok || op.code != c.code {
			return fmt.Errorf("script must map %s with %s", c.t, c.want)
		}
	}
	return nil
}

// OperatorFor returns the compiled operator for a tag.
func (s *Script) OperatorFor(t tag.Tag) (operator, bool) {
	op, ok := s.ops[t]
	return op, ok
}

// Len returns the number of scripted tags.
func (s *Script) Len() int { return len(s.ops) }

func parseTagKey(key string) (tag.Tag, error) {
	parts := strings.Split(strings.TrimSpace(key), ",")
	if len(parts) != 2 {
		return tag.Tag{}, fmt.Errorf("malformed tag key %q, want GGGG,EEEE", key)
	}
	group, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("malformed tag group in %q: %w", key, err)
	}
	elem, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("malformed tag element in %q: %w", key, err)
	}
	return tag.New(uint16(group), uint16(elem)), nil
}

func parseOperator(spec string) (operator, error) {
	name := strings.TrimSpace(spec)
	arg := ""
	if i := strings.IndexByte(name, '('); i >= 0 {
		if !strings.HasSuffix(name, ")") {
			return operator{}, fmt.Errorf("malformed operator %q", spec)
		}
		arg = strings.TrimSpace(name[i+1 : len(name)-1])
		name = name[:i]
	}

	switch name {
	case "@keep":
		return operator{code: opKeep}, nil
	case "@remove":
		return operator{code: opRemove}, nil
	case "@empty":
		return operator{code: opEmpty}, nil
	case "@hashdate":
		switch arg {
		case "", "PatientID", "this,PatientID":
			return operator{code: opHashDate}, nil
		}
		return operator{}, fmt.Errorf("unsupported hashdate source %q", arg)
	case "@round":
		width, err := strconv.Atoi(arg)
		if err != nil || width < 1 {
			return operator{}, fmt.Errorf("round width %q must be a positive integer", arg)
		}
		return operator{code: opRound, width: width}, nil
	case "@ptid":
		return operator{code: opPatientID}, nil
	case "@acc":
		return operator{code: opAccession}, nil
	case "@uid":
		return operator{code: opUID}, nil
	}
	return operator{}, fmt.Errorf("unknown operator %q", spec)
}
