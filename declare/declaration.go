// Package declare publishes services listed in a YAML declarations file and
// keeps the registry in step with the file as it changes.
//
// A declarations file looks like:
//
//	services:
//	  - key: greeter-en
//	    contract: Greeting
//	    value: "Hello"
//	    properties:
//	      lang: en
//	      service.ranking: 10
//
// Each entry is published as a *Service carrying its value. Keys identify an
// entry across syncs: changing only the properties updates the live
// registration in place, changing the contract or value replaces it.
package declare

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/svcregistry"
	"github.com/GoCodeAlone/svcregistry/metadata"
)

// Static errors for the declare package
var (
	ErrDuplicateKey       = errors.New("duplicate declaration key")
	ErrInvalidDeclaration = errors.New("invalid declaration")
)

var validate = validator.New()

// File is the on-disk declarations document.
type File struct {
	Services []Declaration `yaml:"services" validate:"dive"`
}

// Declaration describes one service to publish.
type Declaration struct {
	Key        string         `yaml:"key" validate:"required"`
	Contract   string         `yaml:"contract" validate:"required"`
	Value      any            `yaml:"value"`
	Properties map[string]any `yaml:"properties"`
}

// Service is the implementation published for a declaration.
type Service struct {
	Key      string
	Contract string
	Value    any
}

// compiled is a declaration whose contract and properties have been checked.
type compiled struct {
	decl     Declaration
	contract svcregistry.Contract
	props    metadata.Properties
}

// Parse reads a declarations document. An empty document declares nothing.
func Parse(r io.Reader) (*File, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse declarations: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeclaration, err)
	}
	seen := make(map[string]struct{}, len(f.Services))
	for _, d := range f.Services {
		if _, dup := seen[d.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, d.Key)
		}
		seen[d.Key] = struct{}{}
	}
	return &f, nil
}

// ParseFile reads the declarations file at path. A missing file declares
// nothing.
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening declarations: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

func (f *File) compile() ([]compiled, error) {
	out := make([]compiled, 0, len(f.Services))
	for _, d := range f.Services {
		contract := svcregistry.Contract(d.Contract)
		if err := contract.Validate(); err != nil {
			return nil, fmt.Errorf("declaration %q: %w", d.Key, err)
		}
		props, err := metadata.New(d.Properties)
		if err != nil {
			return nil, fmt.Errorf("declaration %q: %w", d.Key, err)
		}
		out = append(out, compiled{decl: d, contract: contract, props: props})
	}
	return out, nil
}
