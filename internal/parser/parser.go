// Package parser reads and writes notes: a YAML front-matter block holding
// the note's metadata followed by a Markdown body.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

var frontMatterRe = regexp.MustCompile(`\A---\r?\n((?s:.*?)\r?\n)?---[ \t]*(?:\r?\n|\z)`)

// Metadata is the front matter every note carries.
type Metadata struct {
	Title string `yaml:"title"`
	Slug  string `yaml:"slug"`
	// Path is the note's section path, "/"-joined.
	Path string `yaml:"path,omitempty"`
}

// Validate validates the metadata.
func (m Metadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Slug, validation.Required),
	)
}

// PathSegments splits Path into its section names.
func (m Metadata) PathSegments() []string {
	return SplitPath(m.Path)
}

// SplitPath splits a "/"-joined section path, dropping empty segments.
func SplitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}

// ParseError reports a note whose front matter is missing or invalid.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parser: %s: %v", e.Reason, e.Err)
	}
	return "parser: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result holds the output of parsing a note.
type Result struct {
	Meta Metadata
	Body string
}

// Parse splits data into validated front matter and body. A note without a
// well-formed front-matter block is an error.
func Parse(data []byte) (*Result, error) {
	loc := frontMatterRe.FindSubmatchIndex(data)
	if loc == nil {
		return nil, &ParseError{Reason: "missing front matter"}
	}

	var block []byte
	if loc[2] >= 0 {
		block = data[loc[2]:loc[3]]
	}

	var meta Metadata
	dec := yaml.NewDecoder(bytes.NewReader(block))
	dec.KnownFields(true)
	// An empty block decodes to io.EOF and then fails validation.
	if err := dec.Decode(&meta); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ParseError{Reason: "invalid front matter", Err: err}
	}
	if err := meta.Validate(); err != nil {
		return nil, &ParseError{Reason: "invalid front matter", Err: err}
	}

	return &Result{
		Meta: meta,
		Body: string(data[loc[1]:]),
	}, nil
}

// Serialize renders meta as front matter followed by body.
func Serialize(meta Metadata, body string) ([]byte, error) {
	block, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("parser: marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(block) + len(body) + 8)
	buf.WriteString("---\n")
	buf.Write(block)
	buf.WriteString("---\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}
