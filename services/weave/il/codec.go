// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package il

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ProgramSchemaVersion is the version of the serialization schema.
// Increment when the serialization format changes in a breaking way.
const ProgramSchemaVersion = "1.0"

// File extensions recognised by LoadFile and SaveFile.
const (
	ExtCompressed = ".spin.gz"
	ExtPlain      = ".spin.json"
)

// SerializableProgram is the on-disk representation of a Program.
//
// Description:
//
//	Modules are written in load order (Main first) and every slice keeps its
//	declaration order, so encoding the same program twice yields identical
//	bytes. Parent pointers are omitted and rebuilt by Link on decode.
//
// Thread Safety: SerializableProgram is a value type with no internal state.
type SerializableProgram struct {
	// SchemaVersion identifies the serialization format version.
	SchemaVersion string `json:"schema_version"`

	// Main is the module being built.
	Main *Module `json:"main"`

	// Modules are the loaded references.
	Modules []*Module `json:"modules,omitempty"`
}

// Encode writes the program as JSON.
//
// Description:
//
//	Takes the coarse lock for the duration of the encode so no concurrent
//	mutation interleaves with serialization.
//
// Inputs:
//
//	w - Destination writer.
//
// Outputs:
//
//	error - Non-nil on encoding or write failure.
func (p *Program) Encode(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(&SerializableProgram{
		SchemaVersion: ProgramSchemaVersion,
		Main:          p.Main,
		Modules:       p.Modules,
	})
}

// Decode reads a program written by Encode and links it.
//
// Errors:
//
//	Returns error if the payload is malformed, the schema version is
//	unsupported or the main module is missing.
func Decode(r io.Reader) (*Program, error) {
	var sp SerializableProgram
	if err := json.NewDecoder(r).Decode(&sp); err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}
	if sp.SchemaVersion != ProgramSchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q (expected %q)", sp.SchemaVersion, ProgramSchemaVersion)
	}
	if sp.Main == nil {
		return nil, fmt.Errorf("program has no main module")
	}
	return NewProgram(sp.Main, sp.Modules...), nil
}

// Clone returns an independent deep copy of the program via an encode and
// decode round trip.
func (p *Program) Clone() (*Program, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return Decode(&buf)
}

// Hash returns the SHA256 of the program's encoding, hex encoded.
func (p *Program) Hash() (string, error) {
	h := sha256.New()
	if err := p.Encode(h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadFile reads a program from path. Files ending in ExtCompressed are
// gzip-compressed JSON; anything else is read as plain JSON.
func LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening program: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ExtCompressed) {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gr.Close()
		r = gr
	}
	return Decode(r)
}

// SaveFile writes the program to path, compressing when the path ends in
// ExtCompressed. The file is written to a temporary sibling and renamed so
// a failed save never leaves a truncated program behind.
func SaveFile(p *Program, path string) error {
	var payload bytes.Buffer
	if err := p.Encode(&payload); err != nil {
		return fmt.Errorf("encoding program: %w", err)
	}

	data := payload.Bytes()
	if strings.HasSuffix(path, ExtCompressed) {
		var compressed bytes.Buffer
		gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
		if err != nil {
			return fmt.Errorf("creating gzip writer: %w", err)
		}
		if _, err := gw.Write(data); err != nil {
			return fmt.Errorf("compressing program: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
		data = compressed.Bytes()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".spin-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing program: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing program: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming program: %w", err)
	}
	return nil
}
