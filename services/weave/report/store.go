// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var reportTracer = otel.Tracer("spinner.weave.report")

// BadgerDB key prefixes for weave reports.
const (
	keyPrefixReport      = "weave:report:"
	keyPrefixReportIndex = "weave:report:index:"
	keySuffixData        = ":data"
	keySuffixMeta        = ":meta"
	keySuffixLatest      = ":latest"
)

// DefaultListLimit caps List results when no limit is given.
const DefaultListLimit = 100

// ErrNotFound is returned when a build or module has no stored report.
var ErrNotFound = errors.New("report not found")

// Metadata describes a stored manifest.
type Metadata struct {
	BuildID string `json:"build_id"`
	Module  string `json:"module"`

	// ModuleHash is SHA256(Module)[:16] for key grouping.
	ModuleHash string `json:"module_hash"`

	Source       string `json:"source,omitempty"`
	BuiltAtMilli int64  `json:"built_at_milli"`

	// ManifestHash is Manifest.Hash of the stored manifest.
	ManifestHash string `json:"manifest_hash"`

	Targets   int `json:"targets"`
	Instances int `json:"instances"`

	SchemaVersion  string `json:"schema_version"`
	CompressedSize int64  `json:"compressed_size"`

	// ContentHash is the SHA256 hash of the compressed payload.
	ContentHash string `json:"content_hash"`
}

// Store saves and loads build manifests in BadgerDB.
//
// Description:
//
//	Manifests are stored as gzip-compressed JSON next to a small metadata
//	record used for listing. Each module keeps a pointer to its latest
//	build.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens a badger database at dir. An empty dir opens an in-memory
// database.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening report store %q: %w", dir, err)
	}
	return db, nil
}

// NewStore creates a Store over an opened database. The caller closes db.
//
// Outputs:
//
//	*Store - The store.
//	error - Non-nil if db is nil.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "report"))}, nil
}

// Save persists a manifest and makes it the module's latest build.
//
// Key Schema:
//
//	weave:report:{moduleHash}:{buildID}:data → gzip(JSON(Manifest))
//	weave:report:{moduleHash}:{buildID}:meta → JSON(Metadata)
//	weave:report:{moduleHash}:latest         → buildID
//	weave:report:index:{buildID}             → moduleHash
func (s *Store) Save(ctx context.Context, m *Manifest) (*Metadata, error) {
	_, span := reportTracer.Start(ctx, "report.Store.Save")
	defer span.End()

	if m == nil {
		return nil, fmt.Errorf("manifest must not be nil")
	}
	if m.BuildID == "" || strings.Contains(m.BuildID, ":") {
		return nil, fmt.Errorf("invalid build ID %q", m.BuildID)
	}

	jsonData, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing manifest: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	data := compressed.Bytes()

	moduleHash := ModuleHash(m.Module)
	meta := &Metadata{
		BuildID:        m.BuildID,
		Module:         m.Module,
		ModuleHash:     moduleHash,
		Source:         m.Source,
		BuiltAtMilli:   m.BuiltAtMilli,
		ManifestHash:   m.Hash(),
		Targets:        len(m.Targets),
		Instances:      m.Instances(),
		SchemaVersion:  ManifestSchemaVersion,
		CompressedSize: int64(len(data)),
		ContentHash:    hashBytes(data),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(moduleHash, m.BuildID), data); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set(metaKey(moduleHash, m.BuildID), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		if err := txn.Set(latestKey(moduleHash), []byte(m.BuildID)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		if err := txn.Set(indexKey(m.BuildID), []byte(moduleHash)); err != nil {
			return fmt.Errorf("storing reverse index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing report to badger: %w", err)
	}

	span.SetAttributes(
		attribute.String("build_id", m.BuildID),
		attribute.Int("targets", meta.Targets),
	)
	s.logger.Info("weave report saved",
		slog.String("build_id", m.BuildID),
		slog.String("module", m.Module),
		slog.Int("targets", meta.Targets),
		slog.Int("instances", meta.Instances),
	)
	return meta, nil
}

// Load returns the manifest of a build.
//
// Outputs:
//
//	*Manifest - The manifest.
//	*Metadata - Its metadata.
//	error - Wraps ErrNotFound for unknown builds; non-nil when the stored
//	payload fails its integrity check.
func (s *Store) Load(ctx context.Context, buildID string) (*Manifest, *Metadata, error) {
	_, span := reportTracer.Start(ctx, "report.Store.Load")
	defer span.End()

	if buildID == "" {
		return nil, nil, fmt.Errorf("build ID must not be empty")
	}
	moduleHash, err := s.get(indexKey(buildID))
	if err != nil {
		return nil, nil, fmt.Errorf("looking up build %s: %w", buildID, err)
	}
	return s.loadByKeys(moduleHash, buildID)
}

// Latest returns the most recent manifest saved for module.
func (s *Store) Latest(ctx context.Context, module string) (*Manifest, *Metadata, error) {
	_, span := reportTracer.Start(ctx, "report.Store.Latest")
	defer span.End()

	moduleHash := ModuleHash(module)
	buildID, err := s.get(latestKey(moduleHash))
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest build of %s: %w", module, err)
	}
	return s.loadByKeys(moduleHash, buildID)
}

// List returns metadata of stored builds, newest first.
//
// Inputs:
//
//	ctx - Context for tracing.
//	module - Optional module filter. Empty lists every module.
//	limit - Maximum number of results. If <= 0, DefaultListLimit.
func (s *Store) List(ctx context.Context, module string, limit int) ([]*Metadata, error) {
	_, span := reportTracer.Start(ctx, "report.Store.List")
	defer span.End()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	prefix := keyPrefixReport
	if module != "" {
		prefix = keyPrefixReport + ModuleHash(module) + ":"
	}

	var results []*Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, keySuffixMeta) {
				continue
			}
			var meta Metadata
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				s.logger.Warn("skipping corrupt report metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			results = append(results, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].BuiltAtMilli > results[j].BuiltAtMilli
	})
	if len(results) > limit {
		results = results[:limit]
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// Delete removes a build's report. Deleting the latest build moves the
// module's latest pointer to its newest remaining build, or clears it when
// none remain.
func (s *Store) Delete(ctx context.Context, buildID string) error {
	_, span := reportTracer.Start(ctx, "report.Store.Delete")
	defer span.End()

	moduleHash, err := s.get(indexKey(buildID))
	if err != nil {
		return fmt.Errorf("looking up build %s: %w", buildID, err)
	}
	var repointed string
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{dataKey(moduleHash, buildID), metaKey(moduleHash, buildID), indexKey(buildID)} {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
		}
		item, err := txn.Get(latestKey(moduleHash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading latest pointer: %w", err)
		}
		var latest string
		if err := item.Value(func(val []byte) error {
			latest = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("reading latest pointer: %w", err)
		}
		if latest != buildID {
			return nil
		}
		next, err := s.newestBuild(txn, moduleHash)
		if err != nil {
			return err
		}
		if next == "" {
			if err := txn.Delete(latestKey(moduleHash)); err != nil {
				return fmt.Errorf("deleting latest pointer: %w", err)
			}
			return nil
		}
		repointed = next
		if err := txn.Set(latestKey(moduleHash), []byte(next)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting build %s: %w", buildID, err)
	}
	s.logger.Info("weave report deleted",
		slog.String("build_id", buildID),
		slog.String("latest", repointed))
	return nil
}

// newestBuild returns the ID of the module's remaining build with the
// greatest BuiltAtMilli, or "" when the module has no builds left. Ties go
// to the greater build ID.
func (s *Store) newestBuild(txn *badger.Txn, moduleHash string) (string, error) {
	prefix := []byte(keyPrefixReport + moduleHash + ":")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var best *Metadata
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		if !strings.HasSuffix(string(item.Key()), keySuffixMeta) {
			continue
		}
		var meta Metadata
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return "", fmt.Errorf("reading metadata %s: %w", item.Key(), err)
		}
		if best == nil || meta.BuiltAtMilli > best.BuiltAtMilli ||
			meta.BuiltAtMilli == best.BuiltAtMilli && meta.BuildID > best.BuildID {
			best = &meta
		}
	}
	if best == nil {
		return "", nil
	}
	return best.BuildID, nil
}

func (s *Store) loadByKeys(moduleHash, buildID string) (*Manifest, *Metadata, error) {
	var data, metaJSON []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(moduleHash, buildID))
		if err != nil {
			return fmt.Errorf("reading data for %s: %w", buildID, notFound(err))
		}
		if data, err = item.ValueCopy(nil); err != nil {
			return fmt.Errorf("copying data for %s: %w", buildID, err)
		}
		item, err = txn.Get(metaKey(moduleHash, buildID))
		if err != nil {
			return fmt.Errorf("reading metadata for %s: %w", buildID, notFound(err))
		}
		if metaJSON, err = item.ValueCopy(nil); err != nil {
			return fmt.Errorf("copying metadata for %s: %w", buildID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", buildID, err)
	}
	if actual := hashBytes(data); meta.ContentHash != "" && meta.ContentHash != actual {
		return nil, nil, fmt.Errorf("integrity check failed for %s: expected hash %s, got %s", buildID, meta.ContentHash, actual)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing report %s: %w", buildID, err)
	}
	defer gr.Close()
	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed report %s: %w", buildID, err)
	}
	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling manifest %s: %w", buildID, err)
	}
	return &m, &meta, nil
}

func (s *Store) get(key []byte) (string, error) {
	var out string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return notFound(err)
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	return out, err
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// ModuleHash returns SHA256(module)[:16], the key prefix of a module's
// reports.
func ModuleHash(module string) string {
	h := sha256.Sum256([]byte(module))
	return hex.EncodeToString(h[:])[:16]
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func dataKey(moduleHash, buildID string) []byte {
	return []byte(keyPrefixReport + moduleHash + ":" + buildID + keySuffixData)
}

func metaKey(moduleHash, buildID string) []byte {
	return []byte(keyPrefixReport + moduleHash + ":" + buildID + keySuffixMeta)
}

func latestKey(moduleHash string) []byte {
	return []byte(keyPrefixReport + moduleHash + keySuffixLatest)
}

func indexKey(buildID string) []byte {
	return []byte(keyPrefixReportIndex + buildID)
}
