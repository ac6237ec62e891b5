// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Sink receives one metrics record per training step. Records are keyed by
// the number of training instances seen so far, which is invariant to batch
// size changes between runs. Sink failures are non-fatal: the training loop
// logs the first one and keeps training.
type Sink interface {
	Emit(instancesSeen int, fields map[string]float64) error
	Close() error
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Emit(int, map[string]float64) error { return nil }
func (NopSink) Close() error                       { return nil }

// JSONLSink appends one JSON object per record to a file.
type JSONLSink struct {
	f   *os.File
	enc *json.Encoder
}

// NewJSONLSink opens (or creates) path for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSinkUnavailable, path, err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes the record as a single JSON line.
func (s *JSONLSink) Emit(instancesSeen int, fields map[string]float64) error {
	record := make(map[string]any, len(fields)+1)
	record["instances_seen"] = instancesSeen
	for k, v := range fields {
		record[k] = v
	}
	if err := s.enc.Encode(record); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error { return s.f.Close() }

// LogSink prints records through a log function, one line per record with
// fields in sorted key order.
type LogSink struct {
	Printf func(format string, args ...any)
}

// Emit formats the record as "instances=N k1=v1 k2=v2 ...".
func (s LogSink) Emit(instancesSeen int, fields map[string]float64) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "instances=%d", instancesSeen)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%.6g", k, fields[k])
	}
	s.Printf("%s", b.String())
	return nil
}

func (LogSink) Close() error { return nil }
