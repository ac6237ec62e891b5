// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadCorpus reads nTrain+nValid+nTest bytes from the corpus at path and
// splits them into three disjoint token sequences. Files ending in ".gz"
// are decompressed on the fly; anything else is read raw. Every byte is one
// token, so no decoding step exists beyond optional gzip.
//
// Returns ErrExhaustedData if the corpus holds fewer bytes than the three
// splits require. This is checked here, at startup, so a short corpus fails
// before any training iteration runs.
func LoadCorpus(path string, nTrain, nValid, nTest int) (train, valid, test TokenSequence, err error) {
	if nTrain < 1 || nValid < 1 || nTest < 1 {
		return nil, nil, nil, fmt.Errorf("%w: all split sizes must be positive", ErrInvalidArgument)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open gzip corpus: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	total := nTrain + nValid + nTest
	data := make([]byte, total)
	n, err := io.ReadFull(r, data)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, nil, nil, fmt.Errorf("%w: corpus %s holds %d bytes, need %d", ErrExhaustedData, path, n, total)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read corpus: %w", err)
	}

	return data[:nTrain], data[nTrain : nTrain+nValid], data[nTrain+nValid:], nil
}
