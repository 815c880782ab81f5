// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/deduce-dev/dacman-stream/streams"
)

/*
DirectoryFrames compares consecutive files of a directory in lexical order: frames
f0..fn yield the pairs (f0, f1), (f1, f2) ... (fn-1, fn). Each file is read once.

	it, err := ingest.DirectoryFrames{Dir: "/data/run-42", Glob: "*.bin"}.Iterator()
*/
type DirectoryFrames struct {
	Dir string
	// Defaults to "*".
	Glob string
}

func (df DirectoryFrames) Files() ([]string, error) {
	glob := df.Glob
	if glob == "" {
		glob = "*"
	}
	matches, err := filepath.Glob(filepath.Join(df.Dir, glob))
	if err != nil {
		return nil, err
	}
	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (df DirectoryFrames) Iterator() (streams.DatasetIterator, error) {
	files, err := df.Files()
	if err != nil {
		return nil, err
	}
	if len(files) < 2 {
		return nil, fmt.Errorf("%w: %s holds %d frames, at least 2 are needed", streams.ErrInvalidConfig, df.Dir, len(files))
	}
	var prev []byte
	i := 0
	return streams.FuncIterator(func(ctx context.Context) (streams.Item, error) {
		if err := ctx.Err(); err != nil {
			return streams.Item{}, err
		}
		if i+1 >= len(files) {
			return streams.Item{}, io.EOF
		}
		if prev == nil {
			b, err := os.ReadFile(files[i])
			if err != nil {
				return streams.Item{}, err
			}
			prev = b
		}
		next, err := os.ReadFile(files[i+1])
		if err != nil {
			return streams.Item{}, err
		}
		item := streams.Item{Key: filepath.Base(files[i+1]), Payloads: [][]byte{prev, next}}
		prev = next
		i++
		return item, nil
	}), nil
}
