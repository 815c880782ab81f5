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

// Package operators holds a few AnalysisOperators the command line tools can run by name.
// Production operators are compiled into their own binaries against streams.AnalysisOperator.
package operators

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/deduce-dev/dacman-stream/streams"
)

var ErrUnknownOperator = errors.New("unknown operator")

var registry = map[string]streams.AnalysisOperator{
	"lendiff":  LenDiff,
	"bytediff": ByteDiff,
	"mean-f32": MeanFloat32,
	"echo":     Echo,
}

// Lookup returns the operator registered as `name`.
func Lookup(name string) (streams.AnalysisOperator, error) {
	if op, ok := registry[name]; ok {
		return op, nil
	}
	return nil, fmt.Errorf("%w %q, known operators: %v", ErrUnknownOperator, name, Names())
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pair(payloads [][]byte) ([]byte, []byte, error) {
	if len(payloads) != 2 {
		return nil, nil, fmt.Errorf("expected 2 payloads, got %d", len(payloads))
	}
	return payloads[0], payloads[1], nil
}

// LenDiff returns len(b)-len(a) as decimal text.
func LenDiff(_ context.Context, payloads [][]byte) ([]byte, error) {
	a, b, err := pair(payloads)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.Itoa(len(b) - len(a))), nil
}

// ByteDiff counts the positions at which a and b differ. Bytes past the shorter payload all differ.
func ByteDiff(_ context.Context, payloads [][]byte) ([]byte, error) {
	a, b, err := pair(payloads)
	if err != nil {
		return nil, err
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	diff := len(b) - len(a)
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return []byte(strconv.Itoa(diff)), nil
}

func meanFloat32(frame []byte) (float64, error) {
	if len(frame)%4 != 0 {
		return 0, fmt.Errorf("frame of %d bytes is not a float32 array", len(frame))
	}
	n := len(frame) / 4
	if n == 0 {
		return 0, nil
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(math.Float32frombits(binary.LittleEndian.Uint32(frame[4*i:])))
	}
	return sum / float64(n), nil
}

// MeanFloat32 averages the means of two little endian float32 frames, a moving average over consecutive frames.
func MeanFloat32(_ context.Context, payloads [][]byte) ([]byte, error) {
	a, b, err := pair(payloads)
	if err != nil {
		return nil, err
	}
	ma, err := meanFloat32(a)
	if err != nil {
		return nil, err
	}
	mb, err := meanFloat32(b)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatFloat((ma+mb)/2, 'g', -1, 64)), nil
}

// Echo returns the concatenated payloads.
func Echo(_ context.Context, payloads [][]byte) ([]byte, error) {
	n := 0
	for _, p := range payloads {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out, nil
}
