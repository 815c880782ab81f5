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

package operators

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func float32Frame(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestOperators(t *testing.T) {
	cases := []struct {
		name     string
		payloads [][]byte
		expected string
	}{
		{"lendiff", [][]byte{[]byte("ab"), []byte("abcde")}, "3"},
		{"lendiff", [][]byte{[]byte("abc"), {}}, "-3"},
		{"bytediff", [][]byte{[]byte("abcd"), []byte("abxdef")}, "3"},
		{"bytediff", [][]byte{{}, {}}, "0"},
		{"mean-f32", [][]byte{float32Frame(1, 3), float32Frame(5, 7)}, "4"},
		{"mean-f32", [][]byte{{}, float32Frame(2)}, "1"},
		{"echo", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, "abc"},
	}
	for _, c := range cases {
		op, err := Lookup(c.name)
		if err != nil {
			t.Fatal(err)
		}
		out, err := op(context.Background(), c.payloads)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if string(out) != c.expected {
			t.Errorf("%s: incorrect result. expected: %s, actual: %s", c.name, c.expected, out)
		}
	}
}

func TestOperatorErrors(t *testing.T) {
	if _, err := LenDiff(context.Background(), [][]byte{{1}}); err == nil {
		t.Error("lendiff needs a pair")
	}
	if _, err := MeanFloat32(context.Background(), [][]byte{{1, 2, 3}, {}}); err == nil {
		t.Error("mean-f32 needs whole float32 values")
	}
	if _, err := Lookup("fft"); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("expected ErrUnknownOperator, got: %v", err)
	}
}

func TestNamesAreSorted(t *testing.T) {
	names := Names()
	expected := []string{"bytediff", "echo", "lendiff", "mean-f32"}
	if len(names) != len(expected) {
		t.Fatalf("unexpected names: %v", names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Errorf("unexpected names: %v", names)
		}
	}
}
