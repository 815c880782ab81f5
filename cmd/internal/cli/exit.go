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

package cli

import (
	"context"
	"errors"

	"github.com/deduce-dev/dacman-stream/streams"
)

const (
	ExitOK       = 0
	ExitBroker   = 1
	ExitOperator = 2
	ExitConfig   = 3
)

// ExitCode maps the error a tool finished with to its exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, streams.ErrInvalidConfig):
		return ExitConfig
	case errors.Is(err, streams.ErrOperatorFailed):
		return ExitOperator
	case errors.Is(err, context.Canceled):
		return ExitOK
	}
	return ExitBroker
}

// Finish logs `err` and returns its exit status.
func Finish(tool string, err error) int {
	code := ExitCode(err)
	switch {
	case err == nil:
		streams.Log().Infof("%s finished", tool)
	case code == ExitOK:
		streams.Log().Warnf("%s interrupted: %v", tool, err)
	default:
		streams.Log().Errorf("%s failed (exit %d): %v", tool, code, err)
	}
	return code
}
