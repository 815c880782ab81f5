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

package streams

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Returned by Broker.GetBlocks when a referenced block is absent. Always fatal for the caller.
	ErrBlockNotFound = errors.New("data block not found")
	// Wraps transport level failures of a Broker. Fatal for Source and Worker.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// Returned by Broker.WindowDrain when the window was already drained, or holds fewer ids than requested.
	ErrWindowDrained = errors.New("window not drainable")
	// Wrapped by OperatorError.
	ErrOperatorFailed = errors.New("analysis operator failed")
	// Returned from a Transport once it has been closed.
	ErrTransportClosed = errors.New("transport closed")
	ErrInvalidConfig   = errors.New("invalid configuration")
	// Returned by the Codec when a task payload does not match the fixed schema.
	ErrMalformedTask = errors.New("malformed task")
)

// BlockNotFoundError reports which blocks of which task were missing.
// errors.Is(err, ErrBlockNotFound) holds for every BlockNotFoundError.
type BlockNotFoundError struct {
	TaskID  TaskID
	Missing []BlockID
}

func (e *BlockNotFoundError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	if e.TaskID == "" {
		return fmt.Sprintf("%v: [%s]", ErrBlockNotFound, strings.Join(ids, ", "))
	}
	return fmt.Sprintf("%v: task %s, blocks [%s]", ErrBlockNotFound, e.TaskID, strings.Join(ids, ", "))
}

func (e *BlockNotFoundError) Unwrap() error {
	return ErrBlockNotFound
}

// OperatorError is returned by a Worker when the AnalysisOperator fails. The task is lost.
type OperatorError struct {
	TaskID TaskID
	Err    error
}

func (e *OperatorError) Error() string {
	return fmt.Sprintf("%v for %s: %v", ErrOperatorFailed, e.TaskID, e.Err)
}

func (e *OperatorError) Is(target error) bool {
	return target == ErrOperatorFailed
}

func (e *OperatorError) Unwrap() error {
	return e.Err
}

// Instructs a Worker how to proceed when the AnalysisOperator fails.
type ErrorResponse int

const (
	// Instructs the Worker to drop the task and keep polling. The failure is logged and counted.
	// Only appropriate for operators whose failures are known to be data dependent.
	CompleteAndContinue ErrorResponse = iota

	// As the name implies, the worker will stop and Run() returns an *OperatorError.
	// The worker CLI maps this to a non-zero exit status.
	FatallyExit
)

type WorkerErrorHandler func(taskID TaskID, err error) ErrorResponse

// The default handler. Operator failures are fatal; there is no retry.
func DefaultWorkerErrorHandler(taskID TaskID, err error) ErrorResponse {
	log.Errorf("analysis operator failed for %s, error: %v", taskID, err)
	return FatallyExit
}

// A WorkerErrorHandler that logs and skips the failed task.
func ContinueOnOperatorError(taskID TaskID, err error) ErrorResponse {
	log.Warnf("dropping %s after operator failure: %v", taskID, err)
	return CompleteAndContinue
}
