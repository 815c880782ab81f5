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

// Package cli holds what the dstream command line tools share: flag registration with
// DSTREAM_* environment fallbacks, YAML config files, slog logging and exit codes.
package cli

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const EnvPrefix = "DSTREAM_"

// EnvName maps a flag name such as "broker-host" to DSTREAM_BROKER_HOST.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func EnvString(flag, defaultValue string) string {
	if value := os.Getenv(EnvName(flag)); value != "" {
		return value
	}
	return defaultValue
}

func EnvBool(flag string, defaultValue bool) bool {
	if value := os.Getenv(EnvName(flag)); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func EnvInt(flag string, defaultValue int) int {
	if value := os.Getenv(EnvName(flag)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func EnvFloat(flag string, defaultValue float64) float64 {
	if value := os.Getenv(EnvName(flag)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func EnvDuration(flag string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvName(flag)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
