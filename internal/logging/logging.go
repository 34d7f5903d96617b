/*
Copyright 2022 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging wires the process-wide structured logger used by every
// component of the control plane and the reclamation server.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger backed by zap, with the given level name
// ("debug", "info", "warn", "error") and development-mode console encoding
// when dev is true, JSON encoding otherwise.
func New(levelName string, dev bool) (logr.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return logr.Logger{}, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build zap logger: %w", err)
	}

	return zapr.NewLogger(zapLog), nil
}
