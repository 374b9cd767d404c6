// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build nogpu

package driver

import (
	"fmt"
	"log/slog"
)

// OpenWGPU is unavailable in nogpu builds; replay falls back to --null-driver.
func OpenWGPU(*slog.Logger) (Device, error) {
	return nil, fmt.Errorf("built without GPU support (nogpu tag)")
}
