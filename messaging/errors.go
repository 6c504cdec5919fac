// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "fmt"

// MatrixError is the standard Matrix API error shape.
type MatrixError struct {
	StatusCode int    `json:"-"`
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("messaging: %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
}
