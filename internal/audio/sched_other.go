// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

//go:build !linux

package audio

import "errors"

func setRealtimePriority() error {
	return errors.New("realtime scheduling not supported on this platform")
}
