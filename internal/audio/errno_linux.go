// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

//go:build linux

package audio

import "golang.org/x/sys/unix"

var recoverableErrnos = []error{unix.EINTR, unix.EPIPE, unix.ESTRPIPE}
