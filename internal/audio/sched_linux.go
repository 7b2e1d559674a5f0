// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

//go:build linux

package audio

import (
	"golang.org/x/sys/unix"
)

// setRealtimePriority moves the calling thread to the minimum SCHED_RR
// realtime priority. The caller must hold its OS thread. Requires
// CAP_SYS_NICE or an RLIMIT_RTPRIO grant; the sink falls back to default
// scheduling when this fails.
func setRealtimePriority() error {
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_RR,
		Priority: 1,
	}
	return unix.SchedSetAttr(0, attr, 0)
}
