// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

//go:build !linux

package discwatch

import (
	"context"

	"github.com/rapidaai/codplayer/pkg/commons"
)

type Inserter interface {
	Insert()
}

type Watcher struct{}

func New(device string, player Inserter, logger commons.Logger) *Watcher {
	return &Watcher{}
}

// Run is inert off Linux; insertion happens via the insert command only.
func (w *Watcher) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
