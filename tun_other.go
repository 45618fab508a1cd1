//go:build !linux

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/hujun-open/zouncp/datapath"
	"go.uber.org/zap"
)

func newTUN(ctx context.Context, name string, send datapath.SendFunc, logger *zap.Logger) (dataIf, error) {
	return nil, fmt.Errorf("TUN interface is not supported on %v", runtime.GOOS)
}
