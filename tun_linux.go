package main

import (
	"context"

	"github.com/hujun-open/zouncp/datapath"
	"go.uber.org/zap"
)

func newTUN(ctx context.Context, name string, send datapath.SendFunc, logger *zap.Logger) (dataIf, error) {
	tun, err := datapath.NewTUNIf(ctx, name, send, logger)
	if err != nil {
		return nil, err
	}
	return tun, nil
}
