package utils

import (
	"time"

	"github.com/flotilla-run/flotilla/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

type GRPCOptions struct {
	// The keepalive interval between PING frames.
	KeepAliveTime *time.Duration `mapstructure:"keep_alive_time"`
	// The keepalive timeout for a PING frame to be acknowledged.
	KeepAliveTimeout *time.Duration `mapstructure:"keep_alive_timeout"`
	// Send keepalive pings even if there are no active streams (client).
	KeepAliveWithoutCalls *bool `mapstructure:"keep_alive_without_calls"`
}

func (o *GRPCOptions) ToDialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{}

	kaParams := keepalive.ClientParameters{}

	if o.KeepAliveTime != nil {
		kaParams.Time = *o.KeepAliveTime
	}

	if o.KeepAliveTimeout != nil {
		kaParams.Timeout = *o.KeepAliveTimeout
	}

	if o.KeepAliveWithoutCalls != nil {
		kaParams.PermitWithoutStream = *o.KeepAliveWithoutCalls
	}

	if o.KeepAliveTime != nil || o.KeepAliveTimeout != nil || o.KeepAliveWithoutCalls != nil {
		opts = append(opts, grpc.WithKeepaliveParams(kaParams))
	}

	return opts
}

func (o *GRPCOptions) Log(logger *log.Logger) {
	if o.KeepAliveTime == nil && o.KeepAliveTimeout == nil && o.KeepAliveWithoutCalls == nil {
		return
	}

	logger.Info("  gRPC options:")

	if o.KeepAliveTime != nil {
		logger.Info("    keep_alive_time =", *o.KeepAliveTime)
	}

	if o.KeepAliveTimeout != nil {
		logger.Info("    keep_alive_timeout =", *o.KeepAliveTimeout)
	}

	if o.KeepAliveWithoutCalls != nil {
		logger.Info("    keep_alive_without_calls =", *o.KeepAliveWithoutCalls)
	}
}
