package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flotilla-run/flotilla/pkg/auth"
	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/flotilla-run/flotilla/pkg/transport"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/spf13/viper"
)

type ControlConfig struct {
	ServerUri string `mapstructure:"server_uri"`
	ApiKey    string `mapstructure:"api_key"`
	ApiSecret string `mapstructure:"api_secret"`
}

func ParseConfig() (*ControlConfig, error) {
	config := &ControlConfig{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Open a registered control-plane session on behalf of this tool.
func NewControlPlaneSession(ctx context.Context) transport.Conn {
	token, err := auth.NewAccessToken(configData.ApiKey, configData.ApiSecret)
	if err != nil {
		log.Fatal(err)
	}

	jwt, err := token.SetIdentity("workerctl").ToJWT()
	if err != nil {
		log.Fatal(err)
	}

	dialer := transport.NewGrpcDialer(configData.ServerUri, nil)

	conn, err := dialer.Dial(ctx, jwt)
	if err != nil {
		log.Fatal(err)
	}

	register := &protocol.WorkerMessage{
		Kind: protocol.WorkerMessageRegister,
		Register: &protocol.RegisterRequest{
			AgentName:       "workerctl",
			ProtocolVersion: protocol.Version,
		},
	}
	if err := conn.Send(register); err != nil {
		conn.Close()
		log.Fatal(err)
	}

	msg, err := conn.Recv()
	if err != nil {
		conn.Close()
		log.Fatal(err)
	}

	if msg.Kind != protocol.ServerMessageRegister || msg.Register == nil {
		conn.Close()
		log.Fatal(fmt.Errorf("expected register acknowledgement, got %q", msg.Kind))
	}

	return conn
}

func DefaultDeadlineContext() (context.Context, func()) {
	return context.WithDeadline(context.Background(), time.Now().Add(time.Second*30))
}
