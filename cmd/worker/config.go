package main

import (
	"github.com/flotilla-run/flotilla/pkg/agent"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/spf13/viper"
)

func LoadConfig() (*agent.Config, error) {
	config := &agent.Config{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
