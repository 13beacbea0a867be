package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "workerctl",
	Short: "Worker control command",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetConfigName("workerctl.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/flotilla/")
		viper.AddConfigPath("$HOME/.config/flotilla")
		viper.AddConfigPath(".")
		viper.ReadInConfig()

		viper.SetEnvPrefix("flotilla")
		viper.AutomaticEnv()

		config, err := ParseConfig()
		if err != nil {
			log.Fatal(err)
		}
		configData = *config
	},
}

var configData = ControlConfig{}

func main() {
	rootCmd.PersistentFlags().StringP("server-uri", "s", "tcp://controlplane:9090", "Control plane service URI")
	rootCmd.PersistentFlags().String("api-key", "", "API key")
	rootCmd.PersistentFlags().String("api-secret", "", "API secret")
	viper.BindPFlag("server_uri", rootCmd.PersistentFlags().Lookup("server-uri"))
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("api_secret", rootCmd.PersistentFlags().Lookup("api-secret"))

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
