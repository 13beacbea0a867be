package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flotilla-run/flotilla/pkg/agent"
	"github.com/flotilla-run/flotilla/pkg/log"
	"github.com/flotilla-run/flotilla/pkg/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Flotilla job processing worker",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(log.InfoLevel)

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			logger.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			logger.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			logger.SetLevel(log.DebugLevel)
		}

		platformInit(logger)

		// Load worker configuration from file or environment.
		config, err := LoadConfig()
		if err != nil {
			logger.Fatal(err)
		}
		config.SetDefaults()

		if err := config.Validate(); err != nil {
			logger.Fatal(err)
		}
		config.Log(logger)

		dialer := transport.NewGrpcDialer(config.ServerUri, &config.Grpc)
		launcher := agent.NewExecLauncher(config.Runner, logger)

		// Accept every offer; selective workers embed the agent
		// package and bring their own decision function.
		decide := func(req *agent.JobRequest) {
			req.Accept(agent.JobAcceptArgs{})
		}

		worker, err := agent.NewWorker(config, dialer, launcher, decide, logger)
		if err != nil {
			logger.Fatal(err)
		}

		handleSignals(worker, config, logger)

		if err := worker.Run(context.Background()); err != nil {
			logger.Fatal(err)
		}
	},
}

// First interrupt drains in production mode or closes otherwise;
// a second interrupt exits immediately.
func handleSignals(worker *agent.Worker, config *agent.Config, logger *log.Logger) {
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-interrupts
		go func() {
			<-interrupts
			logger.Warn("Interrupted twice, exiting")
			os.Exit(1)
		}()

		if config.Production {
			logger.Info("Interrupted, draining")
			if err := worker.Drain(context.Background()); err != nil {
				logger.Error(err)
				worker.Close()
				os.Exit(1)
			}
		} else {
			logger.Info("Interrupted, shutting down")
		}
		worker.Close()
	}()

	stackDumpOnSignal()
}

func main() {
	rootCmd.Flags().StringP("server-uri", "s", "tcp://controlplane:9090", "Control plane service URI")
	rootCmd.Flags().String("api-key", "", "API key used at registration")
	rootCmd.Flags().String("api-secret", "", "API secret used at registration")
	rootCmd.Flags().String("agent-name", "", "Agent name reported at registration")
	rootCmd.Flags().StringP("worker-type", "t", "room", "Kind of jobs to handle (room, publisher)")
	rootCmd.Flags().StringSliceP("runner", "r", []string{}, "Job runner command (repeatable)")
	rootCmd.Flags().String("listen-http", "", "Status HTTP endpoint URI, e.g. tcp://:7980")
	rootCmd.Flags().Bool("production", false, "Drain instead of exiting on interrupt")
	rootCmd.Flags().IntP("num-idle-processes", "i", 0, "Target number of warm idle processes")
	rootCmd.Flags().IntP("max-jobs", "j", 0, "Maximum concurrent jobs")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("server_uri", rootCmd.Flags().Lookup("server-uri"))
	viper.BindPFlag("api_key", rootCmd.Flags().Lookup("api-key"))
	viper.BindPFlag("api_secret", rootCmd.Flags().Lookup("api-secret"))
	viper.BindPFlag("agent_name", rootCmd.Flags().Lookup("agent-name"))
	viper.BindPFlag("worker_type", rootCmd.Flags().Lookup("worker-type"))
	viper.BindPFlag("runner", rootCmd.Flags().Lookup("runner"))
	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
	viper.BindPFlag("production", rootCmd.Flags().Lookup("production"))
	viper.BindPFlag("num_idle_processes", rootCmd.Flags().Lookup("num-idle-processes"))
	viper.BindPFlag("max_jobs", rootCmd.Flags().Lookup("max-jobs"))
	viper.SetEnvPrefix("flotilla")
	viper.AutomaticEnv()

	viper.SetConfigName("worker.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/flotilla/")
	viper.AddConfigPath("$HOME/.config/flotilla")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
