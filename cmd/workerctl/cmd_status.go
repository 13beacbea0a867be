package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/flotilla-run/flotilla/pkg/agent"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a worker's HTTP endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		uri, err := cmd.Flags().GetString("worker")
		if err != nil {
			panic(err)
		}

		addr, err := utils.ParseHttpUrl(uri)
		if err != nil {
			log.Fatal(err)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		response, err := client.Get("http://" + addr + "/")
		if err != nil {
			log.Fatal(err)
		}
		defer response.Body.Close()

		stats := agent.WorkerStatistics{}
		if err := json.NewDecoder(response.Body).Decode(&stats); err != nil {
			log.Fatal(err)
		}

		fmt.Println("Worker:", stats.WorkerId)
		fmt.Println("  Status:", stats.Status)
		fmt.Printf("  Load: %g\n", stats.Load)
		fmt.Println("  Active jobs:", stats.ActiveJobs)
		fmt.Println("  Idle processes:", stats.IdleProcesses)
		fmt.Println("  Offers accepted:", stats.OffersAccepted)
		fmt.Println("  Offers rejected:", stats.OffersRejected)
		fmt.Println("  Offers lapsed:", stats.OffersLapsed)
		fmt.Println("  Jobs launched:", stats.JobsLaunched)
		fmt.Println("  Reconnects:", stats.Reconnects)
		fmt.Println("  Uptime:", time.Duration(stats.UptimeSeconds)*time.Second)
	},
}

func init() {
	statusCmd.Flags().StringP("worker", "w", "tcp://localhost:7980", "Worker status endpoint URI")
}
