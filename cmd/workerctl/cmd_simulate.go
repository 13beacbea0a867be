package main

import (
	"log"

	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [room]",
	Short: "Ask the control plane to fabricate a job offer for a room",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workerType, err := cmd.Flags().GetString("type")
		if err != nil {
			panic(err)
		}

		identity, err := cmd.Flags().GetString("participant")
		if err != nil {
			panic(err)
		}

		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		conn := NewControlPlaneSession(ctx)
		defer conn.Close()

		request := &protocol.SimulateJobRequest{
			Type:     protocol.WorkerType(workerType),
			RoomName: args[0],
		}
		if identity != "" {
			request.Participant = &protocol.ParticipantInfo{Identity: identity}
		}

		msg := &protocol.WorkerMessage{
			Kind:        protocol.WorkerMessageSimulateJob,
			SimulateJob: request,
		}
		if err := conn.Send(msg); err != nil {
			log.Fatal(err)
		}

		log.Println("Simulated job requested for room:", args[0])
	},
}

func init() {
	simulateCmd.Flags().StringP("type", "t", "room", "Job type (room, publisher)")
	simulateCmd.Flags().StringP("participant", "p", "", "Participant identity to scope the job to")
}
