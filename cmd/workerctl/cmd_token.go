package main

import (
	"fmt"
	"log"
	"time"

	"github.com/flotilla-run/flotilla/pkg/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a registration token from the configured credentials",
	Run: func(cmd *cobra.Command, args []string) {
		identity, err := cmd.Flags().GetString("identity")
		if err != nil {
			panic(err)
		}

		validFor, err := cmd.Flags().GetDuration("valid-for")
		if err != nil {
			panic(err)
		}

		token, err := auth.NewAccessToken(configData.ApiKey, configData.ApiSecret)
		if err != nil {
			log.Fatal(err)
		}

		jwt, err := token.SetIdentity(identity).SetValidFor(validFor).ToJWT()
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(jwt)
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a token against the configured secret",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		claims, err := auth.Verify(args[0], configData.ApiSecret)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println("Issuer:", claims.Issuer)
		fmt.Println("Subject:", claims.Subject)
		fmt.Println("Issued at:", time.Unix(claims.IssuedAt, 0))
		fmt.Println("Expires at:", time.Unix(claims.ExpiresAt, 0))
		fmt.Println("Agent:", claims.Agent)
	},
}

func init() {
	tokenCmd.Flags().StringP("identity", "i", "workerctl", "Token subject identity")
	tokenCmd.Flags().Duration("valid-for", auth.DefaultValidity, "Token validity period")
	tokenCmd.AddCommand(tokenVerifyCmd)
}
