package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/auth"
	"github.com/MarcoPoloResearchLab/convosync/internal/config"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var userFlag string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			userID, err := messages.NewUserID(userFlag)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TokenTTL:      appConfig.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "User id to embed as the token subject")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
