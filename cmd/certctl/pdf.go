package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/pkg/security"
)

func newVerifyPDFCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-pdf FILE",
		Short: "List signature fields of a PDF and check their integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			infos, err := security.NewValidator(true).ValidatePDF(cmd.Context(), f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(infos); err != nil {
				return err
			}
			for _, info := range infos {
				if info.Signed && info.IntegrityValid != nil && !*info.IntegrityValid {
					return fmt.Errorf("signature %q does not match the document", info.FieldName)
				}
			}
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var email, issuer string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 bearer token signed with JWT_SECRET, for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			if issuer == "" {
				issuer = os.Getenv("JWT_ISSUER")
			}
			token, err := auth.IssueToken(secret, email, issuer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "signer email")
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer (default $JWT_ISSUER)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
