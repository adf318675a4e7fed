package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"event-certs/certificate-backend/pkg/security"
)

func newP12Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "p12",
		Short: "Inspect and encode PKCS#12 signing identities",
	}
	cmd.AddCommand(newP12InspectCommand(), newP12Base64Command())
	return cmd
}

type identitySummary struct {
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	Algorithm       string    `json:"algorithm"`
	SerialNumber    string    `json:"serialNumber"`
	NotBefore       time.Time `json:"notBefore"`
	NotAfter        time.Time `json:"notAfter"`
	ChainLength     int       `json:"chainLength"`
	PlaceholderSize int       `json:"placeholderSize"`
	Expired         bool      `json:"expired"`
}

func newP12InspectCommand() *cobra.Command {
	var path, passphrase string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode a PKCS#12 bundle and print its certificate summary",
		Long: `Decode a PKCS#12 bundle from --file, or from the base64 value of
P12_CERTIFICATE when no file is given. The passphrase defaults to
P12_PASSPHRASE.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if passphrase == "" {
				passphrase = os.Getenv("P12_PASSPHRASE")
			}
			var (
				id  *security.Identity
				err error
			)
			if path != "" {
				raw, readErr := os.ReadFile(path)
				if readErr != nil {
					return readErr
				}
				id, err = security.LoadIdentity(raw, passphrase)
			} else {
				b64 := os.Getenv("P12_CERTIFICATE")
				if b64 == "" {
					return fmt.Errorf("no bundle given: use --file or set P12_CERTIFICATE")
				}
				id, err = security.LoadIdentityBase64(b64, passphrase)
			}
			if err != nil {
				return err
			}

			cert := id.Certificate
			summary := identitySummary{
				Subject:         id.SubjectName(),
				Issuer:          cert.Issuer.String(),
				Algorithm:       id.Algorithm(),
				SerialNumber:    cert.SerialNumber.String(),
				NotBefore:       cert.NotBefore,
				NotAfter:        cert.NotAfter,
				ChainLength:     len(id.Chain),
				PlaceholderSize: id.PlaceholderSize(),
				Expired:         time.Now().After(cert.NotAfter),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "PKCS#12 file (.p12/.pfx)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "bundle passphrase (default $P12_PASSPHRASE)")
	return cmd
}

func newP12Base64Command() *cobra.Command {
	return &cobra.Command{
		Use:   "base64 FILE",
		Short: "Print a PKCS#12 file as base64 for P12_CERTIFICATE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(raw))
			return nil
		},
	}
}
