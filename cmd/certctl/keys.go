package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/datasig"
)

func newKeygenCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 key pair for certificate data signatures",
		Long: `Generate the key pair used for certificate data signatures.

Without --out-dir both PEM blocks are printed. Set the private key as
CERTIFICATE_PRIVATE_KEY and the public key as CERTIFICATE_PUBLIC_KEY.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, pub, err := datasig.GenerateKeyPair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outDir == "" {
				fmt.Fprint(out, priv)
				fmt.Fprint(out, pub)
				return nil
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(outDir, "certificate_private_key.pem"), []byte(priv), 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(outDir, "certificate_public_key.pem"), []byte(pub), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote key pair to %s\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory to write PEM files into")
	return cmd
}

// dataInput is the JSON shape of the signed certificate fields.
type dataInput struct {
	Name                string `json:"name"`
	StudentID           string `json:"studentID"`
	Course              string `json:"course"`
	Part                int    `json:"part"`
	Group               string `json:"group"`
	EventID             string `json:"eventId"`
	EventDate           string `json:"eventDate"`
	CertificateTemplate string `json:"certificateTemplate"`
	Signature           string `json:"dataSignature,omitempty"`
}

func readDataInput(r io.Reader) (*dataInput, *certificates.Certificate, error) {
	var in dataInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, nil, fmt.Errorf("invalid field JSON: %w", err)
	}
	c := &certificates.Certificate{
		Name:        in.Name,
		StudentID:   in.StudentID,
		Course:      in.Course,
		Part:        in.Part,
		Group:       in.Group,
		EventID:     in.EventID,
		EventDate:   in.EventDate,
		TemplateRef: in.CertificateTemplate,
	}
	return &in, c, nil
}

// openInput returns stdin for "" or "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

// readKey loads PEM from a file, falling back to an environment variable.
func readKey(path, envVar string) (string, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no key given: use --key or set %s", envVar)
}

func newSignDataCommand() *cobra.Command {
	var keyPath, input string
	cmd := &cobra.Command{
		Use:   "sign-data",
		Short: "Compute the data signature of certificate fields read as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pemKey, err := readKey(keyPath, "CERTIFICATE_PRIVATE_KEY")
			if err != nil {
				return err
			}
			signer, err := datasig.NewSigner(pemKey)
			if err != nil {
				return err
			}
			r, err := openInput(cmd, input)
			if err != nil {
				return err
			}
			defer r.Close()
			_, c, err := readDataInput(r)
			if err != nil {
				return err
			}
			fields, err := c.Fields()
			if err != nil {
				return err
			}
			sig, err := signer.SignFields(fields)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "private key PEM file (default $CERTIFICATE_PRIVATE_KEY)")
	cmd.Flags().StringVar(&input, "input", "-", "field JSON file, - for stdin")
	return cmd
}

func newVerifyDataCommand() *cobra.Command {
	var keyPath, input, signature string
	cmd := &cobra.Command{
		Use:   "verify-data",
		Short: "Check a data signature against certificate fields read as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pemKey, err := readKey(keyPath, "CERTIFICATE_PUBLIC_KEY")
			if err != nil {
				return err
			}
			verifier, err := datasig.NewVerifier(pemKey)
			if err != nil {
				return err
			}
			r, err := openInput(cmd, input)
			if err != nil {
				return err
			}
			defer r.Close()
			in, c, err := readDataInput(r)
			if err != nil {
				return err
			}
			if signature == "" {
				signature = in.Signature
			}
			if signature == "" {
				return fmt.Errorf("no signature given: use --signature or include dataSignature")
			}
			fields, err := c.Fields()
			if err != nil {
				return err
			}
			if !verifier.VerifyFields(fields, signature) {
				return fmt.Errorf("data signature is invalid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "public key PEM file (default $CERTIFICATE_PUBLIC_KEY)")
	cmd.Flags().StringVar(&input, "input", "-", "field JSON file, - for stdin")
	cmd.Flags().StringVar(&signature, "signature", "", "base64 signature")
	return cmd
}
