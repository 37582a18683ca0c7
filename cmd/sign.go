package cmd

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"boltgate/pkg/verify"
)

var (
	signSecret string
	signBody   string
)

// signCmd prints request signature headers, for replaying events by hand.
var signCmd = &cobra.Command{
	Use:   "sign [body]",
	Short: "Print signature headers for a request body",
	Long:  "Signs a request body with the signing secret and prints the headers the HTTP receiver verifies. The body is read from --body, the arguments, or stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := strings.TrimSpace(signSecret)
		if secret == "" {
			secret = strings.TrimSpace(os.Getenv("BOLTGATE_SIGNING_SECRET"))
		}
		if secret == "" {
			return errors.New("signing secret is required (--secret or BOLTGATE_SIGNING_SECRET)")
		}

		body, err := resolveBody(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		writeSignedHeaders(cmd.OutOrStdout(), secret, body, time.Now())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVarP(&signSecret, "secret", "s", "", "signing secret")
	signCmd.Flags().StringVarP(&signBody, "body", "b", "", "request body to sign")
}

func resolveBody(args []string, stdin io.Reader) ([]byte, error) {
	if signBody != "" {
		return []byte(signBody), nil
	}

	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

func writeSignedHeaders(w io.Writer, secret string, body []byte, at time.Time) {
	header := verify.SignedHeader(secret, body, at)

	for _, key := range slices.Sorted(maps.Keys(header)) {
		fmt.Fprintf(w, "%s: %s\n", key, header.Get(key))
	}
}
