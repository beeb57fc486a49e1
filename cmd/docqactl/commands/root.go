package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dunamismax/docqa/internal/apiclient"
	"github.com/spf13/cobra"
)

// flag names
const (
	flagServerAddress = "server-address"
	flagTimeout       = "timeout"
	flagUserID        = "user-id"
)

// environment variable names
const (
	envServerAddress = "DOCQA_SERVER_ADDRESS"
	envUserID        = "DOCQA_USER_ID"
)

type rootOptions struct {
	serverAddress string
	timeout       time.Duration
	userID        string
	client        *apiclient.Client
}

// NewRootCmd builds the docqactl command tree. Every call returns a fresh
// tree so tests can run commands in isolation.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "docqactl",
		Short: "docqactl - turn PDFs into interview question and answer sheets",
		Long: `docqactl uploads PDF documents to a docqa server, starts question
generation jobs, follows their progress and downloads the resulting CSV.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Flag > env > default.
			if !cmd.Flags().Changed(flagServerAddress) {
				if envAddr := os.Getenv(envServerAddress); envAddr != "" {
					opts.serverAddress = envAddr
				}
			}
			if !cmd.Flags().Changed(flagUserID) {
				if envUser := os.Getenv(envUserID); envUser != "" {
					opts.userID = envUser
				}
			}
			if opts.serverAddress == "" {
				return fmt.Errorf("server address cannot be empty")
			}

			client, err := apiclient.New(apiclient.Options{
				BaseURL: opts.serverAddress,
				Timeout: opts.timeout,
				UserID:  opts.userID,
			})
			if err != nil {
				return err
			}
			opts.client = client
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.serverAddress, flagServerAddress, "s", apiclient.DefaultBaseURL, "Address of the docqa API server (env: "+envServerAddress+")")
	root.PersistentFlags().DurationVar(&opts.timeout, flagTimeout, apiclient.DefaultTimeout, "Per-request timeout")
	root.PersistentFlags().StringVar(&opts.userID, flagUserID, "", "Caller identity sent for rate limiting (env: "+envUserID+")")

	root.AddCommand(
		newUploadCmd(opts),
		newGenerateCmd(opts),
		newStatusCmd(opts),
		newDownloadCmd(opts),
		newRunCmd(opts),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(pretty))
	return err
}
