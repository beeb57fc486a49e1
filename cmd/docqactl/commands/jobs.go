package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const flagOutput = "output"

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var webhookURL string
	cmd := &cobra.Command{
		Use:   "generate DOCUMENT_PATH",
		Short: "Start a question generation job for an uploaded document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client.CreateJob(cmd.Context(), args[0], webhookURL)
			if err != nil {
				return fmt.Errorf("error creating job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "URL notified when the job finishes")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error fetching job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download JOB_ID",
		Short: "Download the CSV of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := download(cmd, opts, args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, flagOutput, "o", "", "File or directory to write to (default: server file name in the current directory)")
	return cmd
}

// download writes the export to output. An existing directory or an empty
// output receives the server-suggested file name.
func download(cmd *cobra.Command, opts *rootOptions, jobID, output string) (string, error) {
	var buf bytes.Buffer
	name, err := opts.client.Download(cmd.Context(), jobID, &buf)
	if err != nil {
		return "", fmt.Errorf("error downloading export: %w", err)
	}
	if name == "" {
		name = jobID + ".csv"
	}

	target := output
	if target == "" {
		target = name
	} else if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, name)
	}

	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("error writing export: %w", err)
	}
	return target, nil
}
