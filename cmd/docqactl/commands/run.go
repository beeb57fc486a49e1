package commands

import (
	"fmt"
	"time"

	"github.com/dunamismax/docqa/internal/apiclient"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		output     string
		webhookURL string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Upload a PDF, wait for its questions and answers, and download the CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			progress := cmd.ErrOrStderr()

			uploaded, err := opts.client.Upload(ctx, args[0])
			if err != nil {
				return fmt.Errorf("error uploading document: %w", err)
			}
			job, err := opts.client.CreateJob(ctx, uploaded.DocumentPath, webhookURL)
			if err != nil {
				return fmt.Errorf("error creating job: %w", err)
			}
			fmt.Fprintf(progress, "job %s queued\n", job.JobID)

			lastQuestion := -1
			_, err = opts.client.WaitDone(ctx, job.JobID, interval, func(s apiclient.JobStatus) {
				if s.CurrentQuestion == lastQuestion {
					return
				}
				lastQuestion = s.CurrentQuestion
				fmt.Fprintf(progress, "[%3d%%] %s %d/%d\n", s.Progress, s.Status, s.CurrentQuestion, s.TotalQuestions)
			})
			if err != nil {
				return fmt.Errorf("job %s: %w", job.JobID, err)
			}

			path, err := download(cmd, opts, job.JobID, output)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, flagOutput, "o", "", "File or directory to write to")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "URL notified when the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Status polling interval")
	return cmd
}
