package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ouka/pkg/activity"
	"ouka/pkg/delivery"
)

func deliverCmd() *cobra.Command {
	var (
		from string
		file string
	)

	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Sign and deliver an activity synchronously",
		Long: `Deliver reads an activity (or a bare object, which is wrapped in a Create),
attributes it to a local actor and posts it to every receiver, printing the
outcome per receiver. Nothing is retried.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			doc, err := activity.ParseDocument(raw)
			if err != nil {
				return err
			}
			normalized, err := activity.Normalize(doc)
			if err != nil {
				return err
			}

			n, err := openNode(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer n.Close()

			local, err := n.Directory().ResolveLocalByUserpart(cmd.Context(), from)
			if err != nil {
				return fmt.Errorf("failed to resolve local actor %s: %w", from, err)
			}

			out := normalized.Activity
			out["actor"] = local.URI()
			if out.ID() == "" {
				out["id"] = local.URI() + "/activities/" + uuid.NewString()
			}

			report, err := n.Dispatcher().Deliver(cmd.Context(), local, out, normalized.Receivers)
			if report != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "userpart of the local actor")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "activity JSON file, - for stdin")
	cmd.MarkFlagRequired("from")
	return cmd
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return data, nil
}

func renderReport(report *delivery.Report) string {
	t := newTable("RECEIVER", "INBOX", "STATUS", "ERROR")
	for _, res := range report.Results {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		t.Row(res.Receiver, res.Inbox, statusStyle(res.Status).Render(string(res.Status)), errText)
	}

	summary := fmt.Sprintf("%d of %d receivers succeeded", report.Succeeded(), len(report.Results))
	return createPanel("Delivery", "➜", t.Render()+"\n"+subtitleStyle.Render(summary), 0)
}
