package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

func newCaptureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Start and stop packet captures",
	}

	cmd.AddCommand(newCaptureStartCommand())
	cmd.AddCommand(newCaptureStopCommand())

	return cmd
}

func newCaptureStartCommand() *cobra.Command {
	var (
		linkID   string
		fileName string
		dlt      string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a packet capture on a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaptureStart(cmd, linkID, fileName, dlt)
		},
	}

	cmd.Flags().StringVar(&linkID, "id", "", "Link ID (required)")
	cmd.Flags().StringVar(&fileName, "file", "", "Capture file name (required)")
	cmd.Flags().StringVar(&dlt, "dlt", string(link.DLTEthernet), "Data link type")
	for _, name := range []string{"id", "file"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}

func newCaptureStopCommand() *cobra.Command {
	var linkID string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the packet capture on a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaptureStop(cmd, linkID)
		},
	}

	cmd.Flags().StringVar(&linkID, "id", "", "Link ID (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("Failed to mark id as required: %v", err))
	}

	return cmd
}

func runCaptureStart(cmd *cobra.Command, linkID, fileName, dlt string) error {
	if err := requireProject(); err != nil {
		return err
	}
	if err := requireAuthentication(cmd); err != nil {
		return err
	}

	ctx, cancel := newContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting capture on link '%s'...\n", linkID)

	resp, err := client.StartCapture(ctx, projectID, linkID, controller.StartCaptureRequest{
		CaptureFileName: fileName,
		DataLinkType:    dlt,
	})
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	fmt.Fprintf(out, "✅ Capture started!\n")
	fmt.Fprintf(out, "File: %s\n", resp.CaptureFilePath)

	return nil
}

func runCaptureStop(cmd *cobra.Command, linkID string) error {
	if err := requireProject(); err != nil {
		return err
	}
	if err := requireAuthentication(cmd); err != nil {
		return err
	}

	ctx, cancel := newContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stopping capture on link '%s'...\n", linkID)

	if err := client.StopCapture(ctx, projectID, linkID); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}

	fmt.Fprintf(out, "✅ Capture stopped!\n")

	return nil
}
