package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

func newLinksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Manage links",
		Long:  "List, create, inspect and delete the links of a project",
	}

	cmd.AddCommand(newLinksListCommand())
	cmd.AddCommand(newLinksCreateCommand())
	cmd.AddCommand(newLinksGetCommand())
	cmd.AddCommand(newLinksDeleteCommand())

	return cmd
}

func newLinksListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the links of a project",
		RunE:  runLinksList,
	}
}

func newLinksCreateCommand() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a link between two ports",
		Long: `Create a link between two ports. Endpoints are written node:adapter/port,
for example --from r1:0/0 --to r2:0/1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinksCreate(cmd, from, to)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Source endpoint (required)")
	cmd.Flags().StringVar(&to, "to", "", "Destination endpoint (required)")
	for _, name := range []string{"from", "to"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}

func newLinksGetCommand() *cobra.Command {
	var (
		linkID string
		sub    string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a link or one of its sub-resources",
		Long: `Show a link. With --sub, read a sub-resource of the link instead,
for example --sub available_filters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinksGet(cmd, linkID, sub)
		},
	}

	cmd.Flags().StringVar(&linkID, "id", "", "Link ID (required)")
	cmd.Flags().StringVar(&sub, "sub", "", "Sub-resource to read")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("Failed to mark id as required: %v", err))
	}

	return cmd
}

func newLinksDeleteCommand() *cobra.Command {
	var linkID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinksDelete(cmd, linkID)
		},
	}

	cmd.Flags().StringVar(&linkID, "id", "", "Link ID to delete (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("Failed to mark id as required: %v", err))
	}

	return cmd
}

func runLinksList(cmd *cobra.Command, args []string) error {
	if err := requireProject(); err != nil {
		return err
	}
	if err := requireAuthentication(cmd); err != nil {
		return err
	}

	ctx, cancel := newContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Listing links of project '%s'...\n", projectID)

	links, err := client.ListLinks(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}

	if len(links) == 0 {
		fmt.Fprintln(out, "No links found")
		return nil
	}

	fmt.Fprintf(out, "\nFound %d link(s):\n\n", len(links))
	for i, l := range links {
		printLink(cmd, i+1, l)
		if i < len(links)-1 {
			fmt.Fprintln(out)
		}
	}

	return nil
}

func printLink(cmd *cobra.Command, n int, l controller.LinkInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d. ID: %s\n", n, l.LinkID)

	ends := make([]string, 0, len(l.Nodes))
	for _, ep := range l.Nodes {
		ends = append(ends, fmt.Sprintf("%s:%d/%d", ep.NodeID, ep.AdapterNumber, ep.PortNumber))
	}
	fmt.Fprintf(out, "   Endpoints: %s\n", strings.Join(ends, " <-> "))
	if l.Capturing {
		fmt.Fprintf(out, "   Capturing: %s\n", l.CaptureFilePath)
	}
}

func runLinksCreate(cmd *cobra.Command, from, to string) error {
	if err := requireProject(); err != nil {
		return err
	}

	src, err := parseEndpoint(from)
	if err != nil {
		return err
	}
	dst, err := parseEndpoint(to)
	if err != nil {
		return err
	}

	if err := requireAuthentication(cmd); err != nil {
		return err
	}

	ctx, cancel := newContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Creating link %s <-> %s...\n", from, to)

	resp, err := client.CreateLink(ctx, projectID, controller.CreateLinkRequest{Nodes: []controller.LinkEndpoint{src, dst}})
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}

	fmt.Fprintf(out, "✅ Link created successfully!\n")
	fmt.Fprintf(out, "Link ID: %s\n", resp.LinkID)

	return nil
}

func runLinksGet(cmd *cobra.Command, linkID, sub string) error {
	if err := requireProject(); err != nil {
		return err
	}
	if err := requireAuthentication(cmd); err != nil {
		return err
	}

	ctx, cancel := newContext(cmd)
	defer cancel()

	if sub == "" {
		info, err := client.GetLink(ctx, projectID, linkID)
		if err != nil {
			return fmt.Errorf("failed to get link: %w", err)
		}
		printLink(cmd, 1, *info)
		return nil
	}

	raw, err := client.Do(ctx, http.MethodGet, controller.LinkPath(projectID, linkID)+"/"+strings.TrimPrefix(sub, "/"), nil)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", sub, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())

	return nil
}

func runLinksDelete(cmd *cobra.Command, linkID string) error {
	if err := requireProject(); err != nil {
		return err
	}
	if err := requireAuthentication(cmd); err != nil {
		return err
	}

	ctx, cancel := newContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Deleting link '%s'...\n", linkID)

	if err := client.DeleteLink(ctx, projectID, linkID); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}

	fmt.Fprintf(out, "✅ Link deleted successfully!\n")

	return nil
}
