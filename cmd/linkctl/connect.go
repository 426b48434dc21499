package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topolink/internal/logging"
	"github.com/rmacdonaldsmith/topolink/internal/session"
	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

func newConnectCommand() *cobra.Command {
	var (
		from       string
		to         string
		capture    bool
		grpcAddr   string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Create a link through a session and wait for it to become active",
		Long: `Create a link the way a topology does: register it with both nodes, send
the create request, and wait until the controller confirms or rejects it.
With --capture, a capture is started once the link is active.

Settings come from --config when given, otherwise from the global flags.
With --grpc-addr the session talks to the controller over gRPC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, connectOptions{
				from:       from,
				to:         to,
				capture:    capture,
				grpcAddr:   grpcAddr,
				configPath: configPath,
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Source endpoint node:adapter/port (required)")
	cmd.Flags().StringVar(&to, "to", "", "Destination endpoint node:adapter/port (required)")
	cmd.Flags().BoolVar(&capture, "capture", false, "Start a capture once the link is active")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "Controller gRPC address")
	cmd.Flags().StringVar(&configPath, "config", "", "Session YAML config file")
	for _, name := range []string{"from", "to"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}

type connectOptions struct {
	from, to   string
	capture    bool
	grpcAddr   string
	configPath string
}

func sessionConfig(opts connectOptions) (*session.Config, error) {
	if opts.configPath != "" {
		return session.LoadConfig(opts.configPath)
	}

	config := session.NewConfig(serverURL, projectID)
	config.Controller.Token = client.Token()
	if password != "" {
		config.Controller.User = user
		config.Controller.Password = password
	}
	config.Controller.Timeout = timeout
	if opts.grpcAddr != "" {
		config.Transport = session.TransportGRPC
		config.GRPCAddress = opts.grpcAddr
	}
	return config, nil
}

func runConnect(cmd *cobra.Command, opts connectOptions) error {
	src, err := parseEndpoint(opts.from)
	if err != nil {
		return err
	}
	dst, err := parseEndpoint(opts.to)
	if err != nil {
		return err
	}

	config, err := sessionConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Flag:   logSpec,
		Env:    os.Getenv(logging.EnvVar),
		Config: config.Log,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	s, err := session.New(config, session.WithLogger(logger))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := newContext(cmd)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	srcNode := s.NewNode(src.NodeID, src.NodeID)
	dstNode := s.NewNode(dst.NodeID, dst.NodeID)
	srcPort := srcNode.AddPort(fmt.Sprintf("%d/%d", src.AdapterNumber, src.PortNumber), src.AdapterNumber, src.PortNumber)
	dstPort := dstNode.AddPort(fmt.Sprintf("%d/%d", dst.AdapterNumber, dst.PortNumber), dst.AdapterNumber, dst.PortNumber)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connecting %s <-> %s...\n", opts.from, opts.to)

	l, err := s.NewLink(ctx, srcNode, srcPort, dstNode, dstPort)
	if err != nil {
		return err
	}

	entry, err := s.Journal().Wait(ctx, func(ev link.Event) bool {
		return ev.LinkID == l.ID() && (ev.Kind == link.EventCreated || ev.Kind == link.EventErrored)
	})
	if err != nil {
		return fmt.Errorf("waiting for the controller: %w", err)
	}
	if entry.Event.Kind == link.EventErrored {
		return fmt.Errorf("failed to create link: %w", entry.Event.Err)
	}

	fmt.Fprintf(out, "✅ %s is active!\n", l)
	fmt.Fprintf(out, "Link ID: %s\n", l.RemoteID())

	if opts.capture {
		if err := l.StartCapture(ctx, link.DLTEthernet, l.CaptureFileName()+".pcap"); err != nil {
			return err
		}
		entry, err := s.Journal().Wait(ctx, func(ev link.Event) bool {
			return ev.LinkID == l.ID() && (ev.Kind == link.EventUpdated || ev.Kind == link.EventErrored)
		})
		if err != nil {
			return fmt.Errorf("waiting for the capture: %w", err)
		}
		if entry.Event.Kind == link.EventErrored {
			return fmt.Errorf("failed to start capture: %w", entry.Event.Err)
		}
		fmt.Fprintf(out, "Capturing to: %s\n", l.CaptureFilePath())
	}

	dump, err := json.MarshalIndent(l.Dump(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(dump))

	return nil
}
