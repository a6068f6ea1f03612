package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/meshledger"
)

func runCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a node and chat from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, radio, err := s.openNode(ctx)
			if err != nil {
				return err
			}
			defer radio.Close()
			defer node.Close()

			if err := node.Start(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s listening on %s as %s\n", node.DeviceName(), radio.Addr(), node.DeviceID())

			connectPeers(node, s.peers, out)
			go func() {
				for {
					select {
					case e := <-node.Events():
						printEvent(out, e)
					case <-ctx.Done():
						return
					}
				}
			}()

			return repl(ctx, node, cmd.InOrStdin(), out)
		},
	}
}

// connectPeers links to every configured peer. Failures are reported and
// skipped; the peer may come up later and dial us instead.
func connectPeers(node *meshledger.Node, peers []string, out io.Writer) {
	for _, addr := range peers {
		res := <-node.Link().Connect(addr)
		if res.Err != nil {
			fmt.Fprintf(out, "connect %s: %v\n", addr, res.Err)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "connectPeers",
			"peer":     addr,
		}).Info("Linked to peer")
	}
}

func repl(ctx context.Context, node *meshledger.Node, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-lines:
			if !ok {
				return nil
			}
			l, err := parseLine(raw)
			if err == nil {
				err = execute(ctx, node, l, out)
			}
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}
