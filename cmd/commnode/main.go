// Command commnode runs a standalone commnet peer: it loads or generates a
// libp2p identity, opens a network.Host wired with a flag-configured
// blanket-policy firewall (admit-all by default),
// and echoes back every inbound text request it receives until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/peterbourgon/ff/v3/ffcli"
)

func main() {
	root := &ffcli.Command{
		Name:       "commnode",
		ShortUsage: "commnode <subcommand> [flags]",
		FlagSet:    flag.NewFlagSet("commnode", flag.ExitOnError),
		Subcommands: []*ffcli.Command{
			newKeygenCmd(),
			newRunCmd(),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := root.Run(ctx); err != nil && err != flag.ErrHelp {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
