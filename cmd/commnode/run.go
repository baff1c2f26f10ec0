package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/hopwire/commnet/behaviour"
	"github.com/hopwire/commnet/firewall"
	"github.com/hopwire/commnet/network"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog/log"
)

// level is the trivial permission classifier this demo firewall checks: a
// text request carries no real classification of its own.
type level int

// textMsg is the demo request/response payload: a single text body echoed
// back by the peer that receives it.
type textMsg struct{ Body string }

func (textMsg) PermissionValue() level { return 0 }

func newRunCmd() *ffcli.Command {
	fs := flag.NewFlagSet("commnode run", flag.ExitOnError)
	listen := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "multiaddr to listen on")
	keyPath := fs.String("key", "identity.key", "identity file, generated if missing")
	allowInbound := fs.Bool("allow-inbound", true, "accept inbound requests from any peer")
	allowOutbound := fs.Bool("allow-outbound", true, "permit outbound requests to any peer")

	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "commnode run [flags]",
		ShortHelp:  "Start a commnet peer and echo back inbound requests",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			priv, err := loadOrGenerateKey(*keyPath)
			if err != nil {
				return err
			}
			addr, err := ma.NewMultiaddr(*listen)
			if err != nil {
				return fmt.Errorf("parsing -listen: %w", err)
			}

			fw := &echoFirewall{allowInbound: *allowInbound, allowOutbound: *allowOutbound}
			h, err := network.NewHost[level, textMsg, textMsg](ctx, network.Options{
				PrivKey:     priv,
				ListenAddrs: []ma.Multiaddr{addr},
			}, fw)
			if err != nil {
				return fmt.Errorf("starting host: %w", err)
			}
			defer h.Close()
			fw.host = h

			log.Info().Str("peer", h.ID().String()).Interface("addrs", h.Addrs()).Msg("commnode listening")

			go func() {
				for in := range h.InboundRequests() {
					body := strings.TrimSpace(in.Message.Data.Body)
					in.Message.ResponseSink <- textMsg{Body: "echo: " + body}
				}
			}()

			<-ctx.Done()
			return nil
		},
	}
}

// echoFirewall admits every peer by the configured blanket policy; it never
// needs to ask for individual approval since neither rule it installs is a
// Rule Ask.
type echoFirewall struct {
	allowInbound  bool
	allowOutbound bool
	host          *network.Host[level, textMsg, textMsg]
}

func (f *echoFirewall) RequestRules(ctx context.Context, p peer.ID, dir firewall.RuleDirection) {
	in := firewall.PermissionRule[level](firewall.PermissionFunc[level](func(level) bool { return f.allowInbound }))
	out := firewall.PermissionRule[level](firewall.PermissionFunc[level](func(level) bool { return f.allowOutbound }))
	f.host.SetRules(p, firewall.FirewallRules[level]{InboundRule: &in, OutboundRule: &out}, firewall.RuleBoth)
}

func (f *echoFirewall) RequestApproval(ctx context.Context, id behaviour.RequestID, perm level, dir firewall.RequestDirection) {
	f.host.ResolveApproval(id, true)
}
