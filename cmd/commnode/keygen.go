package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func peerIDFromPriv(priv crypto.PrivKey) (peer.ID, error) {
	return peer.IDFromPrivateKey(priv)
}

func newKeygenCmd() *ffcli.Command {
	fs := flag.NewFlagSet("commnode keygen", flag.ExitOnError)
	out := fs.String("out", "identity.key", "file to write the generated identity to")

	return &ffcli.Command{
		Name:       "keygen",
		ShortUsage: "commnode keygen [-out path]",
		ShortHelp:  "Generate a new Ed25519 peer identity",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			priv, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			raw, err := crypto.MarshalPrivateKey(priv)
			if err != nil {
				return fmt.Errorf("marshaling key: %w", err)
			}
			encoded := base64.StdEncoding.EncodeToString(raw)
			if err := os.WriteFile(*out, []byte(encoded), 0600); err != nil {
				return fmt.Errorf("writing %s: %w", *out, err)
			}

			id, err := peerIDFromPriv(priv)
			if err != nil {
				return err
			}
			fmt.Printf("wrote identity for %s to %s\n", id, *out)
			return nil
		},
	}
}

func loadOrGenerateKey(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		priv, _, genErr := crypto.GenerateEd25519Key(nil)
		return priv, genErr
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return crypto.UnmarshalPrivateKey(decoded)
}
