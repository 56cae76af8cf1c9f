package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ouka/pkg/federation"
)

func resolveCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "resolve <actor-uri|acct:user@host>",
		Short: "Resolve an actor and print its profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer n.Close()

			actor, err := n.Directory().Resolve(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(profileOf(actor))
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderActor(actor))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the actor document as JSON")
	return cmd
}

func profileOf(actor federation.Actor) *federation.Profile {
	switch a := actor.(type) {
	case *federation.LocalActor:
		return a.Profile()
	case *federation.RemoteActor:
		return &a.Profile
	}
	return nil
}

func renderActor(actor federation.Actor) string {
	kind, handle := "remote", ""
	if p := profileOf(actor); p != nil {
		handle = p.PreferredUsername
	}
	if _, ok := actor.(*federation.LocalActor); ok {
		kind = "local"
	}

	return createPanel("Actor", "◆", renderFields([]field{
		{"URI", actor.URI(), accentValueStyle},
		{"Handle", handle, valueStyle},
		{"Hosted", kind, valueStyle},
		{"Inbox", actor.Inbox(), valueStyle},
		{"Key fingerprint", keyFingerprint(actor.PublicKeyPEM()), mutedStyle},
	}), 0)
}

// keyFingerprint is a short SHA-256 of the PEM text, for eyeballing key changes.
func keyFingerprint(pem string) string {
	if pem == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(pem))
	return hex.EncodeToString(sum[:8])
}
