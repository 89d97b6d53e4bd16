package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"lens/pkg/docid"
	"lens/pkg/identity"
)

func keygenCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key in --key-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			if existing, err := identity.LoadKeypair(keyDir); err == nil && !force {
				return fmt.Errorf("%s already holds key %s (use --force to replace it)", keyDir, existing.Identity())
			}
			k, err := identity.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := identity.SaveKeypair(keyDir, k); err != nil {
				return err
			}
			abs, _ := filepath.Abs(keyDir)
			fmt.Fprintln(cmd.OutOrStdout(), field("Identity:", k.Identity().String()))
			fmt.Fprintln(cmd.OutOrStdout(), field("Key directory:", abs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func whoamiIdentity() (identity.Identity, error) {
	k, err := identity.LoadKeypair(keyDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return identity.Identity{}, fmt.Errorf("no key in %s (run 'lens keygen')", keyDir)
		}
		return identity.Identity{}, err
	}
	return k.Identity(), nil
}

// idCmd prints the deterministic document ids records are stored at.
func idCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Compute deterministic document ids",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "registration <address> [owner]",
			Short: "Id of owner's registration of address (owner defaults to your key)",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var owner identity.Identity
				var err error
				if len(args) == 2 {
					owner, err = parseIdentity(args[1])
				} else {
					owner, err = whoamiIdentity()
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), docid.RegistrationID(owner, args[0]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "role <name>",
			Short: "Id of a role",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), docid.RoleID(args[0]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "assignment <identity> <role>",
			Short: "Id of a role assignment",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				who, err := parseIdentity(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), docid.AssignmentID(who, args[1]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "pointer <source-site> <content-id>",
			Short: "Id of a content pointer",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), docid.PointerID(args[0], args[1]))
				return nil
			},
		},
	)
	return cmd
}
