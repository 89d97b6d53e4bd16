package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lens/pkg/identity"
	"lens/pkg/registry"
)

func registrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "registration",
		Aliases: []string{"reg"},
		Short:   "Publish and inspect registrations",
		Long: `Registrations claim a resource address for their owner. Only the owner
can change or withdraw a registration, and ownership never moves.`,
	}

	var manifest registry.Manifest
	var metadata map[string]string
	manifestFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&manifest.Title, "title", "", "title")
		c.Flags().StringVar(&manifest.Description, "description", "", "description")
		c.Flags().StringVar(&manifest.ContentType, "content-type", "", "content type, e.g. video/mp4")
		c.Flags().StringVar(&manifest.ContentID, "content-id", "", "content id on the owning site")
		c.Flags().StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	}

	publish := &cobra.Command{
		Use:   "publish <address>",
		Short: "Register an address under your key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest.Metadata = metadata
			return withRegistry(cmd, true, func(s *registry.Service) error {
				reg, err := s.Publish(cmd.Context(), args[0], manifest)
				if err != nil {
					return err
				}
				return printRegistration(cmd, reg)
			})
		},
	}
	manifestFlags(publish)
	publish.MarkFlagRequired("title")

	var owner string
	update := &cobra.Command{
		Use:   "update <address>",
		Short: "Replace the manifest of a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest.Metadata = metadata
			return withRegistry(cmd, true, func(s *registry.Service) error {
				who, err := ownerOrSelf(owner)
				if err != nil {
					return err
				}
				reg, err := s.UpdateManifest(cmd.Context(), who, args[0], manifest)
				if err != nil {
					return err
				}
				return printRegistration(cmd, reg)
			})
		},
	}
	manifestFlags(update)
	update.MarkFlagRequired("title")
	update.Flags().StringVar(&owner, "owner", "", "registration owner (defaults to your key)")

	unpublish := &cobra.Command{
		Use:   "delete <address>",
		Short: "Withdraw a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, true, func(s *registry.Service) error {
				who, err := ownerOrSelf(owner)
				if err != nil {
					return err
				}
				if err := s.Unpublish(cmd.Context(), who, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Withdrew "+args[0]))
				return nil
			})
		},
	}
	unpublish.Flags().StringVar(&owner, "owner", "", "registration owner (defaults to your key)")

	var byOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, false, func(s *registry.Service) error {
				var regs []registry.Registration
				var err error
				if byOwner != "" {
					who, perr := parseIdentity(byOwner)
					if perr != nil {
						return perr
					}
					regs, err = s.ByOwner(cmd.Context(), who)
				} else {
					regs, err = s.List(cmd.Context())
				}
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), regs)
				}
				t := newTable("ADDRESS", "TITLE", "OWNER", "CONTENT TYPE", "ID")
				for _, r := range regs {
					t.Row(r.Address, r.Manifest.Title, r.Owner.Short(), r.Manifest.ContentType, r.DerivedID()[:12])
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&byOwner, "owner", "", "only registrations owned by this identity")

	cmd.AddCommand(
		publish,
		update,
		unpublish,
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show a registration by document id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRegistry(cmd, false, func(s *registry.Service) error {
					reg, err := s.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printRegistration(cmd, reg)
				})
			},
		},
		list,
	)
	return cmd
}

func ownerOrSelf(owner string) (identity.Identity, error) {
	if owner == "" {
		return whoamiIdentity()
	}
	return parseIdentity(owner)
}

func withRegistry(cmd *cobra.Command, write bool, fn func(*registry.Service) error) error {
	s, err := connect(write)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := requestContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)
	return fn(registry.NewService(s.client.Collection(registry.StoreName), s.signer(), s.logger))
}

func printRegistration(cmd *cobra.Command, reg registry.Registration) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), reg)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, field("Address:", reg.Address))
	fmt.Fprintln(out, field("Id:", reg.DerivedID()))
	fmt.Fprintln(out, field("Owner:", reg.Owner.String()))
	fmt.Fprintln(out, field("Title:", reg.Manifest.Title))
	if reg.Manifest.Description != "" {
		fmt.Fprintln(out, field("Description:", reg.Manifest.Description))
	}
	if reg.Manifest.ContentType != "" {
		fmt.Fprintln(out, field("Content type:", reg.Manifest.ContentType))
	}
	if reg.Manifest.ContentID != "" {
		fmt.Fprintln(out, field("Content id:", reg.Manifest.ContentID))
	}
	for k, v := range reg.Manifest.Metadata {
		fmt.Fprintln(out, field(k+":", v))
	}
	return nil
}
