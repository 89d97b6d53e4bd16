package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lens/pkg/rbac"
)

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Administer roles and assignments",
		Long: `Create, change and assign roles. Every command except list and show
needs the admin permission on the replica's role store.`,
	}

	var permissions []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoles(cmd, func(s *rbac.Service) error {
				role, err := s.CreateRole(cmd.Context(), args[0], permissions)
				if err != nil {
					return err
				}
				return printRole(cmd, role)
			})
		},
	}
	create.Flags().StringSliceVarP(&permissions, "permission", "p", nil, "permission to grant (repeatable)")

	update := &cobra.Command{
		Use:   "update <name>",
		Short: "Replace a role's permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoles(cmd, func(s *rbac.Service) error {
				role, err := s.UpdateRole(cmd.Context(), args[0], permissions)
				if err != nil {
					return err
				}
				return printRole(cmd, role)
			})
		},
	}
	update.Flags().StringSliceVarP(&permissions, "permission", "p", nil, "permission to grant (repeatable)")

	cmd.AddCommand(
		create,
		update,
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a role",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRoles(cmd, func(s *rbac.Service) error {
					if err := s.DeleteRole(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Deleted role "+args[0]))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "assign <identity> <role>",
			Short: "Assign a role to an identity",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				who, err := parseIdentity(args[0])
				if err != nil {
					return err
				}
				return withRoles(cmd, func(s *rbac.Service) error {
					if err := s.AssignRole(cmd.Context(), who, args[1]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Assigned %s to %s", args[1], who.Short())))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "revoke <identity> <role>",
			Short: "Revoke a role from an identity",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				who, err := parseIdentity(args[0])
				if err != nil {
					return err
				}
				return withRoles(cmd, func(s *rbac.Service) error {
					if err := s.RevokeRole(cmd.Context(), who, args[1]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Revoked %s from %s", args[1], who.Short())))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List roles and their members",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withReadOnlyRoles(cmd, func(s *rbac.Service) error {
					roles, err := s.ListRoles(cmd.Context())
					if err != nil {
						return err
					}
					assignments, err := s.ListAssignments(cmd.Context())
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(cmd.OutOrStdout(), map[string]any{"roles": roles, "assignments": assignments})
					}
					members := make(map[string]int)
					for _, a := range assignments {
						members[a.Role]++
					}
					t := newTable("ROLE", "PERMISSIONS", "MEMBERS")
					for _, r := range roles {
						t.Row(r.Name, strings.Join(r.Permissions, ", "), fmt.Sprint(members[r.Name]))
					}
					fmt.Fprintln(cmd.OutOrStdout(), t.Render())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Show a role and who holds it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withReadOnlyRoles(cmd, func(s *rbac.Service) error {
					role, err := s.GetRole(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					assignments, err := s.ListAssignments(cmd.Context())
					if err != nil {
						return err
					}
					var holders []string
					for _, a := range assignments {
						if a.Role == role.Name {
							holders = append(holders, a.Identity.String())
						}
					}
					if jsonOutput {
						return printJSON(cmd.OutOrStdout(), map[string]any{"role": role, "members": holders})
					}
					if err := printRole(cmd, role); err != nil {
						return err
					}
					t := newTable("MEMBER")
					for _, h := range holders {
						t.Row(h)
					}
					fmt.Fprintln(cmd.OutOrStdout(), t.Render())
					return nil
				})
			},
		},
	)
	return cmd
}

func withRoles(cmd *cobra.Command, fn func(*rbac.Service) error) error {
	return withRoleService(cmd, true, fn)
}

func withReadOnlyRoles(cmd *cobra.Command, fn func(*rbac.Service) error) error {
	return withRoleService(cmd, false, fn)
}

func withRoleService(cmd *cobra.Command, write bool, fn func(*rbac.Service) error) error {
	s, err := connect(write)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := requestContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)
	return fn(rbac.NewService(s.client.Collection(rbac.StoreName), s.signer(), s.logger))
}

func printRole(cmd *cobra.Command, role rbac.Role) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), role)
	}
	fmt.Fprintln(cmd.OutOrStdout(), field("Role:", role.Name))
	fmt.Fprintln(cmd.OutOrStdout(), field("Id:", role.DerivedID()))
	fmt.Fprintln(cmd.OutOrStdout(), field("Permissions:", strings.Join(role.Permissions, ", ")))
	return nil
}

func canCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can <identity> [permission]",
		Short: "Check an identity's permissions on the replica",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := parseIdentity(args[0])
			if err != nil {
				return err
			}
			permission := ""
			if len(args) == 2 {
				permission = args[1]
			}
			s, err := connect(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := s.client.Can(ctx, who, permission)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"identity":    who,
					"permission":  permission,
					"allowed":     resp.Allowed,
					"permissions": resp.Permissions,
				})
			}
			if permission != "" {
				verdict := deniedStyle.Render("DENIED")
				if resp.Allowed {
					verdict = successStyle.Render("ALLOWED")
				}
				fmt.Fprintln(cmd.OutOrStdout(), field(permission+":", verdict))
			}
			fmt.Fprintln(cmd.OutOrStdout(), field("Permissions:", strings.Join(resp.Permissions, ", ")))
			return nil
		},
	}
}
