package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lens/pkg/auth"
	"lens/pkg/federation"
)

func tlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage transport certificates",
	}

	var (
		dir      string
		hosts    []string
		validity time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue <site>",
		Short: "Issue a certificate for a site, creating the CA on first use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site := args[0]
			if _, err := federation.ParseSiteAddress(site); err != nil {
				return err
			}
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if !cm.HasCA() {
				if err := cm.GenerateCA(site, validity); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), field("Created CA:", cm.CAPath()))
			}
			certPath, keyPath, err := cm.Issue(site, hosts, validity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), field("Certificate:", certPath))
			fmt.Fprintln(cmd.OutOrStdout(), field("Key:", keyPath))
			return nil
		},
	}
	issue.Flags().StringVar(&dir, "dir", "./data/tls", "directory holding the CA and certificates")
	issue.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS name or IP the certificate is valid for (repeatable)")
	issue.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate lifetime")

	cmd.AddCommand(issue)
	return cmd
}
