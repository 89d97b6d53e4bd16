package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lens/pkg/replication"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a replica's stores and peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			start := time.Now()
			st, err := s.client.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(st, time.Since(start)))
			return nil
		},
	}
}

func renderStatus(st *replication.StatusResponse, rtt time.Duration) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("LENS REPLICA "+st.Site) + "\n")
	b.WriteString(field("Endpoint:", endpoint) + "\n")
	b.WriteString(field("Identity:", st.Identity.String()) + "\n")
	b.WriteString(field("Response time:", rtt.Round(time.Millisecond).String()) + "\n\n")

	stores := newTable("STORE", "DOCUMENTS", "SIGNERS", "OPERATIONS")
	for _, s := range st.Stores {
		stores.Row(s.Name, fmt.Sprint(s.Documents), fmt.Sprint(len(s.Summary)), fmt.Sprint(s.Summary.Operations()))
	}
	b.WriteString(stores.Render() + "\n")

	if len(st.Peers) == 0 {
		b.WriteString(mutedStyle.Render("No peers configured") + "\n")
		return b.String()
	}
	peers := newTable("SITE", "ENDPOINT", "STATUS", "FAILURES", "LAST SEEN")
	for _, p := range st.Peers {
		lastSeen := "never"
		if !p.LastSeen.IsZero() {
			lastSeen = fmt.Sprintf("%s ago", st.Time.Sub(p.LastSeen).Round(time.Second))
		}
		peers.Row(p.Site, p.Endpoint, statusText(p.Status.String()), fmt.Sprint(p.Failures), lastSeen)
	}
	b.WriteString(peers.Render() + "\n")
	return b.String()
}
