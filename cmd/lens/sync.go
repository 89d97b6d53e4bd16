package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lens/pkg/errs"
	"lens/pkg/federation"
)

var messageKinds = map[string]federation.MessageKind{
	"added":   federation.ReleasesAdded,
	"removed": federation.ReleasesRemoved,
	"request": federation.SyncRequest,
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Post and read federation sync messages",
	}

	var site string
	announce := &cobra.Command{
		Use:   "announce <added|removed|request> [content-id...]",
		Short: "Post a sync message as --site",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := messageKinds[args[0]]
			if !ok {
				return fmt.Errorf("unknown message kind %q (use added, removed or request)", args[0])
			}
			if kind == federation.SyncRequest && len(args) > 1 {
				return fmt.Errorf("sync requests carry no content ids")
			}
			s, err := connect(true)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			relay := federation.NewRelay(s.client.Collection(federation.RelayStoreName), s.key, site, s.logger)
			var msg federation.SyncMessage
			if kind == federation.SyncRequest {
				msg, err = relay.RequestSync(ctx)
			} else {
				msg, err = relay.AnnounceReleases(ctx, kind, args[1:]...)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), msg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Posted %s message %s", msg.Kind, msg.ID)))
			return nil
		},
	}
	announce.Flags().StringVar(&site, "site", "", "site address to post as")
	announce.MarkFlagRequired("site")

	var source string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sync messages, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			relay := federation.NewRelay(s.client.Collection(federation.RelayStoreName), nil, "", s.logger)
			sources := []string{source}
			if source == "" {
				if sources, err = relay.Sources(ctx); err != nil {
					return err
				}
			}
			var msgs []federation.SyncMessage
			for _, src := range sources {
				m, err := relay.Messages(ctx, src)
				if err != nil {
					return err
				}
				msgs = append(msgs, m...)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			t := newTable("SOURCE", "KIND", "CONTENT", "POSTED", "ID")
			for _, m := range msgs {
				t.Row(m.SourceSite, string(m.Kind), describePayload(m), m.Timestamp.Local().Format(time.DateTime), m.ID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	list.Flags().StringVar(&source, "source", "", "only messages from this site")

	retract := &cobra.Command{
		Use:   "retract <message-id>",
		Short: "Remove a message you posted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(true)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			relay := federation.NewRelay(s.client.Collection(federation.RelayStoreName), s.key, "", s.logger)
			if err := relay.Retract(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Retracted "+args[0]))
			return nil
		},
	}

	cmd.AddCommand(announce, list, retract)
	return cmd
}

func describePayload(m federation.SyncMessage) string {
	if m.Kind == federation.SyncRequest {
		return mutedStyle.Render("-")
	}
	rel, err := m.Releases()
	if err != nil {
		return deniedStyle.Render("malformed")
	}
	return strings.Join(rel.ContentIDs, ", ")
}

func pointerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pointer",
		Short: "Mirror remote content as pointers",
		Long: `Pointers reference content held by another site. Writing them needs the
federation/pointers permission on the replica.`,
	}

	var (
		title       string
		contentType string
		message     string
	)
	mirror := &cobra.Command{
		Use:   "mirror [<source-site> <content-id>]",
		Short: "Mirror one item, or every item in a sync message with --message",
		Args: func(cmd *cobra.Command, args []string) error {
			if message != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(true)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			ptrs := federation.NewPointers(s.client.Collection(federation.PointerStoreName), s.key, nil, s.logger)
			if message != "" {
				msg, err := findMessage(ctx, s, message)
				if err != nil {
					return err
				}
				if err := ptrs.MirrorReleases(ctx, msg); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Applied %s from %s", msg.Kind, msg.SourceSite)))
				return nil
			}

			ptr, err := ptrs.Mirror(ctx, args[0], args[1], title, contentType)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), ptr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Mirrored %s from %s", ptr.ContentID, ptr.SourceSiteID)))
			return nil
		},
	}
	mirror.Flags().StringVar(&title, "title", "", "title to show for the content")
	mirror.Flags().StringVar(&contentType, "content-type", "", "content type")
	mirror.Flags().StringVar(&message, "message", "", "sync message id to apply")

	var fromSite string
	list := &cobra.Command{
		Use:   "list",
		Short: "List mirrored content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(false)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := requestContext(cmd)
			defer cancel()

			ptrs := federation.NewPointers(s.client.Collection(federation.PointerStoreName), nil, nil, s.logger)
			var list []federation.ContentPointer
			if fromSite != "" {
				list, err = ptrs.FromSite(ctx, fromSite)
			} else {
				list, err = ptrs.List(ctx)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			t := newTable("SOURCE", "CONTENT", "TITLE", "TYPE", "MIRRORED")
			for _, p := range list {
				t.Row(p.SourceSiteID, p.ContentID, p.Title, p.ContentType, p.FederatedAt.Local().Format(time.DateTime))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	list.Flags().StringVar(&fromSite, "source", "", "only pointers to this site")

	cmd.AddCommand(
		mirror,
		&cobra.Command{
			Use:   "drop <source-site> <content-id>",
			Short: "Remove a pointer",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := connect(true)
				if err != nil {
					return err
				}
				defer s.Close()
				ctx, cancel := requestContext(cmd)
				defer cancel()

				ptrs := federation.NewPointers(s.client.Collection(federation.PointerStoreName), s.key, nil, s.logger)
				if err := ptrs.Drop(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Dropped %s from %s", args[1], args[0])))
				return nil
			},
		},
		list,
	)
	return cmd
}

func findMessage(ctx context.Context, s *session, id string) (federation.SyncMessage, error) {
	doc, err := s.client.Get(ctx, federation.RelayStoreName, id)
	if err != nil {
		return federation.SyncMessage{}, err
	}
	var msg federation.SyncMessage
	if err := doc.Decode(&msg); err != nil {
		return federation.SyncMessage{}, errs.Wrap(errs.CodeInvalidState, err, "sync message")
	}
	return msg, nil
}
