package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/matheus3301/wppcrm/internal/config"
	"github.com/matheus3301/wppcrm/internal/profile"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/structpb"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func newInitCmd(opts *globalOpts) *cobra.Command {
	var (
		apiURL, realtimeURL, namespace string
		userID                         int64
		makeDefault                    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the profile's config.toml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := opts.profileName()
			if err != nil {
				return err
			}
			if err := profile.EnsureDir(name); err != nil {
				return err
			}
			p := config.Defaults()
			p.APIBaseURL = apiURL
			p.RealtimeURL = realtimeURL
			if namespace != "" {
				p.RealtimeNamespace = namespace
			}
			p.Viewer.UserID = userID
			if err := p.Validate(); err != nil {
				return err
			}
			if err := config.SaveProfile(profile.Dir(name), &p); err != nil {
				return err
			}
			if makeDefault {
				if err := config.Save(profile.ConfigPath(), &config.Global{DefaultProfile: name}); err != nil {
					return err
				}
			}
			cmd.Printf("Profile %q written to %s\n", name, profile.Dir(name))
			cmd.Println("Put WPPCRM_TOKEN=<bearer token> in the .env file next to config.toml.")
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "REST API base URL")
	cmd.Flags().StringVar(&realtimeURL, "realtime-url", "", "realtime channel URL (ws:// or wss://)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "realtime namespace")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "your agent user id")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "make this the default profile")
	_ = cmd.MarkFlagRequired("api-url")
	_ = cmd.MarkFlagRequired("realtime-url")
	return cmd
}

func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, "GetStatus", nil, printStatus)
		},
	}
}

func newResumeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reconnect the realtime channel if it dropped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, "Resume", nil, printStatus)
		},
	}
}

func newConversationsCmd(opts *globalOpts) *cobra.Command {
	var reload, more bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List loaded conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if more {
				return opts.call(cmd, "LoadMore", nil, printConversations)
			}
			return opts.call(cmd, "ListConversations", map[string]any{"reload": reload}, printConversations)
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "refetch the first page")
	cmd.Flags().BoolVar(&more, "more", false, "load the next page")
	return cmd
}

func newViewCmd(opts *globalOpts) *cobra.Command {
	var (
		tab, search, sortBy, sortOrder string
		tags                           []int64
		unreadOnly                     bool
	)
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Switch tab, filters or sort order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("tab") {
				req["tab"] = tab
			}
			if flags.Changed("search") {
				req["search"] = search
			}
			if flags.Changed("tag") {
				ids := make([]any, len(tags))
				for i, id := range tags {
					ids[i] = id
				}
				req["tag_ids"] = ids
			}
			if flags.Changed("unread-only") {
				req["unread_only"] = unreadOnly
			}
			if flags.Changed("sort-by") {
				req["sort_by"] = sortBy
			}
			if flags.Changed("sort-order") {
				req["sort_order"] = sortOrder
			}
			return opts.call(cmd, "SetView", req, printConversations)
		},
	}
	cmd.Flags().StringVar(&tab, "tab", "", "mine, queue or bot")
	cmd.Flags().StringVar(&search, "search", "", "search text")
	cmd.Flags().Int64SliceVar(&tags, "tag", nil, "tag id filter (repeatable)")
	cmd.Flags().BoolVar(&unreadOnly, "unread-only", false, "only conversations with unread messages")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "updated_at, created_at or id")
	cmd.Flags().StringVar(&sortOrder, "sort-order", "", "asc or desc")
	return cmd
}

func newOpenCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and show its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd, "OpenConversation", map[string]any{"conversation_id": id}, printMessages)
		},
	}
}

func newMessagesCmd(opts *globalOpts) *cobra.Command {
	var older bool
	cmd := &cobra.Command{
		Use:   "messages [conversation-id]",
		Short: "Show a cached timeline (defaults to the open conversation)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if older {
				return opts.call(cmd, "LoadOlder", nil, printMessages)
			}
			req := map[string]any{"ensure_loaded": true}
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				req["conversation_id"] = id
			}
			return opts.call(cmd, "ListMessages", req, printMessages)
		},
	}
	cmd.Flags().BoolVar(&older, "older", false, "load the previous page of the open conversation")
	return cmd
}

func newSendCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text...>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := map[string]any{"conversation_id": id, "content": strings.Join(args[1:], " ")}
			return opts.call(cmd, "SendText", req, func(cmd *cobra.Command, out map[string]any) {
				if m, ok := out["message"].(map[string]any); ok {
					cmd.Println(formatMessage(m))
				}
			})
		},
	}
}

func newDraftCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "draft <conversation-id> [text...]",
		Short: "Save or clear (no text) a conversation draft",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := map[string]any{"conversation_id": id, "text": strings.Join(args[1:], " ")}
			return opts.call(cmd, "SetDraft", req, func(cmd *cobra.Command, _ map[string]any) {
				cmd.Println("draft saved")
			})
		},
	}
}

func newConversationActionCmd(opts *globalOpts, use, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.call(cmd, method, map[string]any{"conversation_id": id}, func(cmd *cobra.Command, out map[string]any) {
				if c, ok := out["conversation"].(map[string]any); ok {
					cmd.Println(formatConversation(c))
				}
			})
		},
	}
}

func newWatchCmd(opts *globalOpts) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream engine events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := make(chan *structpb.Struct, 64)
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer close(events)
				return c.Watch(ctx, namespace, func(evt *structpb.Struct) error {
					select {
					case events <- evt:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})
			})
			g.Go(func() error {
				for evt := range events {
					if opts.json {
						if err := printJSON(cmd, evt); err != nil {
							return err
						}
						continue
					}
					cmd.Println(formatEvent(evt.AsMap()))
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", `event prefix such as "message." (default all)`)
	return cmd
}
