package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/wppcrm/internal/api"
	"github.com/matheus3301/wppcrm/internal/profile"
	"github.com/spf13/cobra"
)

type globalOpts struct {
	profile string
	json    bool
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "wppcrmctl",
		Short:         "Control a running wppcrmd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(os.Stdout)
	root.PersistentFlags().StringVar(&opts.profile, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(
		newInitCmd(opts),
		newStatusCmd(opts),
		newResumeCmd(opts),
		newConversationsCmd(opts),
		newViewCmd(opts),
		newOpenCmd(opts),
		newMessagesCmd(opts),
		newSendCmd(opts),
		newDraftCmd(opts),
		newConversationActionCmd(opts, "read", "MarkRead", "Mark a conversation read"),
		newConversationActionCmd(opts, "unread", "MarkUnread", "Mark a conversation unread"),
		newConversationActionCmd(opts, "assign", "Assign", "Assign a conversation to yourself"),
		newConversationActionCmd(opts, "unassign", "Unassign", "Release a conversation"),
		newWatchCmd(opts),
	)
	return root
}

func (o *globalOpts) profileName() (string, error) {
	name := profile.Resolve(o.profile)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// dial connects to the profile's daemon.
func (o *globalOpts) dial() (*api.Client, string, error) {
	name, err := o.profileName()
	if err != nil {
		return nil, "", err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, "", fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, name, nil
}

// call runs one unary RPC and prints the result.
func (o *globalOpts) call(cmd *cobra.Command, method string, req map[string]any, print func(*cobra.Command, map[string]any)) error {
	c, _, err := o.dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	out, err := c.Call(ctx, method, req)
	if err != nil {
		return err
	}
	if o.json || print == nil {
		return printJSON(cmd, out)
	}
	print(cmd, out.AsMap())
	return nil
}
