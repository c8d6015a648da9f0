package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func printJSON(cmd *cobra.Command, s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	cmd.Println(string(b))
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func clock(m map[string]any, key string) string {
	ms := num(m, key)
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func printStatus(cmd *cobra.Command, out map[string]any) {
	cmd.Printf("Profile:   %s\n", str(out, "profile"))
	cmd.Printf("Status:    %s\n", str(out, "status"))
	if user, ok := out["user"].(map[string]any); ok && out["authenticated"] == true {
		cmd.Printf("User:      %s (%d)\n", str(user, "name"), num(user, "id"))
	}
	if n := num(out, "reconnect_attempts"); n > 0 {
		cmd.Printf("Retries:   %d\n", n)
	}
	if e := str(out, "last_error"); e != "" {
		cmd.Printf("Error:     %s\n", e)
	}
	cmd.Printf("Loaded:    %d conversations\n", num(out, "conversations"))
	cmd.Printf("Uptime:    %s\n", (time.Duration(num(out, "uptime_ms")) * time.Millisecond).Round(time.Second))
}

func formatConversation(c map[string]any) string {
	name := ""
	if contact, ok := c["contact"].(map[string]any); ok {
		name = str(contact, "name")
		if name == "" {
			name = str(contact, "phone")
		}
	}
	unread := ""
	if n := num(c, "unread_count"); n > 0 {
		unread = fmt.Sprintf(" [%d]", n)
	}
	typing := ""
	if c["is_typing"] == true {
		typing = " typing..."
	}
	preview := ""
	if last, ok := c["last_message"].(map[string]any); ok {
		preview = truncate(str(last, "content"), 40)
	}
	return fmt.Sprintf("%6d  %-24s %-16s %s%s%s  %s",
		num(c, "id"), truncate(name, 24), str(c, "assignment"), clock(c, "updated_at_ms"), unread, typing, preview)
}

func printConversations(cmd *cobra.Command, out map[string]any) {
	list, _ := out["conversations"].([]any)
	if len(list) == 0 {
		cmd.Println("No conversations loaded.")
	}
	for _, item := range list {
		if c, ok := item.(map[string]any); ok {
			cmd.Println(formatConversation(c))
		}
	}
	if out["has_more"] == true {
		cmd.Println("(more available: wppcrmctl conversations --more)")
	}
}

func formatMessage(m map[string]any) string {
	arrow := "<"
	if str(m, "direction") == "outbound" {
		arrow = ">"
	}
	body := str(m, "content")
	if media, ok := m["media"].(map[string]any); ok {
		body = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", str(m, "type"), str(media, "filename"), body))
	}
	return fmt.Sprintf("%s %s %-9s %s", clock(m, "timestamp_ms"), arrow, str(m, "status"), body)
}

func printMessages(cmd *cobra.Command, out map[string]any) {
	if c, ok := out["conversation"].(map[string]any); ok {
		cmd.Println(formatConversation(c))
		cmd.Println()
	}
	if cursor, ok := out["cursor"].(map[string]any); ok && cursor["has_more"] == true {
		cmd.Println("(older messages available: wppcrmctl messages --older)")
	}
	list, _ := out["messages"].([]any)
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			cmd.Println(formatMessage(m))
		}
	}
	if d := str(out, "draft"); d != "" {
		cmd.Printf("\ndraft: %s\n", d)
	}
}

func formatEvent(evt map[string]any) string {
	ts := time.UnixMilli(num(evt, "occurred_at_unix_ms")).Local().Format("15:04:05.000")
	payload := ""
	switch p := evt["payload"].(type) {
	case map[string]any:
		parts := make([]string, 0, len(p))
		for k, v := range p {
			if _, nested := v.(map[string]any); nested {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		slices.Sort(parts)
		payload = strings.Join(parts, " ")
	case nil:
	default:
		payload = fmt.Sprint(p)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %-28s %s", ts, str(evt, "kind"), payload))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
