package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendPrivate bool
	sendImage   string

	// history
	historyLimit  int
	historyBefore int64
	historyPages  int
	historyJSON   bool

	// groups list
	groupsListJSON bool

	// watch
	watchMetricsAddr string
	watchChat        string
)

// ============================================================================
// Helpers
// ============================================================================

// findGroup resolves a group by id or name.
func findGroup(s chatsync.State, ref string) (chatsync.ChatGroup, bool) {
	for _, g := range s.Groups {
		if g.ID == ref {
			return g, true
		}
	}
	for _, g := range s.Groups {
		if g.Name == ref {
			return g, true
		}
	}
	return chatsync.ChatGroup{}, false
}

// findClient resolves a user by id or name across both rosters.
func findClient(s chatsync.State, ref string) (chatsync.Client, bool) {
	all := append(append([]chatsync.Client{}, s.ConnectedClients...), s.OfflineClients...)
	for _, c := range all {
		if c.ID == ref {
			return c, true
		}
	}
	for _, c := range all {
		if c.Name == ref {
			return c, true
		}
	}
	return chatsync.Client{}, false
}

func groupRef(s chatsync.State, ref string) (chatsync.Chat, error) {
	g, ok := findGroup(s, ref)
	if !ok {
		return chatsync.Chat{}, fmt.Errorf("group %q: %w", ref, chatsync.ErrNotFound)
	}
	return g.Ref(), nil
}

func printMessage(m chatsync.ChatMessage) {
	when := humanize.Time(time.UnixMilli(m.Timestamp))
	line := fmt.Sprintf("[%s] %s: %s", when, m.From, m.Content)
	if m.Edited {
		line += " (edited)"
	}
	if m.Image != "" {
		line += " [image]"
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for emoji, users := range m.Reactions {
			emojis = append(emojis, fmt.Sprintf("%s%d", emoji, len(users)))
		}
		sort.Strings(emojis)
		line += "  " + strings.Join(emojis, " ")
	}
	fmt.Println(line)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <target> <message>",
	Short: "Send a message to a group or, with --private, to a user",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, content := args[0], strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		engine, err := connectEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Disconnect()
		s := settle(ctx, engine)

		if sendPrivate {
			c, ok := findClient(s, target)
			if !ok {
				c = chatsync.Client{ID: target, Name: target}
			}
			engine.SendMessage(content, c.Name, true, c.ID, sendImage)
			fmt.Printf("Message sent to %s\n", c.Name)
			return nil
		}

		ref, err := groupRef(s, target)
		if err != nil {
			return err
		}
		engine.SendMessage(content, ref.Name, false, ref.ID, sendImage)
		fmt.Printf("Message sent to %s\n", ref.Name)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <private|group> <id-or-name>",
	Short: "Page through a conversation's history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := chatsync.ChatType(args[0])
		if typ != chatsync.TypePrivate && typ != chatsync.TypeGroup {
			return fmt.Errorf("type must be %q or %q", chatsync.TypePrivate, chatsync.TypeGroup)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine, err := connectEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Disconnect()
		s := settle(ctx, engine)

		chat := chatsync.Chat{ID: args[1], Name: args[1], Type: typ}
		if typ == chatsync.TypeGroup {
			if chat, err = groupRef(s, args[1]); err != nil {
				return err
			}
		} else if c, ok := findClient(s, args[1]); ok {
			chat = chatsync.Chat{ID: c.ID, Name: c.Name, Type: typ}
		}

		before := historyBefore
		for page := 0; page < historyPages; page++ {
			engine.FetchMessages(chat.ID, chat.Type, historyLimit, before)
			s, err = waitFor(ctx, engine, func(s chatsync.State) bool { return !s.IsLoadingMessages })
			if err != nil {
				return fmt.Errorf("waiting for history: %w", err)
			}
			if !s.HasMoreMessages {
				break
			}
			before = 0
		}

		msgs := engine.MessagesFor(chat)
		if historyJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		if s.HasMoreMessages {
			fmt.Printf("... older messages available (--before %d)\n", s.OldestMessageTimestamp[chat.Key()])
		}
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage groups",
	Long:  "Create, list, join, leave, rename and delete groups.",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		engine, err := connectEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Disconnect()
		s := settle(ctx, engine)

		if groupsListJSON {
			data, err := json.MarshalIndent(s.Groups, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		if len(s.Groups) == 0 {
			fmt.Println("No groups found.")
			return nil
		}
		for _, g := range s.Groups {
			fmt.Printf("  %s: %s (%d members, creator %s)\n", g.ID, g.Name, len(g.MemberIDs), g.CreatorName)
			if g.LastMessage != nil {
				fmt.Printf("      %s: %s (%s)\n", g.LastMessageSender, g.LastMessage.Content,
					humanize.Time(time.UnixMilli(g.LastMessage.Timestamp)))
			}
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		engine, err := connectEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Disconnect()
		settle(ctx, engine)

		ref := engine.CreateGroup(args[0])
		if ref.IsZero() {
			return fmt.Errorf("group %q: %w", args[0], chatsync.ErrDuplicate)
		}
		fmt.Printf("Group created: %s\n", ref.ID)
		fmt.Printf("  Name: %s\n", ref.Name)
		return nil
	},
}

// groupAction builds a subcommand that resolves a group then applies fn.
func groupAction(use, short string, nargs int, fn func(*chatsync.Engine, chatsync.Chat, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			engine, err := connectEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Disconnect()
			s := settle(ctx, engine)

			ref, err := groupRef(s, args[0])
			if err != nil {
				return err
			}
			return fn(engine, ref, args[1:])
		},
	}
}

var groupsJoinCmd = groupAction("join <group>", "Join a group", 1,
	func(e *chatsync.Engine, ref chatsync.Chat, _ []string) error {
		e.JoinGroup(ref)
		fmt.Printf("Joined %s\n", ref.Name)
		return nil
	})

var groupsLeaveCmd = groupAction("leave <group>", "Leave a group", 1,
	func(e *chatsync.Engine, ref chatsync.Chat, _ []string) error {
		e.LeaveGroup(ref)
		s := e.Snapshot()
		if g, ok := findGroup(s, ref.ID); ok && g.HasMember(s.ClientID) {
			return fmt.Errorf("leave %s: %w", ref.Name, chatsync.ErrPermissionDenied)
		}
		fmt.Printf("Left %s\n", ref.Name)
		return nil
	})

var groupsRenameCmd = groupAction("rename <group> <new-name>", "Rename a group you created", 2,
	func(e *chatsync.Engine, ref chatsync.Chat, args []string) error {
		e.RenameGroup(ref, args[0])
		if g, ok := findGroup(e.Snapshot(), ref.ID); ok && g.Name != args[0] {
			return fmt.Errorf("rename %s: %w", ref.Name, chatsync.ErrPermissionDenied)
		}
		return nil
	})

var groupsDeleteCmd = groupAction("delete <group>", "Delete a group you created", 1,
	func(e *chatsync.Engine, ref chatsync.Chat, _ []string) error {
		e.DeleteGroup(ref)
		if _, ok := findGroup(e.Snapshot(), ref.ID); ok {
			return fmt.Errorf("delete %s: %w", ref.Name, chatsync.ErrPermissionDenied)
		}
		fmt.Printf("Deleted %s\n", ref.Name)
		return nil
	})

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print activity as it happens",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []chatsync.Option
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
			fmt.Printf("Serving metrics on %s/metrics\n", watchMetricsAddr)
		}

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		engine, err := connectEngine(connectCtx, opts...)
		cancel()
		if err != nil {
			return err
		}
		defer engine.Disconnect()

		if watchChat != "" {
			s := settle(ctx, engine)
			if ref, err := groupRef(s, watchChat); err == nil {
				engine.OpenChat(ref)
			} else if c, ok := findClient(s, watchChat); ok {
				engine.OpenChat(chatsync.Chat{ID: c.ID, Name: c.Name, Type: chatsync.TypePrivate})
			} else {
				return err
			}
		}

		seen := make(map[string]bool)
		wasConnected := true
		updates := make(chan chatsync.State, 64)
		unsubscribe := engine.Subscribe(func(s chatsync.State) {
			select {
			case updates <- s:
			default:
			}
		})
		defer unsubscribe()

		for _, m := range engine.Snapshot().Messages {
			seen[m.ID] = true
			printMessage(m)
		}

		fmt.Println("Watching; press Ctrl-C to stop.")
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-updates:
				if s.IsConnected != wasConnected {
					wasConnected = s.IsConnected
					if s.IsConnected {
						fmt.Println("-- reconnected")
					} else {
						fmt.Println("-- connection lost, reconnecting")
					}
				}
				for _, m := range s.Messages {
					if !seen[m.ID] {
						seen[m.ID] = true
						printMessage(m)
					}
				}
			}
		}
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendPrivate, "private", false, "Send a private message to a user")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "Attach an image URL")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 15, "Messages per page")
	historyCmd.Flags().Int64Var(&historyBefore, "before", 0, "Only messages older than this timestamp (ms)")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to fetch")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	groupsListCmd.Flags().BoolVar(&groupsListJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchChat, "chat", "", "Open a group or user conversation and load its history")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsJoinCmd)
	groupsCmd.AddCommand(groupsLeaveCmd)
	groupsCmd.AddCommand(groupsRenameCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(watchCmd)
}
