package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/moor/internal/agent"
	"github.com/haasonsaas/moor/internal/room"
)

var roomMentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// consoleMember stands in for the operator so agents can mention @user.
type consoleMember struct{}

func (consoleMember) ID() string { return "user" }

func (consoleMember) SendMention(sender, text string) {
	fmt.Printf("[%s] %s\n", sender, text)
}

func buildRoomCmd() *cobra.Command {
	var (
		name    string
		members []string
	)
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Run a multi-agent room; @alias routes a message to that member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(members) == 0 {
				return fmt.Errorf("at least one --member alias=template is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.Close()

			templates, err := env.templateRegistry()
			if err != nil {
				return err
			}

			pool := agent.NewPool(cfg.Runtime.MaxAgents)
			defer pool.Close()

			rm := room.New(name)
			if err := rm.Join("user", consoleMember{}); err != nil {
				return err
			}

			aliases := make([]string, 0, len(members))
			for _, spec := range members {
				alias, templateID, ok := strings.Cut(spec, "=")
				if !ok || alias == "" || templateID == "" {
					return fmt.Errorf("member %q must be alias=template", spec)
				}
				tpl, found := templates.Get(templateID)
				if !found {
					return fmt.Errorf("template %q not in config", templateID)
				}
				a, err := pool.Create(ctx, alias, func(ctx context.Context, id string) (*agent.Agent, error) {
					return agent.New(ctx, id, tpl, env.deps(templates), env.options())
				})
				if err != nil {
					return err
				}
				stopPrinting, err := printProgress(ctx, a)
				if err != nil {
					return err
				}
				defer stopPrinting()
				if err := rm.Join(alias, a); err != nil {
					return err
				}
				aliases = append(aliases, alias)
			}

			fmt.Fprintf(os.Stderr, "room %q with members %s; @alias to address one, /quit to exit\n",
				name, strings.Join(aliases, ", "))

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Fprint(os.Stderr, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if line == "/transcript" {
					for _, entry := range rm.Transcript() {
						fmt.Printf("%s  %s: %s\n", entry.Time.Format("15:04:05"), entry.Sender, entry.Text)
					}
					continue
				}
				if err := rm.Say("user", line); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
					continue
				}
				for _, alias := range roomTargets(line, aliases) {
					a, ok := pool.Get(alias)
					if !ok {
						continue
					}
					fmt.Fprintf(os.Stderr, "-- %s --\n", alias)
					// Empty text: the turn runs off the mention queued by Say.
					if err := runTurn(ctx, a, ""); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						fmt.Fprintln(os.Stderr, "error:", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "room", "room name")
	cmd.Flags().StringArrayVar(&members, "member", nil, "member as alias=template (repeatable)")
	return cmd
}

// roomTargets resolves which members take a turn: the mentioned aliases,
// or everyone when the message mentions no one.
func roomTargets(text string, aliases []string) []string {
	mentioned := make(map[string]bool)
	for _, m := range roomMentionPattern.FindAllStringSubmatch(text, -1) {
		mentioned[m[1]] = true
	}
	if len(mentioned) == 0 {
		return aliases
	}
	var out []string
	for _, alias := range aliases {
		if mentioned[alias] {
			out = append(out, alias)
		}
	}
	return out
}
