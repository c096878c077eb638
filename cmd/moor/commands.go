package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/moor/internal/agent"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		templateID string
		agentID    string
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Run a chat turn; without a prompt, start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			tpl, err := resolveTemplate(templates, templateID)
			if err != nil {
				return err
			}

			a, err := agent.New(ctx, agentID, tpl, env.deps(templates), env.options())
			if err != nil {
				return err
			}
			defer a.Dispose()

			stopPrinting, err := printProgress(ctx, a)
			if err != nil {
				return err
			}
			defer stopPrinting()

			if len(args) > 0 {
				return runTurn(ctx, a, strings.Join(args, " "))
			}
			return runInteractive(ctx, a)
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id from the config")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (generated when empty)")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var (
		templateID string
		agentID    string
		strategy   string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a persisted agent and start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
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
			tpl, err := resolveTemplate(templates, templateID)
			if err != nil {
				return err
			}

			a, err := agent.Resume(ctx, agentID, tpl, env.deps(templates), env.options(), agent.ResumeStrategy(strategy))
			if err != nil {
				return err
			}
			defer a.Dispose()

			stopPrinting, err := printProgress(ctx, a)
			if err != nil {
				return err
			}
			defer stopPrinting()

			fmt.Printf("resumed %s (%s)\n", agentID, strategy)
			return runInteractive(ctx, a)
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id from the config")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to resume")
	cmd.Flags().StringVar(&strategy, "strategy", "manual", "resume strategy: manual, crash, or truncate")
	return cmd
}

func buildEventsCmd() *cobra.Command {
	var (
		agentID string
		channel string
		since   uint64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Dump the persisted event log for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			envelopes, err := st.ReadEvents(cmd.Context(), agentID, store.ReadOptions{
				Channel: models.Channel(channel),
				Since:   since,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, env := range envelopes {
				if err := enc.Encode(env); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&channel, "channel", "", "channel filter: progress, control, or monitor")
	cmd.Flags().Uint64Var(&since, "since", 0, "replay events with seq greater than this")
	return cmd
}

func buildTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List templates from the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, tpl := range cfg.Templates {
				mode := models.PermissionAuto
				if tpl.Permission != nil && tpl.Permission.Mode != "" {
					mode = tpl.Permission.Mode
				}
				fmt.Printf("%s\tpermission=%s\ttools=%s\n", tpl.ID, mode, strings.Join(tpl.Tools, ","))
			}
			return nil
		},
	}
}

// resolveTemplate picks the named template, or the only one when the
// config defines exactly one.
func resolveTemplate(templates *agent.TemplateRegistry, id string) (*agent.Template, error) {
	if id != "" {
		tpl, ok := templates.Get(id)
		if !ok {
			return nil, fmt.Errorf("template %q not in config", id)
		}
		return tpl, nil
	}
	ids := templates.IDs()
	switch len(ids) {
	case 0:
		return &agent.Template{Spec: &models.TemplateSpec{ID: "default"}}, nil
	case 1:
		tpl, _ := templates.Get(ids[0])
		return tpl, nil
	default:
		return nil, fmt.Errorf("multiple templates configured, pick one with --template (%s)", strings.Join(ids, ", "))
	}
}

// printProgress streams assistant text to stdout as it is produced.
func printProgress(ctx context.Context, a *agent.Agent) (func(), error) {
	sub, err := a.Subscribe(ctx, []models.Channel{models.ChannelProgress}, nil)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range sub.Events() {
			switch env.Event.Type {
			case models.EventTextChunk:
				if env.Event.Text != nil {
					fmt.Print(env.Event.Text.Delta)
				}
			case models.EventTextChunkEnd:
				fmt.Println()
			case models.EventToolStart:
				if env.Event.Tool != nil {
					fmt.Fprintf(os.Stderr, "[tool %s]\n", env.Event.Tool.Name)
				}
			}
		}
	}()
	return func() {
		sub.Cancel()
		<-done
	}, nil
}

// runTurn executes one chat turn, walking the operator through any
// permission prompts.
func runTurn(ctx context.Context, a *agent.Agent, text string) error {
	res, err := a.Chat(ctx, text)
	if err != nil {
		return err
	}
	for res.Status == agent.StatusPaused {
		if err := decideAll(ctx, a, res.PermissionIDs); err != nil {
			return err
		}
		res, err = waitForTurn(ctx, a)
		if err != nil {
			return err
		}
	}
	if res.Status == agent.StatusError {
		return fmt.Errorf("turn failed: %s", res.Detail)
	}
	return nil
}

// decideAll prompts y/N for each pending permission id.
func decideAll(ctx context.Context, a *agent.Agent, ids []string) error {
	reader := bufio.NewReader(os.Stdin)
	for _, id := range ids {
		fmt.Fprintf(os.Stderr, "allow tool call %s? [y/N] ", id)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		allow := strings.EqualFold(strings.TrimSpace(line), "y")
		note := ""
		if !allow {
			note = "denied at prompt"
		}
		if err := a.Decide(ctx, id, allow, note); err != nil {
			return err
		}
	}
	return nil
}

// waitForTurn blocks until the resumed turn reaches done, reporting the
// terminal status it carried.
func waitForTurn(ctx context.Context, a *agent.Agent) (*agent.ChatResult, error) {
	sub, err := a.Subscribe(ctx, []models.Channel{models.ChannelProgress}, nil)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return nil, agent.ErrClosed
			}
			if env.Event.Type == models.EventDone && env.Event.Done != nil {
				res := &agent.ChatResult{Status: env.Event.Done.Status, Detail: env.Event.Done.Detail}
				if st := a.Status(); len(st.InFlight) > 0 && res.Status == agent.StatusPaused {
					res.PermissionIDs = st.InFlight
				}
				return res, nil
			}
		}
	}
}

func runInteractive(ctx context.Context, a *agent.Agent) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stderr, "enter a message, or /quit to exit")
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
		if err := runTurn(ctx, a, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}
