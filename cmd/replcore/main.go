// Command replcore is the thin CLI surface a shell uses to drive the
// core: it wires the sandbox, decision engine, LLM client, rate
// controller, session store, dispatcher, and controller, then reads
// utterances from stdin one line at a time, printing each turn's
// assistant text to stdout. Slash commands, prompt rendering, and any
// other shell-side presentation are deliberately absent — this is the
// thing a real shell calls into, not the shell itself.
//
// Grounded on cmd/simple-agent/main.go: godotenv.Load in main, a cobra
// root command, persistent/local flags bound ahead of Execute. The
// original multi-provider client construction and TUI launch are
// replaced by the single-Gemini-client wiring this module's
// external-interfaces contract calls for, and runTUI's Bubble Tea
// program is replaced by a stdin scan loop since rendering is out of
// scope for the core.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nachoal/replcore/internal/applog"
	"github.com/nachoal/replcore/internal/config"
	"github.com/nachoal/replcore/internal/controller"
	"github.com/nachoal/replcore/internal/decision"
	"github.com/nachoal/replcore/internal/dispatch"
	"github.com/nachoal/replcore/internal/llmclient"
	"github.com/nachoal/replcore/internal/ratelimit"
	"github.com/nachoal/replcore/internal/sandbox"
	"github.com/nachoal/replcore/internal/session"
	"github.com/nachoal/replcore/internal/toolspec"
)

var (
	name        string
	resume      string
	listSessions bool

	rootCmd = &cobra.Command{
		Use:   "replcore",
		Short: "File-system console core driven by a Gemini-backed LLM",
		RunE:  run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&name, "name", "", "bind this session to a short name, resuming it if already bound")
	rootCmd.Flags().StringVar(&resume, "resume", "", "resume a session by UUID or bound name")
	rootCmd.Flags().BoolVar(&listSessions, "list-sessions", false, "list known sessions and exit")
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: error loading .env file: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sb, err := sandbox.New(cfg.SandboxRoot)
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.SessionsDir)
	if err != nil {
		return err
	}

	if listSessions {
		return printSessions(store)
	}

	llmClient := llmclient.New(cfg.APIKey)
	defer llmClient.Close()

	rate := ratelimit.New(ratelimit.DefaultLimits, ratelimit.DefaultBackoff)
	eng := decision.New(llmClient, cfg.Model, 0)

	disp := dispatch.New(sb, eng, llmClient, rate, store, cfg.Model)
	disp.SkipDecision = !cfg.StructuredDispatch

	systemPrompt, err := config.SystemPrompt()
	if err != nil {
		return err
	}

	var sessionID uuid.UUID
	if resume != "" {
		sessionID, err = store.FindByNameOrID(resume)
	} else {
		sessionID, err = store.OpenSession(name)
	}
	if err != nil {
		return err
	}

	ctl := controller.New(store, disp, sessionID, contextBudget(cfg), systemPrompt, 0)
	if existing, err := store.Entries(sessionID); err != nil {
		return err
	} else if len(existing) > 0 {
		if err := ctl.Resume(sessionID.String()); err != nil {
			return err
		}
	}

	applog.Info("session ready", "session", sessionID.String())
	return repl(ctl)
}

// contextBudget is the token budget handed to contextmgr.New. 100000
// leaves comfortable headroom under the decision-engine/dispatcher
// models' context windows without needing a per-model lookup table.
func contextBudget(cfg *config.Config) int {
	return 100000
}

// repl reads one utterance per line from stdin until EOF, printing each
// turn's assistant text to stdout. It is deliberately not a REPL in the
// shell sense: no slash commands, no prompt rendering, no history
// display — those belong to whatever process invokes this binary.
//
// A Handle error whose Kind is Surfaced (rate limits, auth failures, fatal
// config, bad requests, timeouts, cancellation) ends the loop and is
// returned to main for a nonzero exit; any other error is locally
// recoverable and only printed before continuing to the next line.
func repl(ctl *controller.Controller) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		text, _, err := ctl.Handle(context.Background(), line)
		if err != nil {
			var se *toolspec.Error
			if errors.As(err, &se) && se.Kind.Surfaced() {
				return err
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(text)
	}
	return scanner.Err()
}

func printSessions(store *session.Store) error {
	infos, err := store.List()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("%s\tupdated=%s\tentries=%d\n", info.ID, info.Updated.Format("2006-01-02T15:04:05Z07:00"), info.EntryCount)
	}
	return nil
}
