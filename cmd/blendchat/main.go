// Blendchat is a memory-aware chat client for a local Ollama model that
// talks through a shared directory instead of a socket.
//
// The client side writes each request into the channel directory and
// watches for numbered response files; the worker side (in this same
// binary) reads the request, asks Ollama, and writes the answer back.
// Conversation history is kept in a plain text file and trimmed to a
// token budget before every request. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one, defaults apply.
//
// Usage:
//
//	blendchat send [-wait] <message>   Publish a message (optionally wait for the answer)
//	blendchat watch [-once]            Print responses as they arrive
//	blendchat latest                   Print the newest response
//	blendchat history                  Show the conversation memory
//	blendchat status                   Show channel and session state
//	blendchat clear-memory             Empty the conversation memory
//	blendchat clear-responses          Delete response files from the channel
//	blendchat reinforce                Restate the assistant's role in memory
//	blendchat worker                   Answer the pending request once
//	blendchat serve-worker             Answer requests as they arrive
//	blendchat models                   List models installed in Ollama
//	blendchat set <key> <value>        Change a preference
//	blendchat settings                 Show preferences
//	blendchat init [dir]               Write a sample config and persona
//	blendchat version                  Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/blendchat/internal/buildinfo"
	"github.com/nugget/blendchat/internal/channel"
	"github.com/nugget/blendchat/internal/chat"
	"github.com/nugget/blendchat/internal/config"
	"github.com/nugget/blendchat/internal/connwatch"
	"github.com/nugget/blendchat/internal/events"
	"github.com/nugget/blendchat/internal/memory"
	"github.com/nugget/blendchat/internal/worker"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// globalOptions are the flags accepted before the command name.
type globalOptions struct {
	configPath string
	outputFmt  string
}

// run is the real entry point. Command output goes to stdout; logs go to
// stderr so responses can be piped. Arguments are parsed by hand to keep
// run free of flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts globalOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "":
		return printUsage(stdout)
	}

	handler, ok := commands[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}

	a, err := newApp(opts, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return handler(ctx, a, stdout, cmdArgs)
}

type commandFunc func(ctx context.Context, a *app, stdout io.Writer, args []string) error

// commands are the subcommands that need a loaded configuration.
var commands = map[string]commandFunc{
	"send":            runSend,
	"watch":           runWatch,
	"latest":          runLatest,
	"history":         runHistory,
	"status":          runStatus,
	"clear-memory":    runClearMemory,
	"clear-responses": runClearResponses,
	"reinforce":       runReinforce,
	"worker":          runWorkerOnce,
	"serve-worker":    runServeWorker,
	"models":          runModels,
	"set":             runSet,
	"settings":        runSettings,
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Blendchat - memory-aware chat with a local Ollama model over a file channel")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: blendchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  send [-wait] [-timeout d] <message>  Publish a message")
	fmt.Fprintln(w, "  watch [-once]                        Print responses as they arrive")
	fmt.Fprintln(w, "  latest                               Print the newest response")
	fmt.Fprintln(w, "  history                              Show the conversation memory")
	fmt.Fprintln(w, "  status                               Show channel and session state")
	fmt.Fprintln(w, "  clear-memory                         Empty the conversation memory")
	fmt.Fprintln(w, "  clear-responses                      Delete response files")
	fmt.Fprintln(w, "  reinforce                            Restate the assistant's role in memory")
	fmt.Fprintln(w, "  worker                               Answer the pending request once")
	fmt.Fprintln(w, "  serve-worker                         Answer requests as they arrive")
	fmt.Fprintln(w, "  models                               List installed Ollama models")
	fmt.Fprintln(w, "  set <key> <value>                    Change a preference")
	fmt.Fprintln(w, "  settings                             Show preferences")
	fmt.Fprintln(w, "  init [dir]                           Write sample config.yaml and persona.md")
	fmt.Fprintln(w, "  version                              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Preferences (set/settings):")
	fmt.Fprintf(w, "  %s\n", strings.Join(chat.PreferenceKeys, ", "))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/blendchat/config.yaml, /etc/blendchat/config.yaml")
	return nil
}

// runSend publishes a message. With -wait it watches until the answer
// arrives (or -timeout passes) and prints it.
func runSend(ctx context.Context, a *app, stdout io.Writer, args []string) error {
	wait := false
	timeout := 10 * time.Minute
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-wait":
			wait = true
		case args[i] == "-timeout" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid -timeout: %w", err)
			}
			timeout = d
			i++
		default:
			words = append(words, args[i])
		}
	}
	if len(words) == 0 {
		return fmt.Errorf("usage: blendchat send [-wait] [-timeout d] <message>")
	}

	if !wait {
		req, err := a.session.Send(strings.Join(words, " "))
		if err != nil {
			return err
		}
		if a.opts.outputFmt == "json" {
			return writeJSON(stdout, req)
		}
		fmt.Fprintf(stdout, "sent %s (%d tokens, model %s)\n", req.ID[:8], req.Tokens, req.Model)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sched, err := a.startScheduler(ctx)
	if err != nil {
		return err
	}
	defer sched.Stop()

	sub := a.bus.Subscribe(16)
	defer a.bus.Unsubscribe(sub)

	// Watch first so the baseline predates the request.
	if err := a.session.StartWatching(); err != nil {
		return err
	}
	defer a.session.StopWatching()
	if _, err := a.session.Send(strings.Join(words, " ")); err != nil {
		return err
	}

	return printResponses(ctx, a, stdout, sub, true)
}

// runWatch prints responses as they arrive until interrupted, or after
// the first one with -once.
func runWatch(ctx context.Context, a *app, stdout io.Writer, args []string) error {
	once := false
	for _, arg := range args {
		if arg != "-once" {
			return fmt.Errorf("usage: blendchat watch [-once]")
		}
		once = true
	}

	sched, err := a.startScheduler(ctx)
	if err != nil {
		return err
	}
	defer sched.Stop()

	sub := a.bus.Subscribe(16)
	defer a.bus.Unsubscribe(sub)

	if err := a.session.StartWatching(); err != nil {
		return err
	}
	defer a.session.StopWatching()
	a.logger.Info("watching for responses", "dir", a.cfg.Channel.Dir, "interval", a.cfg.Channel.PollInterval)

	return printResponses(ctx, a, stdout, sub, once)
}

// printResponses copies found responses to stdout until ctx is done.
// A deadline is an error; cancellation (Ctrl-C) is not.
func printResponses(ctx context.Context, a *app, stdout io.Writer, sub <-chan events.Event, once bool) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.New("timed out waiting for a response")
			}
			return nil
		case e := <-sub:
			switch e.Kind {
			case events.KindResponseFound:
				text, seq := a.session.LastResponse()
				if a.opts.outputFmt == "json" {
					if err := writeJSON(stdout, map[string]any{"sequence": seq, "response": text}); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(stdout, text)
				}
				if once {
					return nil
				}
			case events.KindPollError:
				a.logger.Warn("could not read response", "sequence", e.Data["sequence"], "error", e.Data["error"])
			}
		}
	}
}

// runLatest prints the newest response, falling back to response.txt.
func runLatest(_ context.Context, a *app, stdout io.Writer, _ []string) error {
	art, err := channel.Latest(a.cfg.Channel.Dir)
	if err != nil {
		return err
	}
	if a.opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"sequence": art.Sequence,
			"file":     art.Path,
			"fallback": art.Fallback,
			"response": art.Content,
		})
	}
	fmt.Fprintln(stdout, strings.TrimSpace(art.Content))
	return nil
}

// runHistory shows the conversation memory and how much of the budget
// it uses.
func runHistory(_ context.Context, a *app, stdout io.Writer, _ []string) error {
	h, err := a.memory.Load()
	if err != nil {
		return err
	}
	budget := a.session.Preferences().TokenBudget
	tokens := memory.EstimateTokens(h.Serialize())

	if a.opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"path":      a.memory.Path(),
			"exchanges": h.Exchanges,
			"tokens":    tokens,
			"budget":    budget.Tokens(),
		})
	}
	fmt.Fprintf(stdout, "%s: %d exchanges, ~%d of %d tokens\n\n", a.memory.Path(), h.Len(), tokens, budget.Tokens())
	if !h.IsEmpty() {
		fmt.Fprintln(stdout, h.Serialize())
	}
	return nil
}

// runStatus shows the session, channel, and backend state.
func runStatus(ctx context.Context, a *app, stdout io.Writer, _ []string) error {
	st := a.session.Status()
	last, err := channel.MaxSequence(a.cfg.Channel.Dir)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	backendErr := a.ollama().Ping(probeCtx)

	if a.opts.outputFmt == "json" {
		backend := "ok"
		if backendErr != nil {
			backend = backendErr.Error()
		}
		return writeJSON(stdout, map[string]any{
			"session":       st,
			"last_response": last,
			"backend":       backend,
		})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "channel\t%s\n", st.Channel)
	fmt.Fprintf(tw, "newest response\t%s\n", channel.ResponseFileName(last))
	if st.PendingID != "" {
		fmt.Fprintf(tw, "pending request\t%s\n", st.PendingID[:min(8, len(st.PendingID))])
	}
	fmt.Fprintf(tw, "model\t%s\n", st.Model)
	fmt.Fprintf(tw, "memory\t%v (%s)\n", st.MemoryEnabled, memory.TokenBudget(st.TokenBudget))
	if backendErr != nil {
		fmt.Fprintf(tw, "ollama\tunreachable: %v\n", backendErr)
	} else {
		fmt.Fprintf(tw, "ollama\tok (%s)\n", a.cfg.Ollama.URL)
	}
	return tw.Flush()
}

func runClearMemory(_ context.Context, a *app, stdout io.Writer, _ []string) error {
	if err := a.session.ClearMemory(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "memory cleared")
	return nil
}

// runClearResponses deletes every response file. It is administrative;
// nothing in the request/response cycle deletes responses.
func runClearResponses(_ context.Context, a *app, stdout io.Writer, _ []string) error {
	n, err := channel.ClearResponses(a.cfg.Channel.Dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "removed %d response files\n", n)
	return nil
}

func runReinforce(_ context.Context, a *app, stdout io.Writer, _ []string) error {
	h, err := a.memory.Reinforce()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "role reinforced (%d exchanges)\n", h.Len())
	return nil
}

// runWorkerOnce answers the pending request, if any, and exits.
func runWorkerOnce(ctx context.Context, a *app, stdout io.Writer, _ []string) error {
	client := a.ollama()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := client.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot connect to Ollama at %s (start it with: ollama serve): %w", client.URL(), err)
	}

	w := a.newWorker(client, nil)
	out, err := w.Process(ctx)
	if errors.Is(err, worker.ErrEmptyRequest) || errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(stdout, "no request pending")
		return nil
	}
	if err != nil {
		return err
	}
	if a.opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"sequence":   out.Sequence,
			"model":      out.Model,
			"ok":         out.Err == nil,
			"elapsed_ms": out.Elapsed.Milliseconds(),
		})
	}
	fmt.Fprintf(stdout, "%s written (model %s, %s)\n",
		channel.ResponseFileName(out.Sequence), out.Model, out.Elapsed.Round(time.Millisecond))
	return nil
}

// runServeWorker answers requests until interrupted, tracking backend
// health so requests made while Ollama is down fail fast. With an MQTT
// broker configured, worker status is published to Home Assistant.
func runServeWorker(ctx context.Context, a *app, _ io.Writer, _ []string) error {
	client := a.ollama()
	health := connwatch.Watch(ctx, connwatch.Config{
		Name:    "ollama",
		Probe:   client.Ping,
		Backoff: connwatch.DefaultBackoff(),
		OnReady: func() { a.logger.Info("ollama ready", "url", client.URL()) },
		OnDown:  func(err error) { a.logger.Warn("ollama unavailable", "url", client.URL(), "error", err) },
		Logger:  a.logger,
	})
	defer health.Stop()

	if a.cfg.MQTT.Configured() {
		stop, err := a.startStatusPublisher(ctx, health)
		if err != nil {
			return err
		}
		defer stop()
	}

	select {
	case <-health.Checked():
	case <-ctx.Done():
		return nil
	}

	err := a.newWorker(client, health.IsReady).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runModels lists the models installed in Ollama.
func runModels(ctx context.Context, a *app, stdout io.Writer, _ []string) error {
	models, err := a.ollama().ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if a.opts.outputFmt == "json" {
		return writeJSON(stdout, models)
	}
	current := a.session.Preferences().Model
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tSIZE\tMODIFIED")
	for _, m := range models {
		mark := ""
		if m.Name == current {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f GB\t%s\n", mark, m.Name, float64(m.Size)/1e9, m.ModifiedAt)
	}
	return tw.Flush()
}

// runSet changes one preference and saves it.
func runSet(_ context.Context, a *app, stdout io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: blendchat set <key> <value> (keys: %s)", strings.Join(chat.PreferenceKeys, ", "))
	}
	prefs := a.session.Preferences()
	if err := prefs.Set(args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	if err := chat.SavePreferences(a.state, chat.DefaultScope, prefs); err != nil {
		return err
	}
	a.session.SetPreferences(prefs)
	v, _ := prefs.Get(args[0])
	fmt.Fprintf(stdout, "%s = %s\n", args[0], v)
	return nil
}

// runSettings shows every preference.
func runSettings(_ context.Context, a *app, stdout io.Writer, _ []string) error {
	prefs := a.session.Preferences()
	values := make(map[string]string, len(chat.PreferenceKeys))
	for _, k := range chat.PreferenceKeys {
		values[k], _ = prefs.Get(k)
	}
	if a.opts.outputFmt == "json" {
		return writeJSON(stdout, values)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, k := range chat.PreferenceKeys {
		fmt.Fprintf(tw, "%s\t%s\n", k, values[k])
	}
	return tw.Flush()
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist; when none is given and none is found, defaults are
// used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
