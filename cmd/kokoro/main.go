// Command kokoro is a voice practice partner for conversations that matter.
//
// Usage:
//
//	kokoro serve      [-config kokoro.yaml] [-addr :8080]
//	kokoro talk       [-config kokoro.yaml] [-partner ENFP] [-scenario id] ...
//	kokoro characters [-config kokoro.yaml]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/kokoro/internal/config"
)

const usage = `kokoro: voice conversation practice

Commands:
  serve       run the HTTP backend (/api/session, /api/review, /api/partners)
  talk        talk to a partner in the terminal
  characters  list the available partners and scenarios

Run "kokoro <command> -h" for command flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "talk":
		return runTalk(args[1:], stderr)
	case "characters":
		return runCharacters(args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "kokoro: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

// ── Shared flags ──────────────────────────────────────────────────────────────

type commonFlags struct {
	configPath string
	envFiles   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "kokoro.yaml", "path to the YAML configuration file")
	fs.StringVar(&c.envFiles, "env", ".env.local,.env", "comma-separated env files loaded before the config")
}

// load reads env files and the config. A missing config file at the default
// path falls back to built-in defaults so kokoro runs with just an API key in
// the environment.
func (c *commonFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	if err := config.LoadEnv(splitList(c.envFiles)...); err != nil {
		return nil, err
	}

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	cfg, err := config.Load(c.configPath)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg, err = config.LoadFromReader(strings.NewReader("providers:\n  realtime:\n    api_key: ${OPENAI_API_KEY}\n"))
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ── Logger ────────────────────────────────────────────────────────────────────

func levelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger installs a text logger on w whose level can be changed later
// through the returned LevelVar.
func newLogger(w io.Writer, level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(levelFor(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
	return lv
}
