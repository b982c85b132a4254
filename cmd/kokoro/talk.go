package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/kokoro/internal/analysis"
	"github.com/MrWong99/kokoro/internal/config"
	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/persona"
	"github.com/MrWong99/kokoro/internal/session"
	"github.com/MrWong99/kokoro/internal/turntaking"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

type talkFlags struct {
	commonFlags

	archetype      string
	scenario       string
	name           string
	relationship   string
	expressiveness string
	interests      string
	saved          string
	save           bool
	manual         bool
	micFile        string
	audioOut       string
	logFile        string
}

func runTalk(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("talk", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f talkFlags
	f.register(fs)
	fs.StringVar(&f.archetype, "partner", "", "personality archetype id (see 'kokoro characters')")
	fs.StringVar(&f.scenario, "scenario", "", "scenario id; empty for free conversation")
	fs.StringVar(&f.name, "name", "", "partner display name")
	fs.StringVar(&f.relationship, "relationship", "", "crush, dating_new or dating_long")
	fs.StringVar(&f.expressiveness, "expressiveness", "", "reserved or expressive")
	fs.StringVar(&f.interests, "interests", "", "your interests, mentioned by the partner")
	fs.StringVar(&f.saved, "saved", "", "load a saved partner by id instead of the flags above")
	fs.BoolVar(&f.save, "save", false, "save this partner for next time")
	fs.BoolVar(&f.manual, "manual", false, "start in push-to-talk mode")
	fs.StringVar(&f.micFile, "mic-file", "", "raw PCM16 24kHz mono file streamed as microphone input")
	fs.StringVar(&f.audioOut, "audio-out", "", "write the partner's PCM16 audio to this file")
	fs.StringVar(&f.logFile, "log-file", "kokoro.log", "log destination while the terminal UI runs")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := f.load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "kokoro: %v\n", err)
		return 1
	}

	logOut, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(stderr, "kokoro: open log file: %v\n", err)
		return 1
	}
	defer logOut.Close()
	newLogger(logOut, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := f.setup(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "kokoro: %v\n", err)
		return 1
	}
	defer m.close()

	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "kokoro: %v\n", err)
		return 1
	}
	return 0
}

// setup builds the controller and its collaborators and returns the UI model.
func (f *talkFlags) setup(ctx context.Context, cfg *config.Config) (*talkModel, error) {
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := reg.CreateRealtime(cfg.Providers.Realtime)
	if err != nil {
		return nil, fmt.Errorf("create realtime provider %q: %w", cfg.Providers.Realtime.Name, err)
	}
	scorer, _, err := buildScorer(cfg, reg, metrics)
	if err != nil {
		return nil, err
	}
	creds, err := buildCredentials(cfg, metrics)
	if err != nil {
		return nil, err
	}
	partners, closePartners, err := buildPartners(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closePartners()

	profile := persona.Profile{
		Archetype:      f.archetype,
		Scenario:       f.scenario,
		Relationship:   persona.Relationship(f.relationship),
		Expressiveness: persona.Expressiveness(f.expressiveness),
		Interests:      f.interests,
		DisplayName:    f.name,
	}
	if f.saved != "" {
		p, err := partners.Get(ctx, f.saved)
		if err != nil {
			return nil, err
		}
		profile = p.Profile
	}
	if err := profile.WithDefaults().Validate(); err != nil {
		return nil, err
	}
	if f.save {
		p, err := partners.Save(ctx, partnerFor(f.saved, profile))
		if err != nil {
			return nil, err
		}
		slog.Info("partner saved", "id", p.ID, "archetype", p.Profile.Archetype)
	}

	resolved := buildCatalogue(cfg).Resolve(profile)
	agent := session.Agent{
		Name:               resolved.Name(),
		Model:              cfg.Providers.Realtime.Model,
		Voice:              resolved.Archetype.Voice,
		Instructions:       resolved.Instructions,
		TranscriptionModel: cfg.Providers.Realtime.OptionString("transcription_model", config.DefaultTranscriptionModel),
		Context:            resolved.AnalysisContext(),
	}
	if agent.Voice == "" {
		agent.Voice = cfg.Providers.Realtime.OptionString("voice", "")
	}

	mode, err := cfg.TurnTaking.ToMode()
	if err != nil {
		return nil, err
	}
	if f.manual {
		mode = turntaking.Manual()
	}

	var (
		sink    realtime.AudioSink = realtime.Discard
		closers []func() error
	)
	if f.audioOut != "" {
		out, err := os.Create(f.audioOut)
		if err != nil {
			return nil, fmt.Errorf("open audio output: %w", err)
		}
		sink = realtime.AudioSinkFunc(func(pcm []byte) error {
			_, err := out.Write(pcm)
			return err
		})
		closers = append(closers, out.Close)
	}

	m := newTalkModel(ctx, creds, agent, sink, f.micFile)
	var hopts []analysis.HandoffOption
	if cfg.Analysis.MinMessages > 0 {
		hopts = append(hopts, analysis.WithMinMessages(cfg.Analysis.MinMessages))
	}
	if cfg.Analysis.Timeout > 0 {
		hopts = append(hopts, analysis.WithTimeout(cfg.Analysis.Timeout))
	}
	hopts = append(hopts,
		analysis.WithMetrics(metrics),
		analysis.WithOnChange(func(analysis.State) { m.notify() }),
	)

	m.ctl = session.New(provider,
		session.WithHandoff(analysis.NewHandoff(scorer, hopts...)),
		session.WithTurnTaking(mode),
		session.WithMetrics(metrics),
		session.WithOnStateChange(func(session.State) { m.notify() }),
	)
	m.closers = append([]func() error{m.ctl.Close}, closers...)
	return m, nil
}
