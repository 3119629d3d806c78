package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liuscraft/safeword/internal/app"
	"github.com/liuscraft/safeword/internal/audio"
	"github.com/liuscraft/safeword/internal/config"
	"github.com/liuscraft/safeword/internal/console"
	"github.com/liuscraft/safeword/internal/keyword"
	"github.com/liuscraft/safeword/internal/listener"
	"github.com/liuscraft/safeword/internal/logging"
	"github.com/liuscraft/safeword/internal/recognition"
	"github.com/liuscraft/safeword/internal/store"
	"github.com/liuscraft/safeword/internal/transport"
)

const usage = `usage: safeword [-config path] <command> [args]

commands:
  run                          listen for the trigger word and send alerts
  set-trigger <word>           save the trigger word
  set-recipient <token> <chat> save the Telegram bot token and chat id
  status                       show trigger, resume state and alert counts
  history                      list recorded alerts
  clear-history                delete recorded alerts
  test-alert                   send a test message to the recipient
  validate                     check the bot token and chat id
  devices                      list audio input devices
  schema                       print the config JSON schema`

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file path")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "schema" {
		data, err := config.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	appConfig, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{
		Level:  appConfig.Logging.Level,
		Format: appConfig.Logging.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	st, err := store.NewOsStore(appConfig.Store.Path, appConfig.Listener.HistorySize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}

	if err := runCommand(appConfig, st, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func runCommand(cfg *config.AppConfig, st *store.Store, name string, args []string) error {
	printer := console.NewPrinter(os.Stdout)

	switch name {
	case "run":
		return run(cfg, st, printer)
	case "set-trigger":
		if len(args) != 1 {
			return errors.New("expected exactly one trigger word")
		}
		word, err := st.SetTriggerWord(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Trigger word set to %q. It applies from the next start.\n", word)
	case "set-recipient":
		if len(args) != 2 {
			return errors.New("expected <token> <chat id>")
		}
		if err := st.SetRecipient(store.Recipient{Token: args[0], ChatID: args[1]}); err != nil {
			return err
		}
		fmt.Println("Recipient saved.")
	case "status":
		word, err := st.TriggerWord()
		if err != nil {
			return err
		}
		resume, err := st.ResumeState()
		if err != nil {
			return err
		}
		history, err := st.AlertHistory()
		if err != nil {
			return err
		}
		if word == "" {
			word = cfg.Trigger.Keyword
		}
		session := listener.Session{Trigger: triggerConfig(cfg, word)}
		for _, e := range history {
			if e.Sent {
				session.AlertCount++
			} else {
				session.FailedAlertCount++
			}
		}
		fmt.Println(printer.Status(session, resume, time.Now()))
	case "history":
		history, err := st.AlertHistory()
		if err != nil {
			return err
		}
		fmt.Println(printer.History(history))
	case "clear-history":
		if err := st.ClearHistory(); err != nil {
			return err
		}
		fmt.Println("Alert history cleared.")
	case "devices":
		return listDevices(cfg)
	case "test-alert", "validate":
		tg, err := newTelegram(cfg, st)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.Millis(cfg.Telegram.TimeoutMs))
		defer cancel()
		if name == "validate" {
			info, err := tg.Validate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Bot @%s (%s) is valid.\n", info.Username, info.FirstName)
			return nil
		}
		if err := tg.SendTestMessage(ctx); err != nil {
			return err
		}
		fmt.Println("Test message sent.")
	default:
		return fmt.Errorf("unknown command %q\n%s", name, usage)
	}
	return nil
}

func triggerConfig(cfg *config.AppConfig, word string) keyword.TriggerConfig {
	return keyword.TriggerConfig{Keyword: keyword.Normalize(word), Enabled: cfg.Trigger.Enabled}
}

func listDevices(cfg *config.AppConfig) error {
	terminate, err := audio.Initialize()
	if err != nil {
		return err
	}
	defer terminate()

	devices, err := audio.InputDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No input devices found.")
		return nil
	}
	for _, d := range devices {
		marker := ""
		if d.Default {
			marker = " [default]"
		}
		fmt.Printf("%s%s (%s)\n", d.Name, marker, d.HostAPI)
		fmt.Printf("    channels: %d, default sample rate: %.0f Hz\n", d.Channels, d.DefaultSampleRate)
		fmt.Printf("    input latency: low=%.1fms high=%.1fms\n",
			d.LowLatency.Seconds()*1000, d.HighLatency.Seconds()*1000)
		fmt.Printf("    recommended buffer_size at %d Hz: %d\n", cfg.Audio.SampleRate, d.RecommendedBufferSize(cfg.Audio.SampleRate))
	}
	return nil
}

func newTelegram(cfg *config.AppConfig, st *store.Store) (*transport.Telegram, error) {
	rcpt, err := st.Recipient()
	if err != nil {
		return nil, err
	}
	return transport.NewTelegram(app.TelegramConfig(cfg, rcpt))
}

func run(cfg *config.AppConfig, st *store.Store, printer *console.Printer) error {
	rcpt, err := st.Recipient()
	if err != nil {
		return err
	}
	if rcpt.Token != "" && rcpt.ChatID != "" {
		cfg.Telegram.BotToken, cfg.Telegram.ChatID = rcpt.Token, rcpt.ChatID
	}
	if err := cfg.ValidateKeys(true, true); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.Infof("========================================")
	logging.Infof("        safeword starting...            ")
	logging.Infof("========================================")

	if was, err := st.ResumeState(); err == nil && was.Running {
		logging.Infof("previous session was still marked running (since %s); start is explicit", was.StartedAt.Format(time.DateTime))
	}

	tg, err := transport.NewTelegram(app.TelegramConfig(cfg, rcpt))
	if err != nil {
		return err
	}

	logging.Infof("Initializing PortAudio...")
	terminate, err := audio.Initialize()
	if err != nil {
		return err
	}
	defer terminate()

	mic, err := audio.OpenMicrophone(audio.Config{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		BufferSize:  cfg.Audio.BufferSize,
		HighLatency: cfg.Audio.HighLatency,
		DeviceName:  cfg.Audio.InputDevice,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", listener.ErrPrecondition, err)
	}
	defer mic.Close()

	recognizer, err := recognition.NewDashScope(app.DashScopeConfig(cfg), mic)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	locationSource := app.StaticLocationSource(cfg)
	a, err := app.New(app.Options{
		Config:     cfg,
		Store:      st,
		Recognizer: recognizer,
		Location:   locationSource,
		Transport:  tg,
		Capabilities: listener.StaticCapabilities{
			Microphone: true,
			Location:   locationSource != nil,
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()
	a.Subscribe(printer.Handle)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	logging.Infof("========================================")
	logging.Infof("     safeword is listening              ")
	logging.Infof("     Press Ctrl+C to stop.              ")
	logging.Infof("========================================")

	<-ctx.Done()
	logging.Infof("Received interrupt signal, stopping...")
	a.Stop()

	snap := a.Snapshot()
	resume, _ := st.ResumeState()
	fmt.Println(printer.Status(snap, resume, time.Now()))
	return nil
}
