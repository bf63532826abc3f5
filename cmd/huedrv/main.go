package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lmittmann/tint"

	"github.com/unfoldedcircle/integration-philipshue/bridge"
	"github.com/unfoldedcircle/integration-philipshue/hue"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the driver config file")
	manualAddr := flag.String("addr", "", "bridge address, skips discovery during setup")
	flag.Parse()

	var config bridge.Config
	if _, err := toml.DecodeFile(*configPath, &config); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(err)
	}

	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      config.Logger.SlogLevel(),
		TimeFormat: time.TimeOnly,
	}))

	registry := bridge.LoadRegistry(log, config.Driver.Registry())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := &logHost{log: log}

	if _, paired := registry.Hub(); !paired {
		if err := runSetup(ctx, log, registry, host, *manualAddr); err != nil {
			log.Error("setup failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	hub, _ := registry.Hub()
	session := bridge.NewSession(log, hub)
	defer session.Close()

	engine := bridge.NewEngine(log, registry, session, host)
	engine.Connect(ctx)
	engine.Run(ctx)
}

// runSetup walks the operator through pairing on the terminal.
func runSetup(ctx context.Context, log *slog.Logger, registry *bridge.Registry, host bridge.Host, manualAddr string) error {
	setup := bridge.NewSetup(log, registry, host)
	if _, err := setup.Start(false); err != nil {
		return err
	}

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println("searching for bridges...")
		candidates, err := setup.Discover(ctx, manualAddr)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			fmt.Print("no bridge found, retry? [y/N] ")
			if !in.Scan() || strings.ToLower(strings.TrimSpace(in.Text())) != "y" {
				setup.Abort()
				return errors.New("setup aborted")
			}
			continue
		}

		for i, c := range candidates {
			fmt.Printf("  [%d] %s (%s, id %s)\n", i+1, c.Name, c.Addr, c.ID)
		}
		fmt.Print("select bridge: ")
		if !in.Scan() {
			setup.Abort()
			return errors.New("setup aborted")
		}
		var choice int
		fmt.Sscanf(in.Text(), "%d", &choice)
		if choice < 1 || choice > len(candidates) {
			return bridge.ErrNoHubSelected
		}
		if err := setup.Select(candidates[choice-1].ID); err != nil {
			return err
		}

		fmt.Println("press the button on the bridge, then hit enter")
		for {
			if !in.Scan() {
				setup.Abort()
				return errors.New("setup aborted")
			}
			err := setup.Confirm(ctx)
			if errors.Is(err, hue.ErrLinkButtonNotPressed) {
				fmt.Println("button not pressed yet, try again")
				continue
			}
			return err
		}
	}
}

// logHost stands in for the integration platform transport, which
// lives outside this module.
type logHost struct {
	log *slog.Logger
}

func (h *logHost) RegisterDevice(id, name string, features bridge.Features) {
	h.log.Info("register device",
		slog.String("id", id),
		slog.String("name", name),
		slog.Bool("dim", features.Dim),
		slog.Bool("color", features.Color),
		slog.Bool("color_temperature", features.ColorTemperature),
	)
}

func (h *logHost) PublishAttributes(id string, attrs bridge.Attributes) {
	h.log.Info("attributes",
		slog.String("id", id),
		slog.String("state", string(attrs.State)),
		slog.Int("brightness", attrs.Brightness),
		slog.Int("hue", attrs.Hue),
		slog.Int("saturation", attrs.Saturation),
		slog.Int("color_temperature", attrs.ColorTemperature),
	)
}

func (h *logHost) Clear() {
	h.log.Info("device set cleared")
}
