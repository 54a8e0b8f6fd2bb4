package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/assistant"
	"github.com/room4-2/tutorstream/auth"
	"github.com/room4-2/tutorstream/browser"
	"github.com/room4-2/tutorstream/capture"
	"github.com/room4-2/tutorstream/config"
	"github.com/room4-2/tutorstream/feed"
	"github.com/room4-2/tutorstream/instruction"
	"github.com/room4-2/tutorstream/mixer"
	"github.com/room4-2/tutorstream/reconnect"
	"github.com/room4-2/tutorstream/scratchpad"
	"github.com/room4-2/tutorstream/server"
	"github.com/room4-2/tutorstream/session"
	"github.com/room4-2/tutorstream/tutor"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("tutorstream failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var port int
	root := &cobra.Command{
		Use:           "tutorstream",
		Short:         "Media agent streaming scratchpad, screen and camera to a live AI tutor",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), port)
		},
	}
	root.Flags().IntVar(&port, "port", 0, "control surface port (overrides PORT)")
	return root
}

func serve(ctx context.Context, port int) error {
	logger := pslog.Ctx(ctx)

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}

	policy := reconnect.Policy{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}
	band := capture.Resolution{Width: cfg.MixerWidth, Height: cfg.MixerHeight / 3}

	tokens := auth.New(cfg.APIBaseURL, cfg.AuthToken)
	tokens.Log = logger
	ta := assistant.New(cfg.TABaseURL, cfg.AuthToken)
	ta.Log = logger

	recorder := session.NewRecorder(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout, logger)
	deps := session.Deps{
		Tokens:    tokens,
		Dialer:    tutor.GenAIDialer{},
		Assistant: ta,
		Recorder:  recorder,
	}

	if cfg.FeedURL != "" {
		deps.Feed = feed.New(feed.Options{
			URL:           cfg.FeedURL,
			Token:         cfg.AuthToken,
			BatchInterval: cfg.FeedBatchInterval,
			PingInterval:  cfg.FeedPingInterval,
			MaxBatchBytes: cfg.FeedMaxBatchBytes,
			Policy:        policy,
			Logger:        logger,
		})
	}
	if cfg.InstructionsURL != "" {
		deps.Instructions = instruction.New(instruction.Options{
			URL:    cfg.InstructionsURL,
			Token:  cfg.AuthToken,
			Policy: policy,
			Logger: logger,
		})
	}
	if cfg.CameraURL != "" {
		deps.Camera = capture.NewSource(capture.KindCamera,
			&capture.MJPEGDevice{URL: cfg.CameraURL, Log: logger}, band, capture.WithLogger(logger))
	}

	if cfg.ScratchpadURL != "" || cfg.ScreenURL != "" {
		br, err := browser.New(ctx, browser.Options{
			URL:          cfg.ScratchpadURL,
			WindowWidth:  band.Width,
			WindowHeight: band.Height,
			Logger:       logger,
		})
		if err != nil {
			logger.Warn("browser unavailable, scratchpad and screen disabled", "err", err)
		} else {
			defer br.Close()
			if cfg.ScratchpadURL != "" {
				deps.Scratchpad = scratchpad.New(br, scratchpad.Options{
					SampleInterval: cfg.ScratchpadInterval,
					Width:          band.Width,
					Height:         band.Height,
					Logger:         logger,
				})
			}
			if cfg.ScreenURL != "" {
				deps.Screen = capture.NewSource(capture.KindScreen,
					&browser.ScreencastDevice{Browser: br, URL: cfg.ScreenURL}, band, capture.WithLogger(logger))
			}
		}
	}

	pipeline, err := session.New(deps, session.Options{
		Mixer:                mixer.Config{Width: cfg.MixerWidth, Height: cfg.MixerHeight, TargetFPS: cfg.MixerFPS},
		SnapshotInterval:     cfg.SnapshotInterval,
		FeedSnapshotInterval: cfg.FeedSnapshotInterval,
		Tutor:                tutor.Config{SystemInstruction: cfg.SystemInstruction, Voice: cfg.TutorVoice},
		ScratchpadSelector:   cfg.ScratchpadSelector,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer pipeline.Close()

	srv := server.NewServerWebsocket(cfg, pipeline, logger)
	go func() {
		<-ctx.Done()
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "err", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
