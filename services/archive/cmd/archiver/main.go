package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forged/pkg/bus"
	"forged/pkg/config"
	gos3 "forged/pkg/s3"
	"forged/pkg/telemetry"
	"forged/services/archive"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Archive published forged bundles to S3",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVerifyCommand(os.Stdout))
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume published tasks and upload signed archives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), "archiver")
		},
	}
}

func serve(ctx context.Context, serviceName string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateArchive(); err != nil {
		return err
	}

	logger := telemetry.NewLogger(serviceName, cfg.Log.Level, cfg.Log.Format, os.Stdout)

	shutdownTelemetry, _, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	signer, err := archive.NewSigner(cfg.Age)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	store, err := gos3.New(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("s3 client: %w", err)
	}
	eventBus, err := bus.New(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	archiver, err := archive.New(eventBus, store, archive.Options{
		Bucket: cfg.S3.Bucket,
		Signer: signer,
	}, logger)
	if err != nil {
		return fmt.Errorf("init archiver: %w", err)
	}
	if err := archiver.Start(ctx); err != nil {
		return err
	}
	defer archiver.Close()

	<-ctx.Done()
	logger.Info().Msg("archiver stopping")
	return nil
}

func newVerifyCommand(out io.Writer) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a downloaded archive against AGE_SECRET_KEY or AGE_PUBLIC_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			signer, err := archive.NewSigner(cfg.Age)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			manifest, err := archive.Verify(cmd.Context(), f, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "verified %s run %s signed at %s (%d files)\n",
				manifest.Task, manifest.RunID, manifest.CreatedAt.Format(time.RFC3339), len(manifest.Files))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the archive tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
