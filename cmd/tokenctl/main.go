// Command tokenctl is a diagnostic tool for security tokens: it connects to
// a PC/SC reader, selects an application, optionally establishes a secure
// channel and dumps the selection response.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/gregLibert/secure-token/pkg/pcsc"
	"github.com/gregLibert/secure-token/pkg/session"
	"github.com/gregLibert/secure-token/pkg/tlv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML configuration")
	readerFilter := flag.String("reader", "", "reader name filter, overrides the config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *readerFilter != "" {
		cfg.Reader = *readerFilter
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log_level: %w", err)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", "tokenctl").Logger().Level(level)

	device, err := pcsc.Connect(cfg.Reader, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close device")
		}
	}()
	logger.Info().Str("reader", device.Reader()).Msg("connected")

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithContinuation(cfg.Continuation),
	}
	if cfg.Handshake != nil {
		opts = append(opts, session.WithSecureChannel(cfg.Handshake))
	}

	s, err := session.New(device, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close session")
		}
	}()

	resp, err := s.Select(cfg.AID)
	if err != nil {
		return err
	}
	logger.Info().Hex("aid", cfg.AID).Str("status", resp.Status.Verbose()).Msg("application selected")

	if len(resp.Data) > 0 {
		if dump, err := tlv.Describe(resp.Data); err == nil {
			fmt.Print(dump)
		} else {
			fmt.Printf("% X\n", resp.Data)
		}
	}

	if cfg.Handshake != nil {
		if err := s.Establish(); err != nil {
			return err
		}
		logger.Info().Msg("secure channel established")
	}

	return nil
}
