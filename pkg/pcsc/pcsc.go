// Package pcsc provides the PC/SC transport: it locates a reader, connects
// to the token inserted in it and exposes the raw Transmit primitive the
// pipeline's terminal runs on.
package pcsc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
)

// ErrNoReader is returned when no connected reader matches the filter.
var ErrNoReader = errors.New("no smart card reader found")

// Device is one connected token. It owns the PC/SC context and card handle
// and must be closed when the session ends.
type Device struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
	logger zerolog.Logger
}

// Connect establishes a PC/SC context and connects to the first reader
// whose name contains filter, case-insensitively. An empty filter takes the
// first reader available.
func Connect(filter string, logger zerolog.Logger) (*Device, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		releaseContext(ctx, logger)
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	reader, err := matchReader(readers, filter)
	if err != nil {
		releaseContext(ctx, logger)
		return nil, err
	}

	logger.Info().Str("reader", reader).Msg("connecting")

	// Force T=0 or T=1 to avoid "Parameter Incorrect" errors (Error 57)
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		releaseContext(ctx, logger)
		return nil, fmt.Errorf("failed to connect to card in %q: %w", reader, err)
	}

	return &Device{ctx: ctx, card: card, reader: reader, logger: logger}, nil
}

// matchReader picks the first reader containing filter, case-insensitively.
func matchReader(readers []string, filter string) (string, error) {
	if len(readers) == 0 {
		return "", ErrNoReader
	}
	if filter == "" {
		return readers[0], nil
	}

	needle := strings.ToLower(filter)
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), needle) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: no reader matches %q", ErrNoReader, filter)
}

// Reader returns the name of the connected reader.
func (d *Device) Reader() string {
	return d.reader
}

// Transmit sends one raw frame to the token and returns its raw reply.
func (d *Device) Transmit(cmd []byte) ([]byte, error) {
	return d.card.Transmit(cmd)
}

// Close disconnects from the card and releases the PC/SC context. The card
// is left powered so another process can pick it up.
func (d *Device) Close() error {
	var errs []error
	if err := d.card.Disconnect(scard.LeaveCard); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect card: %w", err))
	}
	if err := d.ctx.Release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release PC/SC context: %w", err))
	}
	return errors.Join(errs...)
}

func releaseContext(ctx *scard.Context, logger zerolog.Logger) {
	if err := ctx.Release(); err != nil {
		logger.Warn().Err(err).Msg("failed to release PC/SC context during error handling")
	}
}
