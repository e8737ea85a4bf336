package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/clima/internal/whatsapp"
)

const (
	pairPollInterval = 3 * time.Second
	pairTimeout      = 5 * time.Minute
	qrPNGSize        = 256
)

// pairingClient is the part of the WAHA client pairing needs.
type pairingClient interface {
	StartSession(ctx context.Context) error
	SessionStatus(ctx context.Context) (*whatsapp.SessionInfo, error)
	PairingCode(ctx context.Context) (string, error)
}

// runPair links the configured WAHA session to a phone. The pairing QR
// is drawn on the terminal and, when a file name is given, also written
// as a PNG.
func runPair(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg, opts)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, pairTimeout)
	defer cancel()

	var pngPath string
	if len(args) > 0 {
		pngPath = args[0]
	}

	client := whatsapp.NewClient(cfg.WhatsApp.BaseURL, cfg.WhatsApp.Session, cfg.WhatsApp.APIKey, logger)
	return pair(ctx, stdout, client, pngPath, pairPollInterval, logger)
}

// pair starts the session and follows its status until WORKING. Each
// new pairing code is rendered once; WhatsApp rotates them while the
// session waits.
func pair(ctx context.Context, w io.Writer, client pairingClient, pngPath string, poll time.Duration, logger *slog.Logger) error {
	if err := client.StartSession(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	var shown string
	for {
		info, err := client.SessionStatus(ctx)
		if err != nil {
			return fmt.Errorf("session status: %w", err)
		}
		logger.Debug("session status", "session", info.Name, "status", info.Status)

		switch info.Status {
		case "WORKING":
			who := info.Name
			if info.Me != nil {
				who = fmt.Sprintf("%s (%s)", info.Me.PushName, info.Me.ID)
			}
			fmt.Fprintf(w, "Paired: %s\n", who)
			return nil
		case "FAILED":
			return fmt.Errorf("session %s failed; restart it in WAHA and try again", info.Name)
		case "SCAN_QR_CODE":
			code, err := client.PairingCode(ctx)
			if err != nil {
				return fmt.Errorf("pairing code: %w", err)
			}
			if code != shown {
				if err := showQR(w, code, pngPath); err != nil {
					return err
				}
				shown = code
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing not completed: %w", ctx.Err())
		case <-time.After(poll):
		}
	}
}

// showQR draws the code on w and optionally saves it as a PNG.
func showQR(w io.Writer, code, pngPath string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode pairing QR: %w", err)
	}
	fmt.Fprintln(w, "Scan with WhatsApp > Linked devices > Link a device:")
	fmt.Fprintln(w, qr.ToSmallString(false))

	if pngPath != "" {
		if err := qr.WriteFile(qrPNGSize, pngPath); err != nil {
			return fmt.Errorf("write %s: %w", pngPath, err)
		}
		fmt.Fprintf(w, "QR code also saved to %s\n", pngPath)
	}
	return nil
}
