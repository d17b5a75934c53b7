// Package brokerkey generates the signing and encryption secrets the broker
// reads from its environment.
package brokerkey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Slots lists the secret environment keys in output order.
var Slots = []string{
	"AUTH_BROKER_ACCESS_TOKEN_SECRET",
	"AUTH_BROKER_REFRESH_TOKEN_SECRET",
	"AUTH_BROKER_CORRELATION_SECRET",
}

// Config holds configuration for secret generation.
type Config struct {
	Bytes int
	// Slot restricts output to one key; empty prints all of them.
	Slot string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes per secret (default: 32)")
	fs.StringVar(&cfg.Slot, "slot", "", "only print this key (access, refresh or correlation)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates one independent secret per slot and writes them to out as
// dotenv lines.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < 16 {
		return errors.New("bytes must be at least 16")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	keys, err := selectSlots(cfg.Slot)
	if err != nil {
		return err
	}

	for _, key := range keys {
		buf := make([]byte, cfg.Bytes)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return fmt.Errorf("generate random bytes: %w", err)
		}
		if _, err := fmt.Fprintf(out, "%s=%s\n", key, hex.EncodeToString(buf)); err != nil {
			return err
		}
	}
	return nil
}

func selectSlots(slot string) ([]string, error) {
	slot = strings.ToLower(strings.TrimSpace(slot))
	if slot == "" {
		return Slots, nil
	}
	for _, key := range Slots {
		if strings.Contains(key, "_"+strings.ToUpper(slot)+"_") {
			return []string{key}, nil
		}
	}
	return nil, fmt.Errorf("unknown slot %q", slot)
}
