package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/scp"
)

type fileConfig struct {
	Reader      string      `toml:"reader"`
	Application string      `toml:"application"`
	LogLevel    string      `toml:"log_level"`
	SCP03       scp03Config `toml:"scp03"`
	SCP11       scp11Config `toml:"scp11"`
}

type scp03Config struct {
	Enabled    bool   `toml:"enabled"`
	KeyVersion int    `toml:"key_version"`
	ENC        string `toml:"enc"`
	MAC        string `toml:"mac"`
	DEK        string `toml:"dek"`
}

type scp11Config struct {
	Enabled    bool   `toml:"enabled"`
	PublicKey  string `toml:"public_key"`
	KeyVersion int    `toml:"key_version"`
	KeyID      int    `toml:"key_id"`
}

type config struct {
	Reader       string
	AID          []byte
	LogLevel     string
	Continuation iso7816.Instruction
	Handshake    scp.Handshake
}

func defaultConfig() config {
	return config{
		LogLevel:     "info",
		AID:          iso7816.AidOTP,
		Continuation: iso7816.InsGetResponse,
	}
}

// loadConfig reads the TOML configuration. An empty path yields the
// defaults: first reader, OTP application, no secure channel.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	cfg.Reader = strings.TrimSpace(raw.Reader)
	if raw.LogLevel != "" {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	aid, continuation, err := resolveApplication(raw.Application)
	if err != nil {
		return config{}, err
	}
	cfg.AID = aid
	cfg.Continuation = continuation

	if raw.SCP03.Enabled && raw.SCP11.Enabled {
		return config{}, fmt.Errorf("scp03 and scp11 cannot both be enabled")
	}

	switch {
	case raw.SCP03.Enabled:
		if cfg.Handshake, err = buildSCP03(raw.SCP03); err != nil {
			return config{}, err
		}
	case raw.SCP11.Enabled:
		if cfg.Handshake, err = buildSCP11(raw.SCP11); err != nil {
			return config{}, err
		}
	}

	return cfg, nil
}

// resolveApplication maps a named application, or a hex AID, to its
// identifier and continuation instruction.
func resolveApplication(name string) ([]byte, iso7816.Instruction, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "otp":
		return iso7816.AidOTP, iso7816.InsGetResponse, nil
	case "oath":
		return iso7816.AidOATH, iso7816.InsSendRemaining, nil
	case "security-domain":
		return iso7816.AidSecurityDomain, iso7816.InsGetResponse, nil
	}

	aid, err := hex.DecodeString(strings.ReplaceAll(name, " ", ""))
	if err != nil || len(aid) == 0 {
		return nil, 0, fmt.Errorf("unknown application %q (expected otp, oath, security-domain or a hex AID)", name)
	}
	return aid, iso7816.InsGetResponse, nil
}

// buildSCP03 assembles the symmetric handshake. Omitting all three keys
// selects the transport key set.
func buildSCP03(raw scp03Config) (scp.Handshake, error) {
	keys := scp.DefaultKeys()

	if raw.ENC != "" || raw.MAC != "" || raw.DEK != "" {
		var err error
		if keys.ENC, err = parseKey("scp03.enc", raw.ENC); err != nil {
			return nil, err
		}
		if keys.MAC, err = parseKey("scp03.mac", raw.MAC); err != nil {
			return nil, err
		}
		if keys.DEK, err = parseKey("scp03.dek", raw.DEK); err != nil {
			return nil, err
		}
	}

	if raw.KeyVersion < 0 || raw.KeyVersion > 0xFF {
		return nil, fmt.Errorf("scp03.key_version out of range: %d", raw.KeyVersion)
	}
	return scp.NewSCP03(keys, byte(raw.KeyVersion)), nil
}

func buildSCP11(raw scp11Config) (scp.Handshake, error) {
	point, err := hex.DecodeString(strings.ReplaceAll(raw.PublicKey, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("scp11.public_key: %w", err)
	}
	key, err := scp.ParseCardKey(point)
	if err != nil {
		return nil, fmt.Errorf("scp11.public_key: %w", err)
	}

	if raw.KeyVersion < 0 || raw.KeyVersion > 0xFF || raw.KeyID < 0 || raw.KeyID > 0xFF {
		return nil, fmt.Errorf("scp11 key reference out of range: version %d, id %d", raw.KeyVersion, raw.KeyID)
	}
	return scp.NewSCP11(key, byte(raw.KeyVersion), byte(raw.KeyID)), nil
}

func parseKey(name, s string) ([16]byte, error) {
	var key [16]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return key, fmt.Errorf("%s: %w", name, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("%s: expected %d bytes, got %d", name, len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
