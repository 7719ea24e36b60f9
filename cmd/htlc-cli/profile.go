package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const defaultEndpoint = "http://127.0.0.1:7090"

// Profile is the persisted CLI configuration.
type Profile struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	ChainID  uint64 `toml:"chain_id"`
}

var (
	active     Profile
	activePath string
)

func defaultProfilePath() string {
	if env := strings.TrimSpace(os.Getenv("HTLC_PROFILE")); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "htlc-cli.toml"
	}
	return filepath.Join(home, ".htlc-cli", "profile.toml")
}

// loadProfile reads path. A missing file yields an empty profile.
func loadProfile(path string) (Profile, error) {
	var prof Profile
	if strings.TrimSpace(path) == "" {
		return prof, nil
	}
	if _, err := toml.DecodeFile(path, &prof); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("load profile %s: %w", path, err)
	}
	return prof, nil
}

func saveProfile(path string, prof Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open profile: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(prof); err != nil {
		file.Close()
		return fmt.Errorf("encode profile: %w", err)
	}
	return file.Close()
}

func runProfileCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "show" {
		fmt.Fprintf(stdout, "path:     %s\n", activePath)
		fmt.Fprintf(stdout, "endpoint: %s\n", active.Endpoint)
		fmt.Fprintf(stdout, "chain_id: %d\n", active.ChainID)
		if active.Token != "" {
			fmt.Fprintln(stdout, "token:    [set]")
		} else {
			fmt.Fprintln(stdout, "token:    [unset]")
		}
		return 0
	}
	if args[0] != "set" {
		return printError(stderr, "usage: htlc-cli profile [show|set --endpoint URL --token JWT --chain-id N]")
	}
	fs := flag.NewFlagSet("profile set", flag.ContinueOnError)
	fs.SetOutput(stderr)
	endpoint := fs.String("endpoint", "", "service endpoint")
	token := fs.String("token", "", "bearer token")
	chainID := fs.Uint64("chain-id", 0, "ledger chain id used by the id command")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	prof, err := loadProfile(activePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *endpoint != "" {
		prof.Endpoint = strings.TrimSpace(*endpoint)
	}
	if *token != "" {
		prof.Token = strings.TrimSpace(*token)
	}
	if *chainID != 0 {
		prof.ChainID = *chainID
	}
	if err := saveProfile(activePath, prof); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "profile saved to %s\n", activePath)
	return 0
}
