package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "secret":
		return runSecretCommand(args[1:], stdout, stderr)
	case "hash":
		return runHashCommand(args[1:], stdout, stderr)
	case "id":
		return runIDCommand(args[1:], stdout, stderr)
	case "out":
		return runTransferCommand(familyOut, args[1:], stdout, stderr)
	case "in":
		return runTransferCommand(familyIn, args[1:], stdout, stderr)
	case "fees":
		return runFeesCommand(args[1:], stdout, stderr)
	case "balance":
		return runBalanceCommand(args[1:], stdout, stderr)
	case "credit":
		return runCreditCommand(args[1:], stdout, stderr)
	case "transfers":
		return runPartyCommand(args[1:], stdout, stderr)
	case "events":
		return runEventsCommand(args[1:], stdout, stderr)
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "profile":
		return runProfileCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// applyGlobalFlags strips --endpoint/--token/--profile from the front of
// args and applies them over the loaded profile.
func applyGlobalFlags(args []string) ([]string, error) {
	profilePath := defaultProfilePath()
	var endpoint, token string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--endpoint", "--token", "--profile":
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("%s requires a value", name)
				}
				i++
				value = args[i]
			}
			switch name {
			case "--endpoint":
				endpoint = value
			case "--token":
				token = value
			case "--profile":
				profilePath = value
			}
		default:
			rest = append(rest, args[i:]...)
			i = len(args)
		}
	}

	prof, err := loadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	active = prof
	activePath = profilePath
	if env := strings.TrimSpace(os.Getenv("HTLC_ENDPOINT")); env != "" {
		active.Endpoint = env
	}
	if env := strings.TrimSpace(os.Getenv("HTLC_TOKEN")); env != "" {
		active.Token = env
	}
	if endpoint != "" {
		active.Endpoint = endpoint
	}
	if token != "" {
		active.Token = token
	}
	if active.Endpoint == "" {
		active.Endpoint = defaultEndpoint
	}
	return rest, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  htlc-cli [--endpoint URL] [--token JWT] [--profile PATH] <command> [flags]

Commands:
  secret     Generate a random preimage and its hashlock
  hash       Compute the hashlock of a preimage
  id         Derive the id of an outbound or inbound record offline
  out        Create, inspect, confirm or refund outbound transfers
  in         Create, inspect, confirm or refund inbound transfers
  fees       Show or update the fee schedule, or show settled totals
  balance    Show a vault balance
  credit     Fund a vault balance (admin)
  transfers  List the transfers a party appears in
  events     Query the event archive
  token      Sign a bearer token with the service secret
  profile    Show or update the saved endpoint and token
`)
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}
