package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"htlcbridge/cmd/internal/passphrase"
	"htlcbridge/services/htlcd/api"
	"htlcbridge/services/htlcd/config"
	"htlcbridge/services/htlcd/server"
)

// secretSource resolves the service HMAC secret for `token`.
var secretSource = func() interface{ Get() (string, error) } {
	return passphrase.NewSource(config.SecretEnv, "hmac secret")
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runFeesCommand(args []string, stdout, stderr io.Writer) int {
	sub := "get"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	ctx, cancel := requestContext()
	defer cancel()
	switch sub {
	case "get":
		var schedule api.FeeSchedule
		if err := call(ctx, "GET", "/v1/fees", nil, &schedule, false); err != nil {
			return printError(stderr, err.Error())
		}
		return printJSON(stdout, schedule)
	case "totals":
		var totals []api.FeeTotal
		if err := call(ctx, "GET", "/v1/fees/totals", nil, &totals, false); err != nil {
			return printError(stderr, err.Error())
		}
		return printJSON(stdout, totals)
	case "set-rate":
		fs := flag.NewFlagSet("fees set-rate", flag.ContinueOnError)
		fs.SetOutput(stderr)
		bps := fs.Uint("bps", 0, "fee rate in basis points (0-10000)")
		if err := fs.Parse(args); err != nil {
			return 1
		}
		if *bps > 10000 {
			return printError(stderr, "--bps must be between 0 and 10000")
		}
		var schedule api.FeeSchedule
		if err := call(ctx, "PUT", "/v1/fees/rate", api.FeeRateRequest{Bps: uint32(*bps)}, &schedule, true); err != nil {
			return printError(stderr, err.Error())
		}
		return printJSON(stdout, schedule)
	case "set-beneficiary":
		fs := flag.NewFlagSet("fees set-beneficiary", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addr := fs.String("address", "", "beneficiary address (zero address waives fees)")
		if err := fs.Parse(args); err != nil {
			return 1
		}
		if _, err := api.ParseAddress("address", *addr, true); err != nil {
			return printError(stderr, err.Error())
		}
		var schedule api.FeeSchedule
		body := api.FeeBeneficiaryRequest{Beneficiary: strings.TrimSpace(*addr)}
		if err := call(ctx, "PUT", "/v1/fees/beneficiary", body, &schedule, true); err != nil {
			return printError(stderr, err.Error())
		}
		return printJSON(stdout, schedule)
	default:
		return printError(stderr, "usage: htlc-cli fees [get|totals|set-rate --bps N|set-beneficiary --address ADDR]")
	}
}

func runBalanceCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asset := fs.String("asset", "", "token address (empty for the native coin)")
	holder := fs.String("holder", "", "holder address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	assetAddr, err := api.ParseAddress("asset", *asset, false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	holderAddr, err := api.ParseAddress("holder", *holder, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := requestContext()
	defer cancel()
	var balance api.Balance
	path := fmt.Sprintf("/v1/balances/%s/%s", common.Address(assetAddr).Hex(), common.Address(holderAddr).Hex())
	if err := call(ctx, "GET", path, nil, &balance, false); err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, balance)
}

func runCreditCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("credit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asset := fs.String("asset", "", "token address (empty for the native coin)")
	holder := fs.String("holder", "", "holder address")
	amount := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := api.ParseAddress("holder", *holder, true); err != nil {
		return printError(stderr, err.Error())
	}
	normalized, err := normalizeAmount("amount", *amount, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := requestContext()
	defer cancel()
	body := api.CreditRequest{Asset: strings.TrimSpace(*asset), Holder: strings.TrimSpace(*holder), Amount: normalized}
	var balance api.Balance
	if err := call(ctx, "POST", "/v1/vault/credit", body, &balance, true); err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, balance)
}

func runPartyCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transfers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	party := fs.String("party", "", "party address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := api.ParseAddress("party", *party, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := requestContext()
	defer cancel()
	var list api.TransferList
	if err := call(ctx, "GET", "/v1/parties/"+common.Address(addr).Hex()+"/transfers", nil, &list, false); err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, list)
}

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	transfer := fs.String("transfer", "", "filter by transfer id")
	eventType := fs.String("type", "", "filter by event type")
	after := fs.Uint64("after", 0, "only events after this sequence")
	limit := fs.Int("limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	query := url.Values{}
	if v := strings.TrimSpace(*transfer); v != "" {
		query.Set("transfer", v)
	}
	if v := strings.TrimSpace(*eventType); v != "" {
		query.Set("type", v)
	}
	if *after > 0 {
		query.Set("after", strconv.FormatUint(*after, 10))
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	path := "/v1/events"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	ctx, cancel := requestContext()
	defer cancel()
	var events []api.Event
	if err := call(ctx, "GET", path, nil, &events, false); err != nil {
		return printError(stderr, err.Error())
	}
	return printJSON(stdout, events)
}

// runTokenCommand signs a bearer token locally with the service secret, so it
// only works for operators holding that secret.
func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("address", "", "caller address placed in the subject claim")
	admin := fs.Bool("admin", false, "grant the admin scope")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", "", "issuer claim")
	audience := fs.String("audience", "", "audience claim")
	save := fs.Bool("save", false, "store the token in the profile")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := api.ParseAddress("address", *subject, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}
	secret, err := secretSource().Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	var scopes []string
	if *admin {
		scopes = append(scopes, server.ScopeAdmin)
	}
	token, err := server.IssueToken(secret, addr, scopes, *ttl, *issuer, *audience)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *save {
		prof, err := loadProfile(activePath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		prof.Token = token
		if err := saveProfile(activePath, prof); err != nil {
			return printError(stderr, err.Error())
		}
	}
	fmt.Fprintln(stdout, token)
	return 0
}
