package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"

	"htlcbridge/native/htlc"
	"htlcbridge/services/htlcd/api"
)

var randReader io.Reader = rand.Reader

func runSecretCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("secret", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	preimage, hashlock, err := htlc.NewSecret(randReader)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "preimage: %s\n", common.Hash(preimage).Hex())
	fmt.Fprintf(stdout, "hashlock: %s\n", common.Hash(hashlock).Hex())
	return 0
}

func runHashCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	preimageFlag := fs.String("preimage", "", "32-byte hex preimage")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	preimage, err := api.ParseHash("preimage", *preimageFlag, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, common.Hash(htlc.Hashlock(preimage)).Hex())
	return 0
}

// runIDCommand derives a record id locally so relayers can find the
// counterpart record without querying the ledger that holds it.
func runIDCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		return printError(stderr, "usage: htlc-cli id <out|in> --sender ADDR [--chain-id N] [transfer flags]")
	}
	family, err := parseFamily(args[0])
	if err != nil {
		return printError(stderr, err.Error())
	}
	fs := flag.NewFlagSet("id "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	sender := fs.String("sender", "", "record sender address")
	chainID := fs.Uint64("chain-id", active.ChainID, "chain id of the ledger holding the record")
	tf := bindTransferFlags(fs, family)
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	senderAddr, err := api.ParseAddress("sender", *sender, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *chainID == 0 {
		return printError(stderr, "--chain-id is required (or set chain_id in the profile)")
	}
	var id [32]byte
	switch family {
	case familyOut:
		req, err := tf.outboundRequest()
		if err != nil {
			return printError(stderr, err.Error())
		}
		params, err := req.Params(senderAddr)
		if err != nil {
			return printError(stderr, err.Error())
		}
		id = htlc.OutboundID(*chainID, params)
	case familyIn:
		req, err := tf.inboundRequest()
		if err != nil {
			return printError(stderr, err.Error())
		}
		params, err := req.Params(senderAddr)
		if err != nil {
			return printError(stderr, err.Error())
		}
		id = htlc.InboundID(*chainID, params)
	}
	fmt.Fprintln(stdout, common.Hash(id).Hex())
	return 0
}
