package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"htlcbridge/services/htlcd/api"
)

type family string

const (
	familyOut family = "out"
	familyIn  family = "in"
)

var nowFn = func() time.Time { return time.Now() }

func parseFamily(raw string) (family, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "out":
		return familyOut, nil
	case "in":
		return familyIn, nil
	default:
		return "", fmt.Errorf("unknown transfer family %q (want out or in)", raw)
	}
}

// transferFlags carries the creation flags shared by `out create`,
// `in create` and `id`.
type transferFlags struct {
	family     family
	receiver   *string
	asset      *string
	amount     *string
	hashlock   *string
	agreedAt   *uint64
	step       *uint64
	tolerance  *uint64
	refundAt   *uint64
	chainID    *uint64
	dstAddress *string
	bidID      *string
	dstAsset   *string
	dstAmount  *string
	dstNative  *string
	requestor  *string
	lpID       *string
	userSign   *string
	lpSign     *string
	native     *string
	srcID      *string
}

func bindTransferFlags(fs *flag.FlagSet, fam family) *transferFlags {
	tf := &transferFlags{family: fam}
	tf.receiver = fs.String("receiver", "", "receiving address")
	tf.asset = fs.String("asset", "", "token address (empty for the native coin)")
	tf.amount = fs.String("amount", "", "amount in base units (accepts 1.5e18 shorthand)")
	tf.hashlock = fs.String("hashlock", "", "32-byte hex hashlock")
	tf.agreedAt = fs.Uint64("agreed-at", 0, "agreement time A in unix seconds (default now)")
	tf.step = fs.Uint64("step", 0, "expected single step time E in seconds")
	tf.tolerance = fs.Uint64("tolerance", 0, "tolerant single step time Tol in seconds")
	tf.refundAt = fs.Uint64("refund-at", 0, "earliest refund time R (default A+3E+3Tol+1)")
	switch fam {
	case familyOut:
		tf.chainID = fs.Uint64("dst-chain", 0, "destination chain id")
		tf.dstAddress = fs.String("dst-address", "", "destination address")
		tf.bidID = fs.String("bid", "", "32-byte hex bid id")
		tf.dstAsset = fs.String("dst-asset", "", "destination asset address")
		tf.dstAmount = fs.String("dst-amount", "", "destination amount")
		tf.dstNative = fs.String("dst-native", "", "destination native amount")
		tf.requestor = fs.String("requestor", "", "opaque requestor identity")
		tf.lpID = fs.String("lp-id", "", "opaque LP identity")
		tf.userSign = fs.String("user-sign", "", "opaque user signature")
		tf.lpSign = fs.String("lp-sign", "", "opaque LP signature")
	case familyIn:
		tf.chainID = fs.Uint64("src-chain", 0, "source chain id")
		tf.native = fs.String("native", "", "native amount carried alongside the token amount")
		tf.srcID = fs.String("src-transfer", "", "32-byte hex id of the source outbound record")
	}
	return tf
}

func (tf *transferFlags) timelock() (api.Timelock, error) {
	if *tf.step == 0 {
		return api.Timelock{}, fmt.Errorf("--step is required")
	}
	agreed := *tf.agreedAt
	if agreed == 0 {
		agreed = uint64(nowFn().Unix())
	}
	refund := *tf.refundAt
	if refund == 0 {
		refund = agreed + 3*(*tf.step) + 3*(*tf.tolerance) + 1
	}
	return api.Timelock{
		AgreementReachedTime:   agreed,
		ExpectedSingleStepTime: *tf.step,
		TolerantSingleStepTime: *tf.tolerance,
		EarliestRefundTime:     refund,
	}, nil
}

func (tf *transferFlags) outboundRequest() (api.OutboundRequest, error) {
	var req api.OutboundRequest
	amount, err := normalizeAmount("amount", *tf.amount, true)
	if err != nil {
		return req, err
	}
	dstAmount, err := normalizeAmount("dst-amount", *tf.dstAmount, false)
	if err != nil {
		return req, err
	}
	dstNative, err := normalizeAmount("dst-native", *tf.dstNative, false)
	if err != nil {
		return req, err
	}
	tl, err := tf.timelock()
	if err != nil {
		return req, err
	}
	return api.OutboundRequest{
		Receiver:        strings.TrimSpace(*tf.receiver),
		Asset:           strings.TrimSpace(*tf.asset),
		Amount:          amount,
		Hashlock:        strings.TrimSpace(*tf.hashlock),
		Timelock:        tl,
		DstChainID:      *tf.chainID,
		DstAddress:      strings.TrimSpace(*tf.dstAddress),
		BidID:           strings.TrimSpace(*tf.bidID),
		DstAsset:        strings.TrimSpace(*tf.dstAsset),
		DstAmount:       dstAmount,
		DstNativeAmount: dstNative,
		Requestor:       *tf.requestor,
		LPID:            *tf.lpID,
		UserSign:        *tf.userSign,
		LPSign:          *tf.lpSign,
	}, nil
}

func (tf *transferFlags) inboundRequest() (api.InboundRequest, error) {
	var req api.InboundRequest
	amount, err := normalizeAmount("amount", *tf.amount, true)
	if err != nil {
		return req, err
	}
	native, err := normalizeAmount("native", *tf.native, false)
	if err != nil {
		return req, err
	}
	tl, err := tf.timelock()
	if err != nil {
		return req, err
	}
	return api.InboundRequest{
		Receiver:      strings.TrimSpace(*tf.receiver),
		Asset:         strings.TrimSpace(*tf.asset),
		Amount:        amount,
		NativeAmount:  native,
		Hashlock:      strings.TrimSpace(*tf.hashlock),
		Timelock:      tl,
		SrcChainID:    *tf.chainID,
		SrcTransferID: strings.TrimSpace(*tf.srcID),
	}, nil
}

func runTransferCommand(fam family, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		return printError(stderr, fmt.Sprintf("usage: htlc-cli %s <create|get|confirm|refund> [flags]", fam))
	}
	switch args[0] {
	case "create":
		return runTransferCreate(fam, args[1:], stdout, stderr)
	case "get":
		return runTransferGet(fam, args[1:], stdout, stderr)
	case "confirm":
		return runTransferConfirm(fam, args[1:], stdout, stderr)
	case "refund":
		return runTransferRefund(fam, args[1:], stdout, stderr)
	default:
		return printError(stderr, fmt.Sprintf("unknown %s subcommand %q", fam, args[0]))
	}
}

func runTransferCreate(fam family, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(string(fam)+" create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tf := bindTransferFlags(fs, fam)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var body interface{}
	var err error
	switch fam {
	case familyOut:
		body, err = tf.outboundRequest()
	case familyIn:
		body, err = tf.inboundRequest()
	}
	if err != nil {
		return printError(stderr, err.Error())
	}
	return doTransfer(fam, "POST", "/v1/transfers/"+string(fam), body, true, stdout, stderr)
}

func runTransferGet(fam family, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(string(fam)+" get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "transfer id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := transferPath(fam, *id, "")
	if err != nil {
		return printError(stderr, err.Error())
	}
	return doTransfer(fam, "GET", path, nil, false, stdout, stderr)
}

func runTransferConfirm(fam family, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(string(fam)+" confirm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "transfer id")
	preimage := fs.String("preimage", "", "32-byte hex preimage")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := api.ParseHash("preimage", *preimage, true); err != nil {
		return printError(stderr, err.Error())
	}
	path, err := transferPath(fam, *id, "/confirm")
	if err != nil {
		return printError(stderr, err.Error())
	}
	body := api.ConfirmRequest{Preimage: strings.TrimSpace(*preimage)}
	return doTransfer(fam, "POST", path, body, true, stdout, stderr)
}

func runTransferRefund(fam family, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(string(fam)+" refund", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "transfer id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := transferPath(fam, *id, "/refund")
	if err != nil {
		return printError(stderr, err.Error())
	}
	return doTransfer(fam, "POST", path, nil, false, stdout, stderr)
}

func transferPath(fam family, rawID, suffix string) (string, error) {
	id, err := api.ParseHash("id", rawID, true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/v1/transfers/%s/%s%s", fam, url.PathEscape(fmt.Sprintf("0x%x", id)), suffix), nil
}

func doTransfer(fam family, method, path string, body interface{}, auth bool, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var err error
	switch fam {
	case familyOut:
		var view api.Outbound
		if err = call(ctx, method, path, body, &view, auth); err == nil {
			return printJSON(stdout, view)
		}
	case familyIn:
		var view api.Inbound
		if err = call(ctx, method, path, body, &view, auth); err == nil {
			return printJSON(stdout, view)
		}
	}
	return printError(stderr, err.Error())
}
