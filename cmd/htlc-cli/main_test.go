package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"htlcbridge/native/htlc"
	"htlcbridge/services/htlcd/api"
	"htlcbridge/services/htlcd/server"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lp    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type stubSecret struct{ value string }

func (s stubSecret) Get() (string, error) { return s.value, nil }

// runCLI runs the CLI against endpoint with an isolated profile.
func runCLI(t *testing.T, endpoint string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("HTLC_ENDPOINT", "")
	t.Setenv("HTLC_TOKEN", "")
	global := []string{"--profile", filepath.Join(t.TempDir(), "profile.toml")}
	if endpoint != "" {
		global = append(global, "--endpoint", endpoint)
	}
	var stdout, stderr bytes.Buffer
	code := run(append(global, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1000", want: "1000"},
		{in: "1_000_000", want: "1000000"},
		{in: "1e18", want: "1000000000000000000"},
		{in: "1.5e3", want: "1500"},
		{in: "2.50e1", want: "25"},
		{in: "007", want: "7"},
		{in: "1.5", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1e", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeAmount("amount", tc.in, true)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	optional, err := normalizeAmount("native", "", false)
	require.NoError(t, err)
	assert.Empty(t, optional)
}

func TestSecretAndHashAgree(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	prev := randReader
	randReader = bytes.NewReader(seed)
	t.Cleanup(func() { randReader = prev })

	code, out, errOut := runCLI(t, "", "secret")
	require.Equal(t, 0, code, errOut)
	preimage := common.BytesToHash(seed)
	want := common.Hash(htlc.Hashlock(preimage))
	assert.Contains(t, out, "preimage: "+preimage.Hex())
	assert.Contains(t, out, "hashlock: "+want.Hex())

	code, out, errOut = runCLI(t, "", "hash", "--preimage", preimage.Hex())
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, want.Hex(), strings.TrimSpace(out))
}

func TestIDCommandMatchesLedgerDerivation(t *testing.T) {
	hashlock := common.Hash(htlc.Hashlock([32]byte{1}))
	code, out, errOut := runCLI(t, "", "id", "out",
		"--chain-id", "7",
		"--sender", alice.Hex(),
		"--receiver", lp.Hex(),
		"--amount", "1e18",
		"--hashlock", hashlock.Hex(),
		"--agreed-at", "1000",
		"--step", "100",
		"--tolerance", "50",
		"--dst-chain", "9",
	)
	require.Equal(t, 0, code, errOut)

	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	want := htlc.OutboundID(7, htlc.OutboundParams{
		Sender:     alice,
		Receiver:   lp,
		Amount:     amount,
		Hashlock:   hashlock,
		Timelock:   htlc.Timelock{AgreedAt: 1000, StepTime: 100, Tolerance: 50, RefundAt: 1451},
		DstChainID: 9,
	})
	assert.Equal(t, common.Hash(want).Hex(), strings.TrimSpace(out))

	code, _, errOut = runCLI(t, "", "id", "out", "--sender", alice.Hex(), "--amount", "1", "--step", "1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--chain-id is required")
}

func TestOutCreatePostsAuthenticatedRequest(t *testing.T) {
	var got api.OutboundRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transfers/out", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.Outbound{ID: common.Hash{9}.Hex(), Status: "created", Amount: got.Amount})
	}))
	defer srv.Close()

	code, out, errOut := runCLI(t, srv.URL, "--token", "tok", "out", "create",
		"--receiver", lp.Hex(),
		"--amount", "2.5e18",
		"--hashlock", common.Hash{1}.Hex(),
		"--agreed-at", "1000",
		"--step", "100",
		"--tolerance", "50",
	)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "2500000000000000000", got.Amount)
	assert.Equal(t, uint64(1451), got.EarliestRefundTime)
	assert.Contains(t, out, `"status": "created"`)
}

func TestCreateWithoutTokenFailsLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	code, _, errOut := runCLI(t, srv.URL, "in", "create",
		"--receiver", alice.Hex(), "--amount", "1", "--hashlock", common.Hash{1}.Hex(), "--step", "10")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "bearer token is required")
	assert.False(t, called)
}

func TestConfirmRendersWindowError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/confirm"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"code":"not_in_op_window","message":"htlc: not in op window","op":"confirm out","start":1400,"end":1450}`)
	}))
	defer srv.Close()

	code, _, errOut := runCLI(t, srv.URL, "--token", "tok", "out", "confirm",
		"--id", common.Hash{7}.Hex(), "--preimage", common.Hash{1}.Hex())
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not_in_op_window")
	assert.Contains(t, errOut, "window 1400..1450")
}

func TestRefundIsAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/transfers/in/"+strings.ToLower(common.Hash{7}.Hex())+"/refund", r.URL.Path)
		_ = json.NewEncoder(w).Encode(api.Inbound{Status: "refunded"})
	}))
	defer srv.Close()

	code, out, errOut := runCLI(t, srv.URL, "in", "refund", "--id", common.Hash{7}.Hex())
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"status": "refunded"`)
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	prev := secretSource
	secretSource = func() interface{ Get() (string, error) } { return stubSecret{value: testSecret} }
	t.Cleanup(func() { secretSource = prev })

	code, out, errOut := runCLI(t, "", "token", "--address", alice.Hex(), "--admin")
	require.Equal(t, 0, code, errOut)

	auth, err := server.NewAuthenticator(server.AuthConfig{HMACSecret: testSecret}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	principal, err := auth.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, [20]byte(alice), principal.Address)
	assert.True(t, principal.HasScope(server.ScopeAdmin))
}

func TestProfileSetAndShow(t *testing.T) {
	t.Setenv("HTLC_ENDPOINT", "")
	t.Setenv("HTLC_TOKEN", "")
	path := filepath.Join(t.TempDir(), "nested", "profile.toml")

	var stdout, stderr bytes.Buffer
	code := run([]string{"--profile", path, "profile", "set", "--endpoint", "http://ledger:7090", "--token", "abc", "--chain-id", "5"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	prof, err := loadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, Profile{Endpoint: "http://ledger:7090", Token: "abc", ChainID: 5}, prof)

	stdout.Reset()
	code = run([]string{"--profile", path, "profile", "show"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "endpoint: http://ledger:7090")
	assert.Contains(t, stdout.String(), "token:    [set]")
	assert.NotContains(t, stdout.String(), "abc")
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "", "bogus")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unknown command: bogus")
}
