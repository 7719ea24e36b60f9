package state

var (
	htlcOutboundPrefix   = []byte("htlc/out/")
	htlcInboundPrefix    = []byte("htlc/in/")
	htlcFeeScheduleKey   = []byte("htlc/fees/schedule")
	htlcPartyIndexPrefix = []byte("htlc/idx/")
	vaultBalancePrefix   = []byte("vault/balance/")
	vaultEscrowSeed      = []byte("htlc/escrow-account")
)
