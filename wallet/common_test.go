package wallet

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/policy"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	// multisigWitnessSize is the witness size of a 2-of-3 multisig
	// input: item count, empty dummy, two 73 byte signatures and the
	// 105 byte witness script with its length prefix.
	multisigWitnessSize = 1 + 1 + 2*(1+73) + 1 + 105
)

var (
	// chainParams are the chain parameters used throughout the wallet
	// tests.
	chainParams = chaincfg.RegressionNetParams

	// feeRate5 is the fee rate of the reference scenarios.
	feeRate5 = btcunit.NewSatPerVByte(5)
)

// p2wshScript returns a P2WSH output script committing to the given byte.
func p2wshScript(b byte) []byte {
	return append([]byte{0x00, 0x20}, bytes.Repeat([]byte{b}, 32)...)
}

// testUtxo returns a spendable 2-of-3 multisig UTXO.
func testUtxo(id byte, value btcutil.Amount, height int32) Utxo {
	return Utxo{
		OutPoint:    wire.OutPoint{Hash: chainhash.Hash{id}},
		Value:       value,
		PkScript:    p2wshScript(id),
		Height:      height,
		Spendable:   true,
		PrevTx:      fn.None[*wire.MsgTx](),
		WitnessSize: multisigWitnessSize,
	}
}

// testMaster returns a deterministic regtest master key.
func testMaster(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chainParams)
	require.NoError(t, err)

	return master
}

// testAccountKey returns the key expression of the BIP84 account of a test
// master key, for the given chain, private or not.
func testAccountKey(t *testing.T, seedByte byte, chainIndex uint32,
	private bool) string {

	t.Helper()

	master := testMaster(t, seedByte)
	acct := master
	path := []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + 1,
		hdkeychain.HardenedKeyStart,
	}
	for _, step := range path {
		var err error
		acct, err = acct.Derive(step)
		require.NoError(t, err)
	}
	if !private {
		var err error
		acct, err = acct.Neuter()
		require.NoError(t, err)
	}

	masterPub, err := master.ECPubKey()
	require.NoError(t, err)
	fp := btcutil.Hash160(masterPub.SerializeCompressed())[:4]

	return "[" + hex.EncodeToString(fp) + "/84'/1'/0']" + acct.String() +
		"/" + string(rune('0'+chainIndex)) + "/*"
}

// testMultisig compiles thresh(2,pk(A),pk(B),pk(C)) for the given chain.
// Only the keys whose seed is listed in private carry private keys.
func testMultisig(t *testing.T, chainIndex uint32,
	private ...byte) *policy.Descriptor {

	t.Helper()

	keys := make(policy.KeyMap)
	for name, seedByte := range map[string]byte{"A": 1, "B": 2, "C": 3} {
		isPrivate := bytes.IndexByte(private, seedByte) >= 0
		key, err := policy.ParseKeyExpr(
			testAccountKey(t, seedByte, chainIndex, isPrivate),
		)
		require.NoError(t, err)
		keys[name] = key
	}

	node, err := policy.Parse("thresh(2,pk(A),pk(B),pk(C))")
	require.NoError(t, err)

	desc, err := policy.Compile(node, keys)
	require.NoError(t, err)

	return desc
}

// fundingTx returns a transaction paying value to pkScript at output 0.
func fundingTx(pkScript []byte, value btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0xfe}}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	return tx
}
