// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/policy"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrBalanceInsufficientFunds is returned when the selected inputs do
	// not cover the recipients and the fee, even without a change output.
	ErrBalanceInsufficientFunds = errors.New("inputs do not cover " +
		"recipients and fee")

	// ErrNoTxOutputs is returned when a transaction is created without any
	// recipients.
	ErrNoTxOutputs = errors.New("tx has no outputs")

	// ErrMultipleDrain is returned when more than one recipient is marked
	// to receive the remaining value.
	ErrMultipleDrain = errors.New("at most one recipient can drain")

	// ErrUnbalanced is returned when the plan does not satisfy
	// inputs == outputs + fee.
	ErrUnbalanced = errors.New("tx plan is unbalanced")
)

// dustFeeMultiplier is how many times its own spending fee an output must
// be worth not to be dust.
const dustFeeMultiplier = 3

// Recipient is an output requested by the user.
type Recipient struct {
	PkScript []byte
	Amount   btcutil.Amount

	// Drain marks the recipient that receives everything left after the
	// other recipients and the fee. Amount is ignored on input.
	Drain bool
}

// ChangeOutput is a change output paying back to the internal descriptor.
type ChangeOutput struct {
	PkScript []byte
	Amount   btcutil.Amount

	// Index is the internal keychain derivation index.
	Index uint32

	// Derived is the internal descriptor at Index.
	Derived *policy.DerivedDescriptor
}

// ChangeSource provides fresh change outputs. NewChange is only called when
// a change output is actually created, so no index is consumed otherwise.
type ChangeSource struct {
	// ScriptSize is the pkScript size of a change output.
	ScriptSize int

	// NewChange reserves the next internal index and returns its output
	// with a zero amount.
	NewChange func() (*ChangeOutput, error)
}

// TxPlan is a balanced set of outputs for the selected inputs.
type TxPlan struct {
	// Inputs are the selected UTXOs.
	Inputs []Utxo

	// Recipients carry their final amounts.
	Recipients []Recipient

	// Change is the change output, if one was created.
	Change fn.Option[ChangeOutput]

	// Fee is the absolute fee.
	Fee btcutil.Amount

	// LockTime and Sequence are applied to the transaction and every
	// input by the assembler.
	LockTime uint32
	Sequence uint32
}

// InputTotal returns the sum of the input values.
func (p *TxPlan) InputTotal() btcutil.Amount {
	var total btcutil.Amount
	for _, u := range p.Inputs {
		total += u.Value
	}

	return total
}

// OutputTotal returns the sum of the recipient and change amounts.
func (p *TxPlan) OutputTotal() btcutil.Amount {
	var total btcutil.Amount
	for _, r := range p.Recipients {
		total += r.Amount
	}
	p.Change.WhenSome(func(c ChangeOutput) {
		total += c.Amount
	})

	return total
}

// TxOuts returns the outputs in plan order, change last.
func (p *TxPlan) TxOuts() []*wire.TxOut {
	outs := make([]*wire.TxOut, 0, len(p.Recipients)+1)
	for _, r := range p.Recipients {
		outs = append(outs, wire.NewTxOut(int64(r.Amount), r.PkScript))
	}
	p.Change.WhenSome(func(c ChangeOutput) {
		outs = append(outs, wire.NewTxOut(int64(c.Amount), c.PkScript))
	})

	return outs
}

// check verifies the balance equation and relay policy of every output.
func (p *TxPlan) check() error {
	in, out := p.InputTotal(), p.OutputTotal()
	if in != out+p.Fee {
		return fmt.Errorf("%w: inputs %v != outputs %v + fee %v",
			ErrUnbalanced, in, out, p.Fee)
	}

	return checkOutputs(p.TxOuts())
}

// checkOutputs applies the relay policy to every output.
func checkOutputs(txOuts []*wire.TxOut) error {
	for _, txOut := range txOuts {
		err := txrules.CheckOutput(txOut, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return fmt.Errorf("output %x of %v: %w", txOut.PkScript,
				btcutil.Amount(txOut.Value), err)
		}
	}

	return nil
}

// DustLimit is the smallest change amount worth creating for a pkScript of
// the given size. It is the larger of the relay dust threshold and three
// times the fee the output costs at feeRate.
func DustLimit(scriptSize int, feeRate btcunit.SatPerVByte) btcutil.Amount {
	relayDust := btcutil.Amount(mempool.GetDustThreshold(
		wire.NewTxOut(0, dustScript(scriptSize)),
	))

	outputFee := feeRate.FeeForWeightRoundUp(btcunit.OutputWeight(scriptSize))
	rateDust := dustFeeMultiplier * outputFee

	if rateDust > relayDust {
		return rateDust
	}

	return relayDust
}

// dustScript returns a placeholder pkScript of the given size. Sizes that fit
// a segwit v0 program are shaped as one so the relay threshold assumes a
// witness spend.
func dustScript(size int) []byte {
	script := make([]byte, size)
	if size >= 4 && size <= 42 {
		script[0] = txscript.OP_0
		script[1] = byte(size - 2)
	}

	return script
}

// Balance computes the fee and the change output for the selected inputs.
// The returned plan satisfies inputs == recipients + change + fee exactly.
func Balance(sel *SelectionResult, recipients []Recipient,
	feeRate btcunit.SatPerVByte, change ChangeSource) (*TxPlan, error) {

	if len(recipients) == 0 {
		return nil, ErrNoTxOutputs
	}

	var (
		estimator       btcunit.TxWeightEstimator
		recipientsTotal btcutil.Amount
		drain           = -1
	)
	for _, u := range sel.Utxos {
		estimator.AddWitnessInput(u.WitnessSize)
	}
	for i, r := range recipients {
		estimator.AddOutput(r.PkScript)

		if r.Drain {
			if drain >= 0 {
				return nil, ErrMultipleDrain
			}
			drain = i

			continue
		}
		recipientsTotal += r.Amount
	}

	plan := &TxPlan{
		Inputs:     append([]Utxo(nil), sel.Utxos...),
		Recipients: append([]Recipient(nil), recipients...),
		Change:     fn.None[ChangeOutput](),
	}
	inputs := plan.InputTotal()

	if inputs < recipientsTotal {
		return nil, fmt.Errorf("%w: inputs %v < recipients %v",
			ErrBalanceInsufficientFunds, inputs, recipientsTotal)
	}

	weightNoChange := estimator.Weight()
	feeNoChange := feeRate.FeeForWeightRoundUp(weightNoChange)
	remainder := inputs - recipientsTotal

	if remainder < feeNoChange {
		return nil, fmt.Errorf("%w: %v left for a fee of %v",
			ErrBalanceInsufficientFunds, remainder, feeNoChange)
	}

	if drain >= 0 {
		amount := remainder - feeNoChange
		script := plan.Recipients[drain].PkScript
		if txrules.IsDustOutput(
			wire.NewTxOut(int64(amount), script),
			txrules.DefaultRelayFeePerKb,
		) {

			return nil, fmt.Errorf("%w: drain amount %v is dust",
				ErrBalanceInsufficientFunds, amount)
		}

		plan.Recipients[drain].Amount = amount
		plan.Fee = feeNoChange

		return finishPlan(plan)
	}

	weightWithChange := weightNoChange.Add(
		btcunit.OutputWeight(change.ScriptSize),
	)
	feeWithChange := feeRate.FeeForWeightRoundUp(weightWithChange)
	changeAmount := remainder - feeWithChange

	if changeAmount >= DustLimit(change.ScriptSize, feeRate) {
		// Recipients must pass relay policy before a change index is
		// reserved.
		if err := checkOutputs(plan.TxOuts()); err != nil {
			return nil, err
		}

		out, err := change.NewChange()
		if err != nil {
			return nil, fmt.Errorf("new change output: %w", err)
		}
		if len(out.PkScript) != change.ScriptSize {
			return nil, fmt.Errorf("change script is %d bytes, "+
				"expected %d", len(out.PkScript),
				change.ScriptSize)
		}

		out.Amount = changeAmount
		plan.Change = fn.Some(*out)
		plan.Fee = feeWithChange

		return finishPlan(plan)
	}

	// The change would be dust, so the whole remainder goes to the fee.
	plan.Fee = remainder

	return finishPlan(plan)
}

func finishPlan(plan *TxPlan) (*TxPlan, error) {
	if err := plan.check(); err != nil {
		return nil, err
	}

	log.Debugf("Balanced tx: inputs=%v, outputs=%v, fee=%v, change=%v",
		plan.InputTotal(), plan.OutputTotal(), plan.Fee,
		plan.Change.IsSome())

	return plan, nil
}
