// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

var (
	// ErrInsufficientFunds is returned when the spendable UTXOs cannot
	// cover the target plus the fee, even when all of them are used.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoSnapshot is returned when coin selection is attempted before
	// a UTXO snapshot was obtained from a successful sync.
	ErrNoSnapshot = errors.New("no utxo snapshot available, run sync")

	// ErrDuplicatedUtxo is returned when a UTXO is specified multiple
	// times.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")

	// ErrUtxoNotEligible is returned when a UTXO that must be spent is
	// unknown, excluded or not spendable.
	ErrUtxoNotEligible = errors.New("utxo not eligible to spend")

	// ErrMissingFeeRate is returned when a selection is requested
	// without a fee rate.
	ErrMissingFeeRate = errors.New("missing fee rate")

	// ErrFeeRateTooLarge is returned when the fee rate is above
	// DefaultMaxFeeRate.
	ErrFeeRateTooLarge = errors.New("fee rate too large")
)

// DefaultMaxFeeRate is the highest fee rate the wallet considers sane.
//
//nolint:mnd // 1000 sat/vb.
var DefaultMaxFeeRate = btcunit.NewSatPerVByte(1_000)

// CoinSelectionStrategy orders the eligible UTXOs before the accumulation
// pass picks them front to back.
type CoinSelectionStrategy interface {
	// ArrangeCoins returns the eligible coins in selection order. It must
	// not modify the passed slice.
	ArrangeCoins(eligible []Utxo, feeRate btcunit.SatPerVByte) []Utxo
}

var (
	// CoinSelectionLargest always picks the largest available utxo to add
	// to the transaction next.
	CoinSelectionLargest CoinSelectionStrategy = &LargestFirstCoinSelector{}

	// CoinSelectionOldest picks the deepest confirmed utxo next.
	CoinSelectionOldest CoinSelectionStrategy = &OldestFirstCoinSelector{}
)

// SelectionRequest describes what the selected inputs must pay for.
type SelectionRequest struct {
	// Target is the total value of the recipient outputs, excluding a
	// drain recipient.
	Target btcutil.Amount

	// FeeRate is the fee rate the inputs must pay at.
	FeeRate btcunit.SatPerVByte

	// OutputScripts are the pkScripts of every recipient output. They
	// contribute to the estimated weight.
	OutputScripts [][]byte

	// Include lists outpoints that must be spent.
	Include []wire.OutPoint

	// Exclude lists outpoints that must never be spent.
	Exclude []wire.OutPoint

	// Strategy orders the remaining candidates. Nil selects
	// CoinSelectionLargest.
	Strategy CoinSelectionStrategy

	// SendAll spends every eligible UTXO.
	SendAll bool
}

// SelectionResult is the outcome of coin selection.
type SelectionResult struct {
	// Utxos are the chosen inputs. Explicit includes come first, then
	// the automatically selected UTXOs in selection order.
	Utxos []Utxo

	// Total is the sum of the input values.
	Total btcutil.Amount

	// Weight is the estimated weight of the transaction without a change
	// output.
	Weight btcunit.WeightUnit

	// Fee is the fee owed for Weight at the requested rate.
	Fee btcutil.Amount
}

// estimateWeight returns the weight of a transaction spending inputs to the
// request outputs, without change.
func (r *SelectionRequest) estimateWeight(inputs []Utxo) btcunit.WeightUnit {
	var e btcunit.TxWeightEstimator
	for _, u := range inputs {
		e.AddWitnessInput(u.WitnessSize)
	}
	for _, script := range r.OutputScripts {
		e.AddOutput(script)
	}

	return e.Weight()
}

// covers reports whether the inputs pay the target and their own fee, and
// returns the total, weight and fee that were computed.
func (r *SelectionRequest) covers(inputs []Utxo) (bool, btcutil.Amount,
	btcunit.WeightUnit, btcutil.Amount) {

	var total btcutil.Amount
	for _, u := range inputs {
		total += u.Value
	}

	weight := r.estimateWeight(inputs)
	fee := r.FeeRate.FeeForWeightRoundUp(weight)

	return total >= r.Target+fee, total, weight, fee
}

// validate checks the request itself, independent of any UTXO set.
func (r *SelectionRequest) validate() error {
	if r.FeeRate.IsZero() {
		return ErrMissingFeeRate
	}

	if r.FeeRate.GreaterThan(DefaultMaxFeeRate) {
		return fmt.Errorf("%w: fee rate of %s is too high, max sane "+
			"fee rate is %s", ErrFeeRateTooLarge, r.FeeRate,
			DefaultMaxFeeRate)
	}

	if r.Target < 0 {
		return fmt.Errorf("negative target %v", r.Target)
	}

	return validateOutPoints(r.Include)
}

// validateOutPoints checks a slice of `wire.OutPoint`s for duplicate
// entries.
func validateOutPoints(outpoints []wire.OutPoint) error {
	seenUTXOs := make(map[wire.OutPoint]struct{}, len(outpoints))
	for _, utxo := range outpoints {
		if _, ok := seenUTXOs[utxo]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicatedUtxo, utxo)
		}

		seenUTXOs[utxo] = struct{}{}
	}

	return nil
}

// SelectCoins picks inputs from available that pay req.Target plus the fee
// of the resulting transaction. Neither argument is modified and the same
// arguments always give the same result for deterministic strategies.
func SelectCoins(req SelectionRequest,
	available []Utxo) (*SelectionResult, error) {

	if err := req.validate(); err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == nil {
		strategy = CoinSelectionLargest
	}

	excluded := make(map[wire.OutPoint]struct{}, len(req.Exclude))
	for _, op := range req.Exclude {
		excluded[op] = struct{}{}
	}
	included := make(map[wire.OutPoint]struct{}, len(req.Include))
	for _, op := range req.Include {
		included[op] = struct{}{}
	}

	byOutPoint := make(map[wire.OutPoint]Utxo, len(available))
	candidates := make([]Utxo, 0, len(available))
	for _, u := range available {
		byOutPoint[u.OutPoint] = u

		_, isExcluded := excluded[u.OutPoint]
		_, isIncluded := included[u.OutPoint]
		if !u.Spendable || isExcluded || isIncluded {
			continue
		}

		candidates = append(candidates, u)
	}

	// Explicit includes are spent no matter what and are never pruned.
	selected := make([]Utxo, 0, len(req.Include))
	for _, op := range req.Include {
		u, ok := byOutPoint[op]
		if !ok {
			return nil, fmt.Errorf("%w: %v is unknown",
				ErrUtxoNotEligible, op)
		}
		if _, ok := excluded[op]; ok {
			return nil, fmt.Errorf("%w: %v is both included and "+
				"excluded", ErrUtxoNotEligible, op)
		}
		if !u.Spendable {
			return nil, fmt.Errorf("%w: %v is not spendable",
				ErrUtxoNotEligible, op)
		}

		selected = append(selected, u)
	}
	fixed := len(selected)

	arranged := strategy.ArrangeCoins(candidates, req.FeeRate)

	if req.SendAll {
		selected = append(selected, arranged...)
		return finishSelection(&req, selected)
	}

	ok, _, _, _ := req.covers(selected)
	for i := 0; !ok && i < len(arranged); i++ {
		selected = append(selected, arranged[i])

		// Every added input raises the weight and the fee, so the
		// condition is re-evaluated against the grown set.
		ok, _, _, _ = req.covers(selected)
	}
	if !ok {
		return finishSelection(&req, selected)
	}

	selected = prune(&req, selected, fixed)

	return finishSelection(&req, selected)
}

// prune drops automatically selected inputs, newest pick first, while the
// remaining set still covers the request. It repeats until no input can be
// dropped, so removing any single remaining automatic input breaks the
// inequality.
func prune(req *SelectionRequest, selected []Utxo, fixed int) []Utxo {
	for {
		removed := false
		for i := len(selected) - 1; i >= fixed; i-- {
			trial := make([]Utxo, 0, len(selected)-1)
			trial = append(trial, selected[:i]...)
			trial = append(trial, selected[i+1:]...)

			if ok, _, _, _ := req.covers(trial); ok {
				log.Tracef("Pruned input %v (%v) from selection",
					selected[i].OutPoint, selected[i].Value)

				selected = trial
				removed = true
			}
		}

		if !removed {
			return selected
		}
	}
}

func finishSelection(req *SelectionRequest,
	selected []Utxo) (*SelectionResult, error) {

	ok, total, weight, fee := req.covers(selected)
	if !ok || len(selected) == 0 {
		return nil, fmt.Errorf("%w: need %v plus fee %v, have %v",
			ErrInsufficientFunds, req.Target, fee, total)
	}

	log.Debugf("Selected %d inputs totalling %v, weight=%v, fee=%v",
		len(selected), total, weight, fee)

	return &SelectionResult{
		Utxos:  selected,
		Total:  total,
		Weight: weight,
		Fee:    fee,
	}, nil
}

// compareOutPoints orders outpoints by txid bytes, then index.
func compareOutPoints(a, b wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}

	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	default:
		return 0
	}
}

// olderThan orders confirmed UTXOs by height ascending and puts unconfirmed
// ones last. It returns 0 when both heights rank equal.
func olderThan(a, b Utxo) int {
	aConf, bConf := a.Height > 0, b.Height > 0

	switch {
	case aConf && !bConf:
		return -1
	case !aConf && bConf:
		return 1
	case a.Height < b.Height:
		return -1
	case a.Height > b.Height:
		return 1
	default:
		return 0
	}
}

// LargestFirstCoinSelector is an implementation of the CoinSelectionStrategy
// that always selects the largest coins first. Equal values prefer the
// older coin, then the lower outpoint.
type LargestFirstCoinSelector struct{}

// ArrangeCoins sorts a copy of the coins by value descending.
func (*LargestFirstCoinSelector) ArrangeCoins(eligible []Utxo,
	_ btcunit.SatPerVByte) []Utxo {

	coins := append([]Utxo(nil), eligible...)
	sort.SliceStable(coins, func(i, j int) bool {
		if coins[i].Value != coins[j].Value {
			return coins[i].Value > coins[j].Value
		}
		if c := olderThan(coins[i], coins[j]); c != 0 {
			return c < 0
		}

		return compareOutPoints(coins[i].OutPoint, coins[j].OutPoint) < 0
	})

	return coins
}

// OldestFirstCoinSelector selects the deepest confirmed coins first, which
// consolidates old outputs.
type OldestFirstCoinSelector struct{}

// ArrangeCoins sorts a copy of the coins by confirmation height ascending.
func (*OldestFirstCoinSelector) ArrangeCoins(eligible []Utxo,
	_ btcunit.SatPerVByte) []Utxo {

	coins := append([]Utxo(nil), eligible...)
	sort.SliceStable(coins, func(i, j int) bool {
		if c := olderThan(coins[i], coins[j]); c != 0 {
			return c < 0
		}
		if coins[i].Value != coins[j].Value {
			return coins[i].Value > coins[j].Value
		}

		return compareOutPoints(coins[i].OutPoint, coins[j].OutPoint) < 0
	})

	return coins
}

// RandomCoinSelector is an implementation of the CoinSelectionStrategy that
// selects coins at random. This prevents the creation of ever smaller UTXOs
// over time that may never become economical to spend.
type RandomCoinSelector struct {
	// Rand is the source of the shuffle. A fixed seed makes selection
	// reproducible.
	Rand *rand.Rand
}

// NewRandomCoinSelector returns a random selector seeded with seed.
func NewRandomCoinSelector(seed int64) *RandomCoinSelector {
	//nolint:gosec // Coin shuffling is not security sensitive.
	return &RandomCoinSelector{Rand: rand.New(rand.NewSource(seed))}
}

// ArrangeCoins drops coins that do not pay for themselves and shuffles the
// rest. Candidates are put in canonical order first so the outcome depends
// only on the random source.
func (s *RandomCoinSelector) ArrangeCoins(eligible []Utxo,
	feeRate btcunit.SatPerVByte) []Utxo {

	coins := make([]Utxo, 0, len(eligible))
	for _, u := range eligible {
		if !inputYieldsPositively(u.TxOut(), feeRate) {
			continue
		}

		coins = append(coins, u)
	}
	sort.Slice(coins, func(i, j int) bool {
		return compareOutPoints(coins[i].OutPoint, coins[j].OutPoint) < 0
	})

	s.Rand.Shuffle(len(coins), func(i, j int) {
		coins[i], coins[j] = coins[j], coins[i]
	})

	return coins
}

// inputYieldsPositively returns a boolean indicating whether this input yields
// positively if added to a transaction. This determination is based on the
// best-case added virtual size. For edge cases this function can return true
// while the input is yielding slightly negative as part of the final
// transaction.
func inputYieldsPositively(credit *wire.TxOut,
	feeRate btcunit.SatPerVByte) bool {

	inputSize := txsizes.GetMinInputVirtualSize(credit.PkScript)
	inputFee := feeRate.FeeForVByte(btcunit.NewVByte(uint64(inputSize)))

	return inputFee < btcutil.Amount(credit.Value)
}
