// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

var (
	// ErrStateForbidden is returned when an operation cannot be performed
	// due to the current state of the wallet or of a PSBT.
	ErrStateForbidden = errors.New("operation forbidden in current state")

	// ErrWalletClosed is returned when the wallet is used after Close.
	ErrWalletClosed = errors.New("wallet is closed")
)

// PsbtState is the lifecycle stage of a PSBT.
type PsbtState uint8

const (
	// PsbtUnsigned is a freshly assembled packet without signatures.
	PsbtUnsigned PsbtState = iota

	// PsbtPartiallySigned has at least one partial signature but some
	// input is not finalized yet.
	PsbtPartiallySigned

	// PsbtFinalized has a final witness for every input.
	PsbtFinalized

	// PsbtBroadcast is a finalized packet accepted by the chain backend.
	PsbtBroadcast
)

// String returns the string representation of a PsbtState.
func (s PsbtState) String() string {
	switch s {
	case PsbtUnsigned:
		return "unsigned"

	case PsbtPartiallySigned:
		return "partially_signed"

	case PsbtFinalized:
		return "finalized"

	case PsbtBroadcast:
		return "broadcast"

	default:
		return "unknown psbt state"
	}
}

// StateOf derives the state of a packet from its content. A packet is only
// reported as broadcast when the caller knows it was accepted.
func StateOf(packet *psbt.Packet, broadcast bool) PsbtState {
	if packet.IsComplete() {
		if broadcast {
			return PsbtBroadcast
		}

		return PsbtFinalized
	}

	for _, in := range packet.Inputs {
		if len(in.PartialSigs) > 0 || len(in.FinalScriptWitness) > 0 {
			return PsbtPartiallySigned
		}
	}

	return PsbtUnsigned
}

// requireState returns ErrStateForbidden unless s is one of allowed.
func requireState(op string, s PsbtState, allowed ...PsbtState) error {
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot %s a %v psbt", ErrStateForbidden, op, s)
}

// lifecycle represents whether the wallet service can be used.
type lifecycle uint32

const (
	// lifecycleOpen indicates the wallet is open.
	lifecycleOpen lifecycle = iota

	// lifecycleClosed indicates Close was called.
	lifecycleClosed
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleOpen:
		return "open"

	case lifecycleClosed:
		return "closed"

	default:
		return "unknown lifecycle state"
	}
}

// walletState tracks the lifecycle and whether a sync is in flight. It is
// safe for concurrent use so the background sync can consult it without
// taking the command mutex.
type walletState struct {
	lifecycle atomic.Uint32
	syncing   atomic.Bool
}

// String returns a summary of the wallet's state.
func (s *walletState) String() string {
	return fmt.Sprintf("status=%v, syncing=%v",
		lifecycle(s.lifecycle.Load()), s.syncing.Load())
}

// validateOpen returns ErrWalletClosed after Close.
func (s *walletState) validateOpen() error {
	if lifecycle(s.lifecycle.Load()) != lifecycleOpen {
		return ErrWalletClosed
	}

	return nil
}

// toClosed marks the wallet closed. It fails if it already was.
func (s *walletState) toClosed() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleOpen), uint32(lifecycleClosed)) {

		return fmt.Errorf("%w: %v", ErrStateForbidden, ErrWalletClosed)
	}

	return nil
}

// startSync claims the sync slot. It returns false if a sync is already
// running.
func (s *walletState) startSync() bool {
	return s.syncing.CompareAndSwap(false, true)
}

// endSync releases the sync slot.
func (s *walletState) endSync() {
	s.syncing.Store(false)
}
