// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates a database error.
	ErrDatabase ErrorCode = iota

	// ErrCorruptRecord indicates a stored record could not be decoded.
	ErrCorruptRecord

	// ErrWalletNotFound is returned when a requested wallet does not
	// exist.
	ErrWalletNotFound
)

var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:       "ErrDatabase",
	ErrCorruptRecord:  "ErrCorruptRecord",
	ErrWalletNotFound: "ErrWalletNotFound",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error identifies a wallet error. It has an error code and a descriptive
// message.
type Error struct {
	Code ErrorCode
	Desc string
	Err  error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}

	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error given a set of arguments.
func NewError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// WalletNotFoundError returns the error for an unknown wallet name. It wraps
// ErrNotFound so callers can match either form.
func WalletNotFoundError(name string) error {
	return NewError(ErrWalletNotFound, fmt.Sprintf("wallet %q", name),
		ErrNotFound)
}

// IsErrorCode reports whether err is a db Error with the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var dbErr Error
	if !errors.As(err, &dbErr) {
		return false
	}

	return dbErr.Code == code
}
