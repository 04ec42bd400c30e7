// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package capacity

import (
	"errors"
	"fmt"
)

// ErrNoData is returned by queries before the first successful collection.
var ErrNoData = errors.New("no data available, run collection first")

// ErrorKind classifies failures coming from a Source.
type ErrorKind int

const (
	KindDataCollection ErrorKind = iota
	KindConnectivity
	KindAuthentication
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindAuthentication:
		return "authentication"
	default:
		return "data_collection"
	}
}

// Error is a classified collection failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Connectivity wraps err as a failure to reach the management endpoint.
func Connectivity(op string, err error) error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

// Authentication wraps err as a rejected-credentials failure.
func Authentication(op string, err error) error {
	return &Error{Kind: KindAuthentication, Op: op, Err: err}
}

// DataCollection wraps err as a malformed, missing or failed response.
func DataCollection(op string, err error) error {
	return &Error{Kind: KindDataCollection, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors count as data collection failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDataCollection
}

// IsFatal reports whether err must abort the whole run regardless of the
// level it happened in.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConnectivity || k == KindAuthentication
}
