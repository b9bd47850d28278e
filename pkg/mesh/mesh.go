// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mesh contains the basic identifiers of mesh neighbors.
package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid mesh address")

// Address is the stable mesh IPv6 address of a node. It is comparable and
// can be used as a map key.
type Address struct {
	ip [net.IPv6len]byte
	ok bool
}

// ParseAddress parses the textual form of a mesh IPv6 address.
func ParseAddress(s string) (Address, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return NewAddress(ip), nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NewAddress constructs an Address from an IPv6 address.
func NewAddress(ip net.IP) Address {
	var a Address
	copy(a.ip[:], ip.To16())
	a.ok = true
	return a
}

// String returns the canonical IPv6 representation of the Address.
func (a Address) String() string {
	if !a.ok {
		return ""
	}
	return net.IP(a.ip[:]).String()
}

// IP returns a copy of the address as net.IP.
func (a Address) IP() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, a.ip[:])
	return ip
}

// Bytes returns the 16 byte representation of the Address.
func (a Address) Bytes() []byte {
	b := make([]byte, net.IPv6len)
	copy(b, a.ip[:])
	return b
}

// Equal returns true if two addresses are identical.
func (a Address) Equal(b Address) bool {
	return a == b
}

// IsZero returns true if the Address is not set to any value.
func (a Address) IsZero() bool {
	return !a.ok
}

// MarshalJSON returns JSON-encoded representation of Address.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON sets Address to a value from JSON-encoded representation.
func (a *Address) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	*a, err = ParseAddress(s)
	return err
}

// ZeroAddress is the address that has no value.
var ZeroAddress = Address{}

// Identity identifies a neighbor: where it is on the mesh and where its
// payments go.
type Identity struct {
	Address Address        `json:"address"`
	Wallet  common.Address `json:"wallet"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.Address, i.Wallet.Hex())
}
