// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bigint_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethersphere/meshbee/pkg/bigint"
)

func TestMarshaling(t *testing.T) {
	t.Parallel()

	mar, err := json.Marshal(struct {
		Bg *bigint.BigInt
	}{
		Bg: bigint.Wrap(new(big.Int).Lsh(big.NewInt(1), 80)),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := `{"Bg":"1208925819614629174706176"}`
	if string(mar) != want {
		t.Fatalf("got %s, want %s", mar, want)
	}

	var out struct {
		Bg *bigint.BigInt
	}
	if err := json.Unmarshal(mar, &out); err != nil {
		t.Fatal(err)
	}
	if out.Bg.Cmp(new(big.Int).Lsh(big.NewInt(1), 80)) != 0 {
		t.Fatalf("got %v", out.Bg)
	}

	if err := json.Unmarshal([]byte(`{"Bg":"12x"}`), &out); err == nil {
		t.Fatal("expected error for malformed integer")
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want string
		err  error
	}{
		{in: "0", want: "0"},
		{in: "1000000", want: "1000000"},
		{in: "1e15", want: "1000000000000000"},
		{in: "2.5e3", want: "2500"},
		{in: "1.5", err: bigint.ErrNotInteger},
		{in: "-1", err: bigint.ErrNegative},
	} {
		got, err := bigint.ParseAmount(tc.in)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("%q: got error %v, want %v", tc.in, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Errorf("%q: got %s, want %s", tc.in, got, tc.want)
		}
	}

	if _, err := bigint.ParseAmount("abc"); err == nil {
		t.Fatal("expected error")
	}
}
