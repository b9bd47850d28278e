// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd_test

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/ethersphere/meshbee/cmd/meshbee/cmd"
	"gopkg.in/yaml.v2"
)

func TestConfigCmd(t *testing.T) {
	var outputBuf bytes.Buffer
	if err := newCommand(t,
		cmd.WithArgs("config", "--wallet", "0x00000000000000000000000000000000000000ee", "--ledger-rate", "2.5"),
		cmd.WithOutput(&outputBuf),
	).Execute(); err != nil {
		t.Fatal(err)
	}

	var got map[string]interface{}
	if err := yaml.Unmarshal(outputBuf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}

	for key, want := range map[string]interface{}{
		"wallet":        "0x00000000000000000000000000000000000000ee",
		"ledger-rate":   2.5,
		"pay-threshold": "1e15",
		"max-attempts":  5,
		"dev-mode":      false,
	} {
		if fmt.Sprint(got[key]) != fmt.Sprint(want) {
			t.Errorf("%s: got %v, want %v", key, got[key], want)
		}
	}
}

func TestConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "meshbee.yaml")
	if err := ioutil.WriteFile(cfgFile, []byte("price: \"42\"\nmax-attempts: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var outputBuf bytes.Buffer
	if err := newCommand(t,
		cmd.WithCfgFile(cfgFile),
		cmd.WithArgs("config"),
		cmd.WithOutput(&outputBuf),
	).Execute(); err != nil {
		t.Fatal(err)
	}

	var got map[string]interface{}
	if err := yaml.Unmarshal(outputBuf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got["price"]) != "42" {
		t.Errorf("got price %v, want 42", got["price"])
	}
	if fmt.Sprint(got["max-attempts"]) != "9" {
		t.Errorf("got max attempts %v, want 9", got["max-attempts"])
	}
}
