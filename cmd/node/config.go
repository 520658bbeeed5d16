package main

import (
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

// runFlags holds the flags shared by "run primary" and "run worker".
type runFlags struct {
	keys       string // keys is the key pair file
	committee  string // committee is the committee file
	parameters string // parameters is the optional parameters file
	store      string // store is the pebble directory
	metrics    string // metrics is the optional Prometheus listen address
}

// nodeConfig is everything a node needs before it can boot.
type nodeConfig struct {
	keys      *crypto.KeyPair
	committee *config.Committee
	params    config.Parameters
}

// load reads and validates the files named by the flags.
func (f runFlags) load() (*nodeConfig, error) {
	keys, err := config.LoadKeyPair(f.keys)
	if err != nil {
		return nil, fmt.Errorf("load keys:\n%w", err)
	}

	committee, err := config.LoadCommittee(f.committee)
	if err != nil {
		return nil, fmt.Errorf("load committee:\n%w", err)
	}

	if !committee.Contains(keys.Name) {
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownAuthority, keys.Name)
	}

	params, err := config.LoadParameters(f.parameters)
	if err != nil {
		return nil, fmt.Errorf("load parameters:\n%w", err)
	}

	return &nodeConfig{keys: keys, committee: committee, params: params}, nil
}
