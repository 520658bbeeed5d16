package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"DagBFT/internal/crypto"
)

// committeeFile is the TOML layout of a committee.
type committeeFile struct {
	Epoch       uint64          `toml:"epoch"`
	Authorities []authorityFile `toml:"authorities"`
}

// authorityFile is the TOML layout of one authority.
type authorityFile struct {
	Name             string       `toml:"name"`
	BLSKey           string       `toml:"bls_key"`
	BLSPoP           string       `toml:"bls_pop"`
	PrimaryToPrimary string       `toml:"primary_to_primary"`
	WorkerToPrimary  string       `toml:"worker_to_primary"`
	Workers          []workerFile `toml:"workers"`
}

// workerFile is the TOML layout of one worker.
type workerFile struct {
	ID              uint32 `toml:"id"`
	PrimaryToWorker string `toml:"primary_to_worker"`
	Transactions    string `toml:"transactions"`
	WorkerToWorker  string `toml:"worker_to_worker"`
}

// keyFile is the TOML layout of a key pair.
type keyFile struct {
	Name   string `toml:"name"`
	BLSKey string `toml:"bls_key"`
	BLSPoP string `toml:"bls_pop"`
	Seed   string `toml:"seed"`
}

// LoadCommittee reads a committee file.
func LoadCommittee(path string) (*Committee, error) {
	var f committeeFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", path, err)
	}

	authorities := make([]*Authority, 0, len(f.Authorities))

	for _, af := range f.Authorities {
		a, err := af.authority()
		if err != nil {
			return nil, fmt.Errorf("authority %q:\n%w", af.Name, err)
		}

		authorities = append(authorities, a)
	}

	return NewCommittee(f.Epoch, authorities)
}

// authority converts the file layout into an Authority.
func (af authorityFile) authority() (*Authority, error) {
	name, err := crypto.PublicKeyFromHex(af.Name)
	if err != nil {
		return nil, err
	}

	bls, err := crypto.BLSPublicKeyFromHex(af.BLSKey)
	if err != nil {
		return nil, err
	}

	pop, err := crypto.SignatureFromHex(af.BLSPoP)
	if err != nil {
		return nil, fmt.Errorf("bls_pop:\n%w", err)
	}

	a := &Authority{
		Name:   name,
		BLSKey: bls,
		BLSPoP: pop,
		Primary: PrimaryAddresses{
			PrimaryToPrimary: af.PrimaryToPrimary,
			WorkerToPrimary:  af.WorkerToPrimary,
		},
		Workers: make(map[WorkerID]WorkerAddresses, len(af.Workers)),
	}

	for _, wf := range af.Workers {
		if _, ok := a.Workers[WorkerID(wf.ID)]; ok {
			return nil, fmt.Errorf("duplicate worker %d", wf.ID)
		}

		a.Workers[WorkerID(wf.ID)] = WorkerAddresses{
			PrimaryToWorker: wf.PrimaryToWorker,
			Transactions:    wf.Transactions,
			WorkerToWorker:  wf.WorkerToWorker,
		}
	}

	return a, nil
}

// Export writes the committee to path.
func (c *Committee) Export(path string) error {
	f := committeeFile{Epoch: c.Epoch}

	for _, k := range c.keys {
		a := c.authorities[k]
		af := authorityFile{
			Name:             a.Name.Hex(),
			BLSKey:           a.BLSKey.Hex(),
			BLSPoP:           a.BLSPoP.Hex(),
			PrimaryToPrimary: a.Primary.PrimaryToPrimary,
			WorkerToPrimary:  a.Primary.WorkerToPrimary,
		}

		ids := make([]WorkerID, 0, len(a.Workers))
		for id := range a.Workers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			w := a.Workers[id]
			af.Workers = append(af.Workers, workerFile{
				ID:              uint32(id),
				PrimaryToWorker: w.PrimaryToWorker,
				Transactions:    w.Transactions,
				WorkerToWorker:  w.WorkerToWorker,
			})
		}

		f.Authorities = append(f.Authorities, af)
	}

	return writeTOML(path, f, 0o644)
}

// LoadKeyPair reads a key file.
func LoadKeyPair(path string) (*crypto.KeyPair, error) {
	var f keyFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", path, err)
	}

	seed, err := hex.DecodeString(f.Seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed:\n%w", err)
	}

	kp, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}

	if f.Name != "" && f.Name != kp.Name.Hex() {
		return nil, fmt.Errorf("name %s does not match seed", f.Name)
	}

	return kp, nil
}

// ExportKeyPair writes a key file readable only by its owner.
func ExportKeyPair(path string, kp *crypto.KeyPair) error {
	f := keyFile{
		Name:   kp.Name.Hex(),
		BLSKey: kp.BLSPublic().Hex(),
		BLSPoP: kp.ProofOfPossession().Hex(),
		Seed:   hex.EncodeToString(kp.Seed()),
	}

	return writeTOML(path, f, 0o600)
}

// LoadParameters reads a parameters file on top of the defaults.
// An empty path returns the defaults.
func LoadParameters(path string) (Parameters, error) {
	p := DefaultParameters()

	if path != "" {
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return Parameters{}, fmt.Errorf("decode %s:\n%w", path, err)
		}
	}

	if err := p.Validate(); err != nil {
		return Parameters{}, fmt.Errorf("invalid parameters:\n%w", err)
	}

	return p, nil
}

// Export writes the parameters to path.
func (p Parameters) Export(path string) error {
	return writeTOML(path, p, 0o644)
}

// writeTOML encodes v and writes it to path.
func writeTOML(path string, v any, perm os.FileMode) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %s:\n%w", path, err)
	}

	if err := os.WriteFile(path, buf.Bytes(), perm); err != nil {
		return fmt.Errorf("write %s:\n%w", path, err)
	}

	return nil
}
