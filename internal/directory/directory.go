// Package directory maps participant labels used in market data to ledger
// accounts.
package directory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// ErrDuplicateAccount is returned when two labels resolve to one account.
var ErrDuplicateAccount = errors.New("account assigned to more than one label")

// file is the on-disk layout.
type file struct {
	Participants map[string]string `yaml:"participants"`
}

// Directory is an immutable label to account mapping.
type Directory struct {
	byLabel map[string]common.Address
	byAddr  map[common.Address]string
}

// New builds a directory from a label to account mapping.
func New(entries map[string]common.Address) (*Directory, error) {
	d := &Directory{
		byLabel: make(map[string]common.Address, len(entries)),
		byAddr:  make(map[common.Address]string, len(entries)),
	}
	for label, addr := range entries {
		if label == "" {
			return nil, errors.New("empty participant label")
		}
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("participant %s: zero address", label)
		}
		if other, ok := d.byAddr[addr]; ok {
			return nil, fmt.Errorf("%s and %s: %w", other, label, ErrDuplicateAccount)
		}
		d.byLabel[label] = addr
		d.byAddr[addr] = label
	}
	return d, nil
}

// Load parses a YAML directory:
//
//	participants:
//	  P1: "0x..."
//	  C1: "0x..."
func Load(r io.Reader) (*Directory, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode directory: %w", err)
	}

	entries := make(map[string]common.Address, len(f.Participants))
	for label, hex := range f.Participants {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("participant %s: invalid address %q", label, hex)
		}
		entries[label] = common.HexToAddress(hex)
	}
	return New(entries)
}

// LoadFile reads a YAML directory file.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return Load(bytes.NewReader(data))
}

// FromAccounts assigns node accounts to generated labels: the first
// producers accounts become P1..Pn and the rest C1..Cm.
func FromAccounts(accounts []common.Address, producers int) (*Directory, error) {
	entries := make(map[string]common.Address, len(accounts))
	for i, a := range accounts {
		if i < producers {
			entries[fmt.Sprintf("P%d", i+1)] = a
		} else {
			entries[fmt.Sprintf("C%d", i-producers+1)] = a
		}
	}
	return New(entries)
}

// Lookup resolves a label.
func (d *Directory) Lookup(label string) (common.Address, error) {
	addr, ok := d.byLabel[label]
	if !ok {
		return common.Address{}, fmt.Errorf("%s: %w", label, domain.ErrUnknownParticipant)
	}
	return addr, nil
}

// Label returns the label of an account.
func (d *Directory) Label(addr common.Address) (string, bool) {
	label, ok := d.byAddr[addr]
	return label, ok
}

// Labels returns all labels sorted.
func (d *Directory) Labels() []string {
	labels := make([]string, 0, len(d.byLabel))
	for l := range d.byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Len returns the number of participants.
func (d *Directory) Len() int {
	return len(d.byLabel)
}

// Encode writes the directory as YAML.
func (d *Directory) Encode(w io.Writer) error {
	f := file{Participants: make(map[string]string, len(d.byLabel))}
	for label, addr := range d.byLabel {
		f.Participants[label] = addr.Hex()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode directory: %w", err)
	}
	return enc.Close()
}
