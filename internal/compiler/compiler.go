// Package compiler produces the settlement contract's deployable artifact,
// either by invoking solc or by loading prebuilt ABI and bytecode files.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/compiler"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrContractNotFound is returned when the compiler output does not contain
// the requested contract.
var ErrContractNotFound = errors.New("contract not found in compiler output")

// Artifact is a compiled contract.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// Compile runs solc on the source file and returns the artifact for the named
// contract.
func Compile(ctx context.Context, solc, source, name string) (*Artifact, error) {
	if solc == "" {
		solc = "solc"
	}
	cmd := exec.CommandContext(ctx, solc, "--combined-json", "abi,bin", source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("solc %s: %w: %s", source, err, strings.TrimSpace(stderr.String()))
	}
	return FromCombinedJSON(stdout.Bytes(), name)
}

// FromCombinedJSON extracts the named contract from solc --combined-json
// output. Keys are "path:Name"; only the name part is matched.
func FromCombinedJSON(out []byte, name string) (*Artifact, error) {
	contracts, err := compiler.ParseCombinedJSON(out, "", "", "", "")
	if err != nil {
		return nil, fmt.Errorf("parse solc output: %w", err)
	}

	for key, c := range contracts {
		if key != name && !strings.HasSuffix(key, ":"+name) {
			continue
		}
		def, err := json.Marshal(c.Info.AbiDefinition)
		if err != nil {
			return nil, fmt.Errorf("encode abi of %s: %w", key, err)
		}
		return newArtifact(name, def, c.Code)
	}
	return nil, fmt.Errorf("%s: %w", name, ErrContractNotFound)
}

// Load reads an artifact from an ABI JSON file and a hex bytecode file.
func Load(name, abiPath, binPath string) (*Artifact, error) {
	def, err := os.ReadFile(abiPath)
	if err != nil {
		return nil, fmt.Errorf("read abi: %w", err)
	}
	bin, err := os.ReadFile(binPath)
	if err != nil {
		return nil, fmt.Errorf("read bytecode: %w", err)
	}
	return newArtifact(name, def, string(bin))
}

func newArtifact(name string, def []byte, code string) (*Artifact, error) {
	parsed, err := abi.JSON(bytes.NewReader(def))
	if err != nil {
		return nil, fmt.Errorf("parse abi of %s: %w", name, err)
	}
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bytecode, err := hexutil.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode of %s: %w", name, err)
	}
	if len(bytecode) == 0 {
		return nil, fmt.Errorf("%s has no bytecode", name)
	}
	return &Artifact{Name: name, ABI: parsed, Bytecode: bytecode}, nil
}
