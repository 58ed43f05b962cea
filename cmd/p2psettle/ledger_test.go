package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/efreitasn/p2psettle/internal/config"
)

func TestCheckResume(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"simulated node", config.Config{NodeMode: config.NodeModeSim, ContractAddress: contract}, true},
		{"rpc without contract", config.Config{NodeMode: config.NodeModeRPC}, true},
		{"rpc with contract", config.Config{NodeMode: config.NodeModeRPC, ContractAddress: contract}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkResume(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkResume() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
