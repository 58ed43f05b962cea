package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/compiler"
	"github.com/efreitasn/p2psettle/internal/config"
	"github.com/efreitasn/p2psettle/internal/directory"
	"github.com/efreitasn/p2psettle/internal/handler"
	"github.com/efreitasn/p2psettle/internal/node"
	"github.com/efreitasn/p2psettle/internal/service"
)

// ledgerNode is what the command needs from either node implementation.
type ledgerNode interface {
	service.Ledger
	handler.LedgerReader
	Accounts(ctx context.Context) ([]common.Address, error)
	Close() error
}

// openLedger starts or connects to the ledger node named by cfg.NodeMode and
// builds the participant directory from it.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledgerNode, *directory.Directory, error) {
	var ln ledgerNode
	switch cfg.NodeMode {
	case config.NodeModeRPC:
		evm, err := node.DialEVM(ctx, node.EVMConfig{
			URL:            cfg.NodeURL,
			Contract:       cfg.ContractAddress,
			GasLimit:       cfg.GasLimit,
			DeployGasLimit: cfg.DeployGasLimit,
			PollInterval:   cfg.PollInterval,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if evm.Address() == (common.Address{}) {
			if err := deploy(ctx, cfg, evm); err != nil {
				evm.Close()
				return nil, nil, err
			}
		}
		ln = evm
	default:
		sim, err := node.NewSimulated(node.SimulatedConfig{
			Accounts:       cfg.SimAccounts,
			InitialBalance: cfg.SimInitialBalance,
			BlockTime:      cfg.SimBlockTime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		ln = sim
	}

	dir, err := openDirectory(ctx, cfg, ln)
	if err != nil {
		ln.Close()
		return nil, nil, err
	}
	logger.Info("participant directory ready",
		zap.String("ledger", ln.ID()),
		zap.Int("participants", dir.Len()),
		zap.Strings("labels", dir.Labels()),
	)
	return ln, dir, nil
}

// checkResume rejects resuming against a ledger that cannot hold the trades
// of an earlier run: a fresh simulated node or a newly deployed contract.
func checkResume(cfg *config.Config) error {
	switch {
	case cfg.NodeMode != config.NodeModeRPC:
		return errors.New("resume needs a persistent ledger: set NODE_MODE=rpc")
	case cfg.ContractAddress == (common.Address{}):
		return errors.New("resume needs CONTRACT_ADDRESS of the contract the trades were registered on")
	}
	return nil
}

func openDirectory(ctx context.Context, cfg *config.Config, ln ledgerNode) (*directory.Directory, error) {
	if cfg.Directory != "" {
		return directory.LoadFile(cfg.Directory)
	}
	accounts, err := ln.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list node accounts: %w", err)
	}
	return directory.FromAccounts(accounts, cfg.Producers)
}

// deploy creates the settlement contract from the first node account, using
// prebuilt artifacts when configured and compiling the source otherwise.
func deploy(ctx context.Context, cfg *config.Config, evm *node.EVM) error {
	var (
		art *compiler.Artifact
		err error
	)
	if cfg.ContractABIPath != "" {
		art, err = compiler.Load(cfg.ContractName, cfg.ContractABIPath, cfg.ContractBinPath)
	} else {
		art, err = compiler.Compile(ctx, cfg.SolcPath, cfg.ContractSource, cfg.ContractName)
	}
	if err != nil {
		return fmt.Errorf("build contract: %w", err)
	}

	accounts, err := evm.Accounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errors.New("node has no accounts to deploy from")
	}
	_, err = evm.Deploy(ctx, accounts[0], art.Bytecode)
	return err
}
