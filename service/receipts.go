package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage"
)

const revertedMessage = "transaction reverted on-chain"

// findReceipt checks every hash broadcast for a row, newest first, and returns the
// first receipt found. Any replacement at the same nonce can be the one mined.
func findReceipt(ctx context.Context, client chain.Client, hashes []string) (*ethtypes.Receipt, error) {
	for i := len(hashes) - 1; i >= 0; i-- {
		receipt, err := client.TransactionReceipt(ctx, common.HexToHash(hashes[i]))
		if err != nil {
			return nil, fmt.Errorf("fail to get receipt of %s: %w", hashes[i], err)
		}
		if receipt != nil {
			return receipt, nil
		}
	}
	return nil, nil
}

// broadcastHashes lists the hashes of a row, falling back to its current hash.
func broadcastHashes(tx types.Transaction) []string {
	if len(tx.TransactionHashes) > 0 {
		return tx.TransactionHashes
	}
	if tx.TransactionHash != nil {
		return []string{*tx.TransactionHash}
	}
	return nil
}

func receiptInfo(tx types.Transaction, receipt *ethtypes.Receipt, minedAt time.Time) types.ReceiptInfo {
	info := types.ReceiptInfo{
		TransactionHash: receipt.TxHash.Hex(),
		GasUsed:         receipt.GasUsed,
		MinedAt:         minedAt,
	}
	if receipt.BlockNumber != nil {
		info.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		info.EffectiveGasPrice = receipt.EffectiveGasPrice.String()
	} else {
		info.EffectiveGasPrice = "0"
	}
	if tx.IsDeploy() && receipt.ContractAddress != (common.Address{}) {
		address := receipt.ContractAddress.Hex()
		info.ContractAddress = &address
	}
	return info
}

// recordReceipt stores the outcome of a mined receipt: mined on success, errored
// when the transaction reverted. Both keep the block and gas figures. It reports
// the resulting status.
func recordReceipt(ctx context.Context, store storage.TransactionStore, tx types.Transaction, receipt *ethtypes.Receipt, now time.Time) (types.TransactionStatus, error) {
	info := receiptInfo(tx, receipt, now)
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		if err := store.MarkMined(ctx, tx.QueueID, info); err != nil {
			return tx.Status, err
		}
		return types.StatusMined, nil
	}
	if err := store.MarkReverted(ctx, tx.QueueID, info, revertedMessage); err != nil {
		return tx.Status, err
	}
	return types.StatusErrored, nil
}

func chainTag(chainID int64) string {
	return fmt.Sprintf("chain_id:%d", chainID)
}
