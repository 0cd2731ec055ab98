package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// tokenDecimals is assumed for both native transfers and token contracts.
const tokenDecimals = 18

const (
	nativeGasLimit = 21000
	tokenGasLimit  = 100000
)

// EthExecutor settles transfers on an EVM chain over JSON-RPC. Native
// transfers move value directly; token transfers call the contract's
// transfer(address,uint256) method.
type EthExecutor struct {
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
}

// NewEthExecutor connects to the RPC endpoint and derives the operator
// address from the hex-encoded private key.
func NewEthExecutor(ctx context.Context, rpcURL string, chainID int64, operatorKeyHex string) (*EthExecutor, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &EthExecutor{
		client:  client,
		chainID: big.NewInt(chainID),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Transfer builds, signs, and submits the transaction. The transaction hash
// serves as the receipt; submission failure means the transfer did not take
// effect.
func (e *EthExecutor) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if !common.IsHexAddress(req.To) {
		return Receipt{}, fmt.Errorf("invalid destination address: %s", req.To)
	}
	to := common.HexToAddress(req.To)

	amount, err := toBaseUnits(req.Amount)
	if err != nil {
		return Receipt{}, err
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch gas price: %w", err)
	}

	var tx *gethtypes.Transaction
	if req.TokenID == NativeToken || req.TokenID == "" {
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    amount,
			Gas:      nativeGasLimit,
			GasPrice: gasPrice,
		})
	} else {
		if !common.IsHexAddress(req.TokenID) {
			return Receipt{}, fmt.Errorf("invalid token contract address: %s", req.TokenID)
		}
		contract := common.HexToAddress(req.TokenID)
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &contract,
			Value:    big.NewInt(0),
			Gas:      tokenGasLimit,
			GasPrice: gasPrice,
			Data:     erc20TransferData(to, amount),
		})
	}

	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, fmt.Errorf("submit transaction: %w", err)
	}

	return Receipt{TransactionID: signed.Hash().Hex()}, nil
}

// Close releases the RPC connection.
func (e *EthExecutor) Close() {
	e.client.Close()
}

// toBaseUnits converts a whole-unit amount to base units at tokenDecimals.
func toBaseUnits(amount float64) (*big.Int, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", amount)
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(tokenDecimals), nil)
	scaled := new(big.Float).Mul(big.NewFloat(amount), new(big.Float).SetInt(unit))
	wei, _ := scaled.Int(nil)
	return wei, nil
}

// erc20TransferData encodes a transfer(address,uint256) call.
func erc20TransferData(to common.Address, amount *big.Int) []byte {
	selector := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data := make([]byte, 0, 4+32+32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
