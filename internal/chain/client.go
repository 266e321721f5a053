// Package chain wraps the external value-transfer ledger. Everything above
// it treats the chain as an opaque capability: submit a transfer, wait for
// confirmation, read a receipt's transfer events, read a balance.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/mbarbosa30/selfclaw-pay/internal/custody"
)

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"Transfer","type":"event","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferEvent is one ERC-20 Transfer emitted by a transaction, with the
// amount already scaled to human units by the token's decimals.
type TransferEvent struct {
	From   common.Address
	To     common.Address
	Amount decimal.Decimal
}

// Receipt is the finalized outcome of a transaction hash.
type Receipt struct {
	Found     bool
	Ok        bool // true when the transaction succeeded on-chain
	Transfers []TransferEvent
}

// Client wraps go-ethereum with the minimal ERC-20 surface the escrow
// engine needs.
type Client struct {
	eth     *ethclient.Client
	wallet  *custody.Wallet
	chainID *big.Int
	abi     abi.ABI

	mu       sync.Mutex
	decimals map[common.Address]int32
}

func NewClient(rpcURL string, wallet *custody.Wallet, chainID int64) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Client{
		eth:      eth,
		wallet:   wallet,
		chainID:  big.NewInt(chainID),
		abi:      parsed,
		decimals: make(map[common.Address]int32),
	}, nil
}

func (c *Client) contract(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, c.abi, c.eth, c.eth, c.eth)
}

// tokenDecimals reads and caches decimals() for a token.
func (c *Client) tokenDecimals(ctx context.Context, token common.Address) (int32, error) {
	c.mu.Lock()
	if d, ok := c.decimals[token]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	var out []any
	if err := c.contract(token).Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals(%s): %w", token.Hex(), err)
	}
	d := int32(out[0].(uint8))

	c.mu.Lock()
	c.decimals[token] = d
	c.mu.Unlock()
	return d, nil
}

// TransferReceipt reads the receipt for txHash and extracts the Transfer
// events emitted by token. A missing transaction yields Found=false, a
// reverted one Ok=false; neither is a Go error.
func (c *Client) TransferReceipt(ctx context.Context, txHash string, token string) (*Receipt, error) {
	rcpt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &Receipt{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if rcpt.Status == 0 {
		return &Receipt{Found: true, Ok: false}, nil
	}

	tokenAddr := common.HexToAddress(token)
	dec, err := c.tokenDecimals(ctx, tokenAddr)
	if err != nil {
		return nil, err
	}

	out := &Receipt{Found: true, Ok: true}
	for _, lg := range rcpt.Logs {
		if lg.Address != tokenAddr || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		raw := new(big.Int).SetBytes(lg.Data)
		out.Transfers = append(out.Transfers, TransferEvent{
			From:   common.BytesToAddress(lg.Topics[1].Bytes()),
			To:     common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount: decimal.NewFromBigInt(raw, 0).Shift(-dec),
		})
	}
	return out, nil
}

// Transfer submits a custody-signed ERC-20 transfer and waits for it to be
// mined. A ctx deadline hit while waiting means the outcome is UNKNOWN, not
// failed: the tx may still land, and the caller must reconcile via
// TransferReceipt before retrying.
func (c *Client) Transfer(ctx context.Context, token, to, amount string) (string, error) {
	tokenAddr := common.HexToAddress(token)
	dec, err := c.tokenDecimals(ctx, tokenAddr)
	if err != nil {
		return "", err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("parse amount %q: %w", amount, err)
	}
	raw := amt.Shift(dec).BigInt()

	opts, err := bind.NewKeyedTransactorWithChainID(c.wallet.Key(), c.chainID)
	if err != nil {
		return "", fmt.Errorf("build tx opts: %w", err)
	}
	opts.Context = ctx

	tx, err := c.contract(tokenAddr).Transact(opts, "transfer", common.HexToAddress(to), raw)
	if err != nil {
		return "", fmt.Errorf("submit transfer: %w", err)
	}

	rcpt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	if rcpt.Status == 0 {
		return tx.Hash().Hex(), fmt.Errorf("transfer reverted: %s", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// Balance reads the custody-relevant token balance of addr in human units.
func (c *Client) Balance(ctx context.Context, token, addr string) (decimal.Decimal, error) {
	tokenAddr := common.HexToAddress(token)
	dec, err := c.tokenDecimals(ctx, tokenAddr)
	if err != nil {
		return decimal.Zero, err
	}
	var out []any
	err = c.contract(tokenAddr).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", common.HexToAddress(addr))
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf(%s): %w", addr, err)
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), 0).Shift(-dec), nil
}

// CustodyAddress is where escrow deposits are paid.
func (c *Client) CustodyAddress() common.Address { return c.wallet.Address() }
