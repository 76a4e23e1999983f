package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20ABI is the minimal ERC-20 interface used by the treasury monitor.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [
			{"name": "account", "type": "address"}
		],
		"outputs": [
			{"name": "balance", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [
			{"name": "success", "type": "bool"}
		],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [
			{"name": "success", "type": "bool"}
		],
		"stateMutability": "nonpayable"
	}
]`

// ERC20Contract provides methods to interact with an ERC-20 token.
type ERC20Contract struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// NewERC20Contract creates a new ERC-20 contract instance.
func NewERC20Contract(address common.Address, caller ContractCaller) (*ERC20Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, err
	}

	return &ERC20Contract{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the token contract address.
func (c *ERC20Contract) Address() common.Address {
	return c.address
}

// BalanceOf queries the token balance of an account.
func (c *ERC20Contract) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if err := c.abi.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, errors.New("empty balanceOf result")
	}
	return balance, nil
}

// PackTransfer packs the transfer function call data.
func (c *ERC20Contract) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("transfer", to, amount)
}

// PackApprove packs the approve function call data.
func (c *ERC20Contract) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return c.abi.Pack("approve", spender, amount)
}
