// Package contract provides smart contract ABI bindings for the DCA engine.
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

// PlanManager contract errors
var (
	ErrPlanNotFound    = errors.New("plan not found on-chain")
	ErrInvalidSwapData = errors.New("invalid swap data")
)

// PlanManagerABI is the ABI of the PlanManager smart contract.
// This matches the Solidity contract interface:
//
//	function createPlan(address tokenFrom, address tokenTo, uint256 totalAmount, uint256 amountPerOp, uint256 interval, uint256 totalOps) external returns (uint256 planId);
//	function executePlan(uint256 planId, address recipient, bytes swapData) external;
//	function plans(uint256 planId) external view returns (address owner, uint256 totalOps, uint256 executedOps, bool active);
//	event PlanCreated(uint256 indexed planId, address indexed owner, address tokenFrom, address tokenTo);
//	event PlanExecuted(uint256 indexed planId, uint256 executedOps, uint256 amountOut);
const PlanManagerABI = `[
	{
		"type": "function",
		"name": "createPlan",
		"inputs": [
			{"name": "tokenFrom", "type": "address"},
			{"name": "tokenTo", "type": "address"},
			{"name": "totalAmount", "type": "uint256"},
			{"name": "amountPerOp", "type": "uint256"},
			{"name": "interval", "type": "uint256"},
			{"name": "totalOps", "type": "uint256"}
		],
		"outputs": [
			{"name": "planId", "type": "uint256"}
		],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "executePlan",
		"inputs": [
			{"name": "planId", "type": "uint256"},
			{"name": "recipient", "type": "address"},
			{"name": "swapData", "type": "bytes"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "plans",
		"inputs": [
			{"name": "planId", "type": "uint256"}
		],
		"outputs": [
			{"name": "owner", "type": "address"},
			{"name": "totalOps", "type": "uint256"},
			{"name": "executedOps", "type": "uint256"},
			{"name": "active", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "PlanCreated",
		"inputs": [
			{"name": "planId", "type": "uint256", "indexed": true},
			{"name": "owner", "type": "address", "indexed": true},
			{"name": "tokenFrom", "type": "address", "indexed": false},
			{"name": "tokenTo", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "PlanExecuted",
		"inputs": [
			{"name": "planId", "type": "uint256", "indexed": true},
			{"name": "executedOps", "type": "uint256", "indexed": false},
			{"name": "amountOut", "type": "uint256", "indexed": false}
		]
	}
]`

// PlanState is the on-chain state of a plan.
type PlanState struct {
	Owner       common.Address
	TotalOps    *big.Int
	ExecutedOps *big.Int
	Active      bool
}

// ContractCaller abstracts the read-only call capability.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PlanManagerContract provides methods to interact with the PlanManager contract.
type PlanManagerContract struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// NewPlanManagerContract creates a new PlanManager contract instance.
func NewPlanManagerContract(address common.Address, caller ContractCaller) (*PlanManagerContract, error) {
	parsed, err := abi.JSON(strings.NewReader(PlanManagerABI))
	if err != nil {
		return nil, err
	}

	return &PlanManagerContract{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the contract address.
func (c *PlanManagerContract) Address() common.Address {
	return c.address
}

// PackExecutePlan packs the executePlan function call data.
func (c *PlanManagerContract) PackExecutePlan(planID *big.Int, recipient common.Address, swapData []byte) ([]byte, error) {
	if len(swapData) == 0 {
		return nil, ErrInvalidSwapData
	}
	return c.abi.Pack("executePlan", planID, recipient, swapData)
}

// GetPlan reads the on-chain state of a plan.
func (c *PlanManagerContract) GetPlan(ctx context.Context, planID *big.Int) (*PlanState, error) {
	data, err := c.abi.Pack("plans", planID)
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
	if len(result) == 0 {
		return nil, ErrPlanNotFound
	}

	values, err := c.abi.Unpack("plans", result)
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, errors.New("unexpected plans() output length")
	}

	state := &PlanState{
		Owner:       values[0].(common.Address),
		TotalOps:    values[1].(*big.Int),
		ExecutedOps: values[2].(*big.Int),
		Active:      values[3].(bool),
	}
	return state, nil
}
