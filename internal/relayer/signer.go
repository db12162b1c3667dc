// Package relayer issues EIP-712 signatures that let the on-chain Manager
// accept or reject proposals on behalf of the coordinator. Every signature
// passes safety checks first and lands in an append-only audit log.
package relayer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signing actions.
const (
	ActionAccept = "AcceptProposal"
	ActionReject = "RejectProposal"
)

// DomainName and DomainVersion must match the deployed Manager contract's
// EIP-712 domain exactly or signatures will not verify on chain.
const (
	DomainName    = "ClawgerManager"
	DomainVersion = "1"
)

// Signer holds the relayer key and produces EIP-712 typed-data signatures
// bound to one chain and one Manager deployment.
type Signer struct {
	key      *ecdsa.PrivateKey
	chainID  int64
	contract common.Address
}

// NewSigner parses a hex private key (0x prefix optional).
func NewSigner(hexKey string, chainID int64, contract common.Address) (*Signer, error) {
	if len(hexKey) > 1 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &Signer{key: key, chainID: chainID, contract: contract}, nil
}

// Address is the signer's Ethereum address; the Manager contract must have
// it registered as the trusted relayer.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *Signer) domain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: s.contract.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// SignAccept signs an AcceptProposal message. Returns the 32-byte typed-data
// digest and a 65-byte [R || S || V] signature with V in {27, 28}.
func (s *Signer) SignAccept(proposalID uint64, worker, verifier common.Address, workerBond int64, deadline int64) (digest []byte, sig []byte, err error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			ActionAccept: {
				{Name: "proposalId", Type: "uint256"},
				{Name: "worker", Type: "address"},
				{Name: "verifier", Type: "address"},
				{Name: "workerBond", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: ActionAccept,
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"proposalId": new(big.Int).SetUint64(proposalID),
			"worker":     worker.Hex(),
			"verifier":   verifier.Hex(),
			"workerBond": big.NewInt(workerBond),
			"deadline":   big.NewInt(deadline),
		},
	}
	return s.sign(td)
}

// SignReject signs a RejectProposal message.
func (s *Signer) SignReject(proposalID uint64) (digest []byte, sig []byte, err error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			ActionReject: {
				{Name: "proposalId", Type: "uint256"},
			},
		},
		PrimaryType: ActionReject,
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"proposalId": new(big.Int).SetUint64(proposalID),
		},
	}
	return s.sign(td)
}

func (s *Signer) sign(td apitypes.TypedData) ([]byte, []byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27 // contracts expect V in {27, 28}
	return digest, sig, nil
}
