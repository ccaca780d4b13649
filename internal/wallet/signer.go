// Package wallet holds the payer's key material and turns x402 payment
// requirements into signed EIP-3009 transferWithAuthorization payloads.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/web3"
	"X402-Agent/internal/x402"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// validAfterSkew backdates authorizations to tolerate clock drift.
	validAfterSkew       = 10 * time.Minute
	defaultValidDuration = 60 * time.Second
)

// LocalSigner signs payments with an in-process secp256k1 key.
type LocalSigner struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	networks web3.NetworkDefinitions
	now      func() time.Time
	nonce    func() ([32]byte, error)
}

var _ x402.NetworkSigner = (*LocalSigner)(nil)

// NewLocalSigner parses a hex private key (with or without 0x). Payments are
// only signed for networks present in networks.
func NewLocalSigner(privateKey string, networks web3.NetworkDefinitions) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "wallet private key is not configured")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "invalid wallet private key")
	}
	return &LocalSigner{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		networks: networks,
		now:      time.Now,
		nonce:    randomNonce,
	}, nil
}

// Address returns the checksummed payer address.
func (s *LocalSigner) Address() string {
	return s.address.Hex()
}

// Supports reports whether network has a known chain id.
func (s *LocalSigner) Supports(network string) bool {
	_, ok := s.networks.Lookup(network)
	return ok
}

// Sign implements x402.Signer.
func (s *LocalSigner) Sign(ctx context.Context, req x402.Requirement) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	network, ok := s.networks.Lookup(req.Network)
	if !ok {
		return "", fmt.Errorf("no chain id configured for network %q", req.Network)
	}
	if !common.IsHexAddress(req.PayTo) {
		return "", fmt.Errorf("invalid payTo address %q", req.PayTo)
	}
	if !common.IsHexAddress(req.Asset) {
		return "", fmt.Errorf("invalid asset address %q", req.Asset)
	}
	value, err := req.Amount()
	if err != nil {
		return "", err
	}

	nonce, err := s.nonce()
	if err != nil {
		return "", fmt.Errorf("generate authorization nonce: %w", err)
	}
	validity := defaultValidDuration
	if req.MaxTimeoutSeconds > 0 {
		validity = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	now := s.now()
	auth := x402.TransferAuthorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(now.Add(-validAfterSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(validity).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	hash, err := AuthorizationHash(req, network, auth)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return x402.EncodePaymentHeader(x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     req.Network,
		Payload: x402.ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	})
}

// AuthorizationHash is the EIP-712 digest of a TransferWithAuthorization for
// the requirement's asset contract. The domain name and version come from the
// requirement's extra fields when present, else from the network definition.
func AuthorizationHash(req x402.Requirement, network web3.NetworkDefinition, auth x402.TransferAuthorization) ([]byte, error) {
	name := req.ExtraString("name")
	if name == "" {
		name = network.AssetName
	}
	version := req.ExtraString("version")
	if version == "" {
		version = network.AssetVersion
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(network.ChainID)),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

func randomNonce() ([32]byte, error) {
	var nonce [32]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}
