package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/driftlock/driftlock/pkg/helpers"
	"github.com/driftlock/driftlock/pkg/logging"
)

// escrowABI is the interface of the deployed escrow contract. Lock IDs are
// caller-chosen bytes32 values; the contract rejects reuse.
const escrowABI = `[
	{"type":"function","name":"lock","stateMutability":"payable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"receiver","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"commitment","type":"bytes32"},
		{"name":"deadline","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"Locked","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":false},
		{"name":"receiver","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"Withdrawn","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"receiver","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"secret","type":"bytes32","indexed":false}],"anonymous":false},
	{"type":"event","name":"Refunded","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

const escrowGasLimit = 250000

// EVM is a Client backed by an EVM escrow contract over JSON-RPC.
type EVM struct {
	chain           string
	client          *ethclient.Client
	contractAddress common.Address
	contractABI     abi.ABI
	signerKey       *ecdsa.PrivateKey
	evmChainID      *big.Int
	log             *logging.Logger
}

// EVMConfig holds EVM client settings.
type EVMConfig struct {
	ChainID        string // registry ID, e.g. "ETH"
	RPC            string
	EscrowContract string
	SignerKey      string // hex-encoded private key
}

// NewEVM connects to an EVM node and binds the escrow contract.
func NewEVM(cfg *EVMConfig) (*EVM, error) {
	client, err := ethclient.Dial(cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}

	evmChainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &EVM{
		chain:           cfg.ChainID,
		client:          client,
		contractAddress: common.HexToAddress(cfg.EscrowContract),
		contractABI:     parsed,
		signerKey:       key,
		evmChainID:      evmChainID,
		log:             logging.Component("ledger-" + cfg.ChainID),
	}, nil
}

func (e *EVM) ChainID() string { return e.chain }

func (e *EVM) Height(ctx context.Context) (uint64, error) {
	height, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return height, nil
}

func (e *EVM) CreateLock(ctx context.Context, lock Lock) (string, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", fmt.Errorf("failed to generate escrow ID: %w", err)
	}

	receiver, err := addressFromPubKey(lock.Receiver)
	if err != nil {
		return "", fmt.Errorf("%w: receiver: %v", ErrRejected, err)
	}
	commitment, err := helpers.HexToBytes(lock.Commitment)
	if err != nil || len(commitment) != 32 {
		return "", fmt.Errorf("%w: malformed commitment", ErrRejected)
	}
	var commitment32 [32]byte
	copy(commitment32[:], commitment)

	token := common.Address{}
	if lock.Token != "" && lock.Token != "native" {
		token = common.HexToAddress(lock.Token)
	}

	amount := new(big.Int).SetUint64(lock.Amount)
	data, err := e.contractABI.Pack("lock",
		id, receiver, token, amount, commitment32,
		big.NewInt(lock.Deadline.Unix()))
	if err != nil {
		return "", fmt.Errorf("failed to pack lock call: %w", err)
	}

	// Native value rides along only when no token contract is involved.
	value := big.NewInt(0)
	if (token == common.Address{}) {
		value = amount
	}

	tx, err := e.submit(ctx, data, value)
	if err != nil {
		return "", err
	}

	escrowID := helpers.BytesToHex(id[:])
	e.log.Info("Submitted escrow lock", "escrow", escrowID, "tx", tx.Hash().Hex(), "amount", lock.Amount)
	return escrowID, nil
}

func (e *EVM) Withdraw(ctx context.Context, escrowID, secretHex string) error {
	id, err := escrowID32(escrowID)
	if err != nil {
		return err
	}
	raw, err := helpers.HexToBytes(secretHex)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: malformed secret", ErrRejected)
	}
	var secret [32]byte
	copy(secret[:], raw)

	data, err := e.contractABI.Pack("withdraw", id, secret)
	if err != nil {
		return fmt.Errorf("failed to pack withdraw call: %w", err)
	}
	tx, err := e.submit(ctx, data, big.NewInt(0))
	if err != nil {
		return err
	}
	e.log.Info("Submitted escrow withdraw", "escrow", escrowID, "tx", tx.Hash().Hex())
	return nil
}

func (e *EVM) Refund(ctx context.Context, escrowID string) error {
	id, err := escrowID32(escrowID)
	if err != nil {
		return err
	}
	data, err := e.contractABI.Pack("refund", id)
	if err != nil {
		return fmt.Errorf("failed to pack refund call: %w", err)
	}
	tx, err := e.submit(ctx, data, big.NewInt(0))
	if err != nil {
		return err
	}
	e.log.Info("Submitted escrow refund", "escrow", escrowID, "tx", tx.Hash().Hex())
	return nil
}

func (e *EVM) Events(ctx context.Context, fromBlock uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{e.contractAddress},
		Topics: [][]common.Hash{{
			e.contractABI.Events["Locked"].ID,
			e.contractABI.Events["Withdrawn"].ID,
			e.contractABI.Events["Refunded"].ID,
		}},
	}

	logs, err := e.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var out []Event
	for _, lg := range logs {
		ev, ok, err := e.parseLog(lg)
		if err != nil {
			e.log.Warn("Skipping unparseable escrow log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (e *EVM) parseLog(lg types.Log) (Event, bool, error) {
	if len(lg.Topics) < 2 {
		return Event{}, false, nil
	}
	escrowID := helpers.BytesToHex(lg.Topics[1].Bytes())

	switch lg.Topics[0] {
	case e.contractABI.Events["Locked"].ID:
		var parsed struct {
			Sender   common.Address
			Receiver common.Address
			Amount   *big.Int
		}
		if err := e.contractABI.UnpackIntoInterface(&parsed, "Locked", lg.Data); err != nil {
			return Event{}, false, err
		}
		return Event{
			Type:     EventLock,
			EscrowID: escrowID,
			Party:    parsed.Sender.Hex(),
			Amount:   parsed.Amount.Uint64(),
			Block:    lg.BlockNumber,
		}, true, nil

	case e.contractABI.Events["Withdrawn"].ID:
		var parsed struct {
			Receiver common.Address
			Amount   *big.Int
			Secret   [32]byte
		}
		if err := e.contractABI.UnpackIntoInterface(&parsed, "Withdrawn", lg.Data); err != nil {
			return Event{}, false, err
		}
		return Event{
			Type:     EventWithdraw,
			EscrowID: escrowID,
			Party:    parsed.Receiver.Hex(),
			Amount:   parsed.Amount.Uint64(),
			Secret:   fmt.Sprintf("%x", parsed.Secret),
			Block:    lg.BlockNumber,
		}, true, nil

	case e.contractABI.Events["Refunded"].ID:
		var parsed struct {
			Sender common.Address
			Amount *big.Int
		}
		if err := e.contractABI.UnpackIntoInterface(&parsed, "Refunded", lg.Data); err != nil {
			return Event{}, false, err
		}
		return Event{
			Type:     EventRefund,
			EscrowID: escrowID,
			Party:    parsed.Sender.Hex(),
			Amount:   parsed.Amount.Uint64(),
			Block:    lg.BlockNumber,
		}, true, nil
	}
	return Event{}, false, nil
}

// submit signs and sends a contract call as a legacy transaction.
func (e *EVM) submit(ctx context.Context, data []byte, value *big.Int) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(e.signerKey.PublicKey)

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	tx := types.NewTransaction(nonce, e.contractAddress, value, escrowGasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.evmChainID), e.signerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return signedTx, nil
}

func (e *EVM) Close() error {
	e.client.Close()
	return nil
}

func escrowID32(escrowID string) ([32]byte, error) {
	var id [32]byte
	raw, err := helpers.HexToBytes(escrowID)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("%w: malformed escrow ID", ErrRejected)
	}
	copy(id[:], raw)
	return id, nil
}

// addressFromPubKey maps a party's compressed secp256k1 pubkey to its EVM
// address.
func addressFromPubKey(hexKey string) (common.Address, error) {
	raw, err := helpers.HexToBytes(hexKey)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub.ToECDSA()), nil
}
