package node

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// RPC defines the node operations the coordinator depends on, allowing the
// RPC client to be mocked in tests.
type RPC interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBlockCount(ctx context.Context) (int64, error)
	GetBestBlockHash(ctx context.Context) (string, error)
	GetMiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error)
	SubmitWork(ctx context.Context, workHex string) error
	ValidateAddress(ctx context.Context, address string) (bool, error)
	Ping(ctx context.Context) error
	GetDifficulty(ctx context.Context) (float64, error)
	Close()
}

// Notifier defines the ZMQ notification surface.
type Notifier interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

// Compile-time interface compliance checks
var (
	_ RPC         = (*RPCClient)(nil)
	_ TemplateRPC = (*RPCClient)(nil)
	_ Notifier    = (*ZMQNotifier)(nil)
)
