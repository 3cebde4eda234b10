// Package node provides the coordinator's connection to a Bitcoin Core style
// node: template retrieval over JSON-RPC, solved-work submission, and ZMQ
// block notifications that trigger template refresh.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/hashforge/minerd/pkg/circuit"
	"github.com/hashforge/minerd/pkg/errors"
	"github.com/hashforge/minerd/pkg/retry"
)

// RPCClient wraps btcd's RPC client with coordinator-specific operations and
// circuit-breaker protected calls.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates an RPC client for HTTP POST mode with TLS disabled,
// which is the typical local node deployment.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	// Configure circuit breaker for node RPC
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NodeConfig(),
	}, nil
}

// Close gracefully shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate retrieves a block template for mining.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			template, err := c.client.GetBlockTemplateAsync(req).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_block_template",
					"failed to retrieve block template from node")
			}

			return template, nil
		})
	})
}

// GetBlockCount returns the current chain height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNode, "get_block_count",
					"failed to retrieve current block height")
			}
			return count, nil
		})
	})
}

// GetBestBlockHash returns the hash of the chain tip.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeNode, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			return hash.String(), nil
		})
	})
}

// GetMiningInfo returns mining statistics from the node.
func (c *RPCClient) GetMiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetMiningInfoResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetMiningInfoResult, error) {
			info, err := c.client.GetMiningInfoAsync().Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_mining_info",
					"failed to retrieve mining information")
			}
			return info, nil
		})
	})
}

// SubmitWork submits solved work to the node. The payload is the template's
// work bytes with the winning nonce appended, hex encoded. Submission is
// time-critical, so it gets a minimal retry budget.
func (c *RPCClient) SubmitWork(ctx context.Context, workHex string) error {
	submitConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  1.5,
		Jitter:      false,
	}

	param, err := json.Marshal(workHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_encoding",
			"failed to encode submission payload")
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, submitConfig, func() error {
			result, err := c.client.RawRequest("submitblock", []json.RawMessage{param})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNode, "submit_work",
					"failed to submit solved work to node").
					WithContext("payload_size", len(workHex)/2)
			}

			// submitblock returns null on acceptance and a reason string
			// otherwise.
			var reason *string
			if err := json.Unmarshal(result, &reason); err == nil && reason != nil {
				return errors.New(errors.ErrorTypeNode, "submit_work",
					fmt.Sprintf("node rejected submission: %s", *reason))
			}
			return nil
		})
	})
}

// ValidateAddress checks a payout address against mainnet parameters.
func (c *RPCClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	addr, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	if err != nil {
		// Undecodable means invalid, not an RPC failure.
		return false, nil
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			result, err := c.client.ValidateAddressAsync(addr).Receive()
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeNode, "validate_address",
					"failed to validate payout address").
					WithContext("address", address)
			}
			return result.IsValid, nil
		})
	})
}

// Ping tests node connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNode, "ping",
					"node connectivity check failed")
			}
			return nil
		})
	})
}

// GetDifficulty returns the current network difficulty.
func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (float64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (float64, error) {
			difficulty, err := c.client.GetDifficultyAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNode, "get_difficulty",
					"failed to retrieve network difficulty")
			}
			return difficulty, nil
		})
	})
}
