package node

import (
	"bytes"
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/pkg/errors"
	"github.com/hashforge/minerd/pkg/log"
)

// DefaultNonceSpace is the nonce range searched per template.
const DefaultNonceSpace = uint64(1) << 32

// TemplateRPC is the slice of the RPC client the template source needs.
type TemplateRPC interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBestBlockHash(ctx context.Context) (string, error)
}

// TemplateSource converts node block templates into mining work templates.
// Template identifiers are strictly increasing, so a template with a higher
// ID always supersedes a lower one.
type TemplateSource struct {
	rpc    TemplateRPC
	logger *log.Logger

	nextID   atomic.Uint64
	lastHash atomic.Value // string; previous_hash of the last template
}

// NewTemplateSource creates a template source over the node RPC.
func NewTemplateSource(rpc TemplateRPC, logger *log.Logger) *TemplateSource {
	return &TemplateSource{
		rpc:    rpc,
		logger: logger.WithComponent("template_source"),
	}
}

// Fetch retrieves and converts a fresh template from the node.
func (s *TemplateSource) Fetch(ctx context.Context) (*mining.WorkTemplate, error) {
	gbt, err := s.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}

	tmpl, err := s.convert(gbt)
	if err != nil {
		return nil, err
	}

	s.lastHash.Store(gbt.PreviousHash)
	s.logger.LogTemplate(tmpl.ID, tmpl.Height, tmpl.NonceSpace)
	return tmpl, nil
}

// Stale reports whether the chain tip has moved past the given template's
// parent, meaning work built on it can no longer produce a useful block.
func (s *TemplateSource) Stale(ctx context.Context) (bool, error) {
	tip, err := s.rpc.GetBestBlockHash(ctx)
	if err != nil {
		return false, err
	}

	last, _ := s.lastHash.Load().(string)
	if last == "" {
		return true, nil
	}
	return tip != last, nil
}

// convert maps a node block template onto the worker-facing work template.
// The work bytes are the serialized block header with a zero nonce field;
// workers append their candidate nonce to these bytes when hashing.
func (s *TemplateSource) convert(gbt *btcjson.GetBlockTemplateResult) (*mining.WorkTemplate, error) {
	prev, err := chainhash.NewHashFromStr(gbt.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "template_convert",
			"invalid previous block hash in template").
			WithContext("previous_hash", gbt.PreviousHash)
	}

	var merkle chainhash.Hash
	if len(gbt.Transactions) > 0 {
		h, err := chainhash.NewHashFromStr(gbt.Transactions[0].Hash)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "template_convert",
				"invalid transaction hash in template")
		}
		merkle = *h
	}

	bits, err := strconv.ParseUint(gbt.Bits, 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "template_convert",
			"invalid bits in template").
			WithContext("bits", gbt.Bits)
	}

	target, err := s.resolveTarget(gbt.Target, uint32(bits))
	if err != nil {
		return nil, err
	}

	header := wire.BlockHeader{
		Version:    gbt.Version,
		PrevBlock:  *prev,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(gbt.CurTime, 0),
		Bits:       uint32(bits),
	}

	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "template_convert",
			"failed to serialize block header")
	}

	return &mining.WorkTemplate{
		ID:         s.nextID.Add(1),
		Header:     buf.Bytes(),
		Target:     target,
		NonceSpace: DefaultNonceSpace,
		Height:     gbt.Height,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// resolveTarget prefers the template's explicit target and falls back to the
// compact bits encoding.
func (s *TemplateSource) resolveTarget(targetHex string, bits uint32) (mining.Target, error) {
	if targetHex != "" {
		target, err := mining.ParseTarget(targetHex)
		if err == nil {
			return target, nil
		}
		s.logger.WithError(err).Warn("unparseable template target, deriving from bits")
	}

	return mining.TargetFromBits(bits), nil
}
