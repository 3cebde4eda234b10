// Package protocol implements the line-delimited JSON control protocol spoken
// between the coordinator and external mining workers. Each record is one
// complete JSON object per line with a mandatory "type" discriminator; JSON
// string escaping guarantees the newline terminator never appears inside an
// encoded record.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a protocol message variant.
type Type string

// The closed set of message types. Coordinator-to-worker requests and
// worker-to-coordinator responses share one discriminator namespace.
const (
	TypeInit        Type = "init"
	TypeInitialized Type = "initialized"
	TypeMine        Type = "mine"
	TypeSolution    Type = "solution"
	TypeComplete    Type = "complete"
	TypeStop        Type = "stop"
	TypeStopped     Type = "stopped"
	TypeQueryInfo   Type = "query_info"
	TypeInfo        Type = "info"
	TypeShutdown    Type = "shutdown"
	TypeError       Type = "error"
)

// Codec failure sentinels. ErrMalformed covers syntax and required-field
// violations; ErrUnknownType covers well-formed records with an unrecognized
// type tag. Neither is fatal to a session.
var (
	ErrMalformed   = errors.New("malformed protocol record")
	ErrUnknownType = errors.New("unknown message type")
)

// HashHexLen is the width of solution hash fields (256 bits, hex encoded).
const HashHexLen = 64

// Message is one protocol message variant.
type Message interface {
	Kind() Type
}

// Init negotiates capabilities with a freshly started worker.
type Init struct {
	BatchSize uint64
}

// Initialized is the worker's capability report.
type Initialized struct {
	GPUCount     int
	TotalMemory  uint64
	MaxBatchSize uint64
}

// Mine assigns a nonce batch to a worker.
type Mine struct {
	Work       string
	Target     string
	StartNonce uint64
	NonceCount uint64
}

// Solution is a candidate proof-of-work result.
type Solution struct {
	Nonce uint64
	Hash  string
}

// Complete reports a batch exhausted without a solution.
type Complete struct {
	HashesComputed uint64
	DurationMS     uint64
}

// Stop cancels the worker's current batch.
type Stop struct{}

// Stopped acknowledges a Stop.
type Stopped struct{}

// QueryInfo requests a device status report.
type QueryInfo struct{}

// GPUInfo describes one device in an Info report.
type GPUInfo struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Memory      uint64  `json:"memory"`
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
}

// Info is a worker device status report.
type Info struct {
	GPUs []GPUInfo
}

// Shutdown instructs the worker to terminate.
type Shutdown struct{}

// WorkerError is a worker-reported failure, non-fatal to the session.
type WorkerError struct {
	Message string
}

// Unknown carries a well-formed record whose type tag is not in the closed
// set. It is surfaced as a distinct variant so new message kinds fail loudly
// instead of being silently dropped.
type Unknown struct {
	Tag Type
	Raw []byte
}

func (Init) Kind() Type        { return TypeInit }
func (Initialized) Kind() Type { return TypeInitialized }
func (Mine) Kind() Type        { return TypeMine }
func (Solution) Kind() Type    { return TypeSolution }
func (Complete) Kind() Type    { return TypeComplete }
func (Stop) Kind() Type        { return TypeStop }
func (Stopped) Kind() Type     { return TypeStopped }
func (QueryInfo) Kind() Type   { return TypeQueryInfo }
func (Info) Kind() Type        { return TypeInfo }
func (Shutdown) Kind() Type    { return TypeShutdown }
func (WorkerError) Kind() Type { return TypeError }
func (u Unknown) Kind() Type   { return u.Tag }

// envelope is the flat wire representation of every message variant. Pointer
// fields distinguish absent from zero during required-field validation.
type envelope struct {
	Type           Type      `json:"type"`
	BatchSize      *uint64   `json:"batch_size,omitempty"`
	GPUCount       *int      `json:"gpu_count,omitempty"`
	TotalMemory    *uint64   `json:"total_memory,omitempty"`
	MaxBatchSize   *uint64   `json:"max_batch_size,omitempty"`
	Work           *string   `json:"work,omitempty"`
	Target         *string   `json:"target,omitempty"`
	StartNonce     *uint64   `json:"start_nonce,omitempty"`
	NonceCount     *uint64   `json:"nonce_count,omitempty"`
	Nonce          *uint64   `json:"nonce,omitempty"`
	Hash           *string   `json:"hash,omitempty"`
	HashesComputed *uint64   `json:"hashes_computed,omitempty"`
	DurationMS     *uint64   `json:"duration_ms,omitempty"`
	GPUs           []GPUInfo `json:"gpus,omitempty"`
	Message        *string   `json:"message,omitempty"`
}

// Encode serializes a message to one self-terminated record without the
// trailing newline; the transport owns the terminator.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Kind()}

	switch m := msg.(type) {
	case Init:
		env.BatchSize = &m.BatchSize
	case *Init:
		env.BatchSize = &m.BatchSize
	case Initialized:
		env.GPUCount = &m.GPUCount
		env.TotalMemory = &m.TotalMemory
		env.MaxBatchSize = &m.MaxBatchSize
	case Mine:
		if m.NonceCount == 0 {
			return nil, fmt.Errorf("%w: mine with zero nonce_count", ErrMalformed)
		}
		env.Work = &m.Work
		env.Target = &m.Target
		env.StartNonce = &m.StartNonce
		env.NonceCount = &m.NonceCount
	case Solution:
		env.Nonce = &m.Nonce
		env.Hash = &m.Hash
	case Complete:
		env.HashesComputed = &m.HashesComputed
		env.DurationMS = &m.DurationMS
	case Stop, Stopped, QueryInfo, Shutdown:
		// type tag only
	case Info:
		env.GPUs = m.GPUs
	case WorkerError:
		env.Message = &m.Message
	case Unknown:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Tag)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformed, msg)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

// Decode parses a single record into one of the closed message variants.
// Syntax or required-field violations return ErrMalformed; a recognized
// record shape with an unrecognized type returns the Unknown variant together
// with ErrUnknownType so callers can report it without aborting the stream.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}

	switch env.Type {
	case TypeInit:
		if env.BatchSize == nil {
			return nil, fmt.Errorf("%w: init missing batch_size", ErrMalformed)
		}
		return Init{BatchSize: *env.BatchSize}, nil

	case TypeInitialized:
		if env.GPUCount == nil || env.MaxBatchSize == nil {
			return nil, fmt.Errorf("%w: initialized missing capability fields", ErrMalformed)
		}
		msg := Initialized{GPUCount: *env.GPUCount, MaxBatchSize: *env.MaxBatchSize}
		if env.TotalMemory != nil {
			msg.TotalMemory = *env.TotalMemory
		}
		if msg.MaxBatchSize == 0 {
			return nil, fmt.Errorf("%w: initialized with zero max_batch_size", ErrMalformed)
		}
		return msg, nil

	case TypeMine:
		if env.Work == nil || env.Target == nil || env.StartNonce == nil || env.NonceCount == nil {
			return nil, fmt.Errorf("%w: mine missing assignment fields", ErrMalformed)
		}
		if *env.NonceCount == 0 {
			return nil, fmt.Errorf("%w: mine with zero nonce_count", ErrMalformed)
		}
		return Mine{
			Work:       *env.Work,
			Target:     *env.Target,
			StartNonce: *env.StartNonce,
			NonceCount: *env.NonceCount,
		}, nil

	case TypeSolution:
		if env.Nonce == nil || env.Hash == nil {
			return nil, fmt.Errorf("%w: solution missing nonce or hash", ErrMalformed)
		}
		if len(*env.Hash) != HashHexLen {
			return nil, fmt.Errorf("%w: solution hash must be %d hex chars, got %d",
				ErrMalformed, HashHexLen, len(*env.Hash))
		}
		return Solution{Nonce: *env.Nonce, Hash: *env.Hash}, nil

	case TypeComplete:
		if env.HashesComputed == nil || env.DurationMS == nil {
			return nil, fmt.Errorf("%w: complete missing accounting fields", ErrMalformed)
		}
		return Complete{HashesComputed: *env.HashesComputed, DurationMS: *env.DurationMS}, nil

	case TypeStop:
		return Stop{}, nil
	case TypeStopped:
		return Stopped{}, nil
	case TypeQueryInfo:
		return QueryInfo{}, nil
	case TypeShutdown:
		return Shutdown{}, nil

	case TypeInfo:
		return Info{GPUs: env.GPUs}, nil

	case TypeError:
		if env.Message == nil {
			return nil, fmt.Errorf("%w: error missing message", ErrMalformed)
		}
		return WorkerError{Message: *env.Message}, nil

	default:
		raw := make([]byte, len(line))
		copy(raw, line)
		return Unknown{Tag: env.Type, Raw: raw}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
