package models

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// GenesisPreviousHash marks a block with no predecessor.
const GenesisPreviousHash = "0"

// FallbackShardID groups blocks whose shard id is missing or invalid.
const FallbackShardID = 0

// NodeID identifies a ledger node. Nodes are addressed by their block index.
type NodeID int

// NoNode is the zero-selection sentinel; block indexes are never negative.
const NoNode NodeID = -1

func (n NodeID) String() string {
	return strconv.Itoa(int(n))
}

// Block represents a ledger block as served by GET /blockchain.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    string        `json:"timestamp,omitempty"`
	ContainerID  string        `json:"container_id,omitempty"`
	Hash         string        `json:"hash"`
	PreviousHash string        `json:"previous_hash"`
	ShardID      int           `json:"shard_id"`
	Version      int           `json:"version,omitempty"`
	Transactions []Transaction `json:"transactions"`
}

// UnmarshalJSON decodes shard_id leniently. A missing, null or non-integer
// shard id becomes FallbackShardID instead of failing the whole block.
func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	aux := struct {
		*plain
		ShardID json.RawMessage `json:"shard_id"`
	}{plain: (*plain)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	b.ShardID = FallbackShardID
	if len(aux.ShardID) == 0 || string(aux.ShardID) == "null" {
		return nil
	}
	var id int
	if err := json.Unmarshal(aux.ShardID, &id); err != nil {
		slog.Warn("Block has an invalid shard id, using fallback shard", "index", b.Index, "shard_id", string(aux.ShardID), "fallback", FallbackShardID)
		return nil
	}
	b.ShardID = id
	return nil
}

// NodeID returns the node identifier of the block.
func (b Block) NodeID() NodeID {
	return NodeID(b.Index)
}

// IsGenesis reports whether the block carries the genesis previous hash sentinel.
func (b Block) IsGenesis() bool {
	return b.PreviousHash == GenesisPreviousHash
}

// Transaction represents a transaction recorded inside a block.
type Transaction struct {
	TransactionID string  `json:"transaction_id"`
	ContainerID   string  `json:"container_id,omitempty"`
	Timestamp     string  `json:"timestamp,omitempty"`
	Source        int     `json:"source"`
	Target        int     `json:"target"`
	Data          string  `json:"data"`
	Status        string  `json:"status,omitempty"`
	Type          string  `json:"type,omitempty"`
	ExecTime      float64 `json:"execTime,omitempty"`
}

// Transaction log types reported by the backend.
const (
	TxTypeSharded    = "Sharded"
	TxTypeNonSharded = "Non-Sharded"
)

// TransactionLog is one entry of GET /transactionLogs. Durations are milliseconds.
type TransactionLog struct {
	TxID               string    `json:"txID"`
	Source             int       `json:"source"`
	Target             int       `json:"target"`
	Type               string    `json:"type"`
	ExecTime           float64   `json:"execTime"`
	FinalityTime       float64   `json:"finalityTime"`
	PropagationLatency float64   `json:"propagationLatency"`
	TPS                float64   `json:"tps"`
	Timestamp          time.Time `json:"timestamp"`
}

// TxStatus is the backend-reported state of a submitted transaction.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusInProgress TxStatus = "in-progress"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
	// StatusExpired is assigned locally to ids that never resolved within the poll budget.
	StatusExpired TxStatus = "expired"
)

// Terminal reports whether no further polling is needed for the status.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// TransactionRequest is the body of POST /addTransaction.
type TransactionRequest struct {
	Source    NodeID   `json:"source"`
	Target    []NodeID `json:"target"`
	Data      string   `json:"data"`
	IsSharded bool     `json:"is_sharded"`
}

// TransactionResponse is the reply of POST /addTransaction.
type TransactionResponse struct {
	TransactionID string `json:"transactionID"`
	Message       string `json:"message,omitempty"`
	Status        string `json:"status,omitempty"`
}

// BatchEntry is one element of a POST /shardTransactions body.
type BatchEntry struct {
	Source []NodeID `json:"source"`
	Target []NodeID `json:"target"`
	Data   string   `json:"data"`
}

// BatchRequest is the body of POST /shardTransactions.
type BatchRequest struct {
	Transactions []BatchEntry `json:"transactions"`
}

// BatchResponse is the reply of POST /shardTransactions.
type BatchResponse struct {
	TransactionIDs []string `json:"transactionIDs"`
	Message        string   `json:"message,omitempty"`
}

// CrossShardRequest is the body of POST /crossShardTransaction.
type CrossShardRequest struct {
	Source NodeID   `json:"source"`
	Target []NodeID `json:"target"`
	Data   string   `json:"data,omitempty"`
}

// MessageResponse is a generic {message} reply.
type MessageResponse struct {
	Message string `json:"message"`
}

// StatusResponse is the reply of GET /transactionStatus/{id}.
type StatusResponse struct {
	TransactionID string   `json:"transaction_id,omitempty"`
	Status        TxStatus `json:"status"`
}

// AssignShardRequest is the body of POST /assignNodesToShard.
type AssignShardRequest struct {
	ShardID int      `json:"shard_id"`
	Nodes   []NodeID `json:"nodes"`
}

// Benchmark run options accepted by POST /executeTransaction.
const (
	RunSharded    = 1
	RunNonSharded = 2
	RunStress     = 3
)

// ExecuteRequest is the body of POST /executeTransaction.
type ExecuteRequest struct {
	Option int `json:"option"`
}

// Conflict is a concurrency conflict recorded by the backend.
type Conflict map[string]any

// ConflictsResponse is the reply of GET /conflicts.
type ConflictsResponse struct {
	Total     int        `json:"total_conflicts"`
	Conflicts []Conflict `json:"conflicts"`
}
