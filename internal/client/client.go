// Package client talks to the ledger backend over its HTTP+JSON contract.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/pkg/errors"
)

const (
	requestIDHeader = "X-Request-ID"
	maxErrorBody    = 512
)

// Backend operation names, used in errors and metrics.
const (
	OpFetchChain  = "fetch_chain"
	OpFetchShard  = "fetch_shard"
	OpSubmit      = "submit"
	OpSubmitBatch = "submit_batch"
	OpCrossShard  = "cross_shard"
	OpStatus      = "status"
	OpAssignShard = "assign_shard"
	OpReset       = "reset"
	OpLogs        = "logs"
	OpExecute     = "execute"
	OpConflicts   = "conflicts"
)

// ErrMalformedResponse is returned when an accepted request yields a reply
// that cannot be used, e.g. a submit reply without a transaction id.
var ErrMalformedResponse = errors.New("malformed backend response")

// BackendError is a non-2xx reply from the backend.
type BackendError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// RequestObserver receives the outcome of every backend call.
type RequestObserver interface {
	ObserveRequest(op string, elapsed time.Duration, err error)
}

// Option customises a Client.
type Option func(*Client)

// WithObserver reports request outcomes to o.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.rc = resty.NewWithClient(h) }
}

// Client is a resty-backed ledger backend client. It is safe for concurrent use.
type Client struct {
	rc       *resty.Client
	observer RequestObserver
}

// New builds a client for cfg. Only GET requests are retried, so a submit is
// never sent twice.
func New(cfg config.ClientConfig, opts ...Option) *Client {
	c := &Client{rc: resty.New()}
	for _, opt := range opts {
		opt(c)
	}

	c.rc.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(int(cfg.MaxRetries)).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryIdempotent).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if r.Header.Get(requestIDHeader) == "" {
				r.SetHeader(requestIDHeader, uuid.NewString())
			}
			return nil
		})
	return c
}

func retryIdempotent(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, op, method, path string, prepare func(*resty.Request)) ([]byte, error) {
	start := time.Now()
	body, err := c.execute(ctx, op, method, path, prepare)
	if c.observer != nil {
		c.observer.ObserveRequest(op, time.Since(start), err)
	}
	return body, err
}

func (c *Client) execute(ctx context.Context, op, method, path string, prepare func(*resty.Request)) ([]byte, error) {
	req := c.rc.R().SetContext(ctx)
	if prepare != nil {
		prepare(req)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", op, err)
	}
	if resp.IsError() {
		return nil, &BackendError{Op: op, StatusCode: resp.StatusCode(), Body: excerpt(resp.Body())}
	}
	return resp.Body(), nil
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// FetchChain returns every block. A body that is not a JSON array yields an
// empty chain, and individual records that fail to decode are skipped.
func (c *Client) FetchChain(ctx context.Context) ([]models.Block, error) {
	body, err := c.do(ctx, OpFetchChain, http.MethodGet, "/blockchain", nil)
	if err != nil {
		return nil, err
	}
	return decodeBlocks(OpFetchChain, body), nil
}

// FetchShard returns the blocks of one shard.
func (c *Client) FetchShard(ctx context.Context, shardID int) ([]models.Block, error) {
	body, err := c.do(ctx, OpFetchShard, http.MethodGet, "/blockchain/shard", func(r *resty.Request) {
		r.SetQueryParam("shardID", strconv.Itoa(shardID))
	})
	if err != nil {
		return nil, err
	}
	return decodeBlocks(OpFetchShard, body), nil
}

func decodeBlocks(op string, body []byte) []models.Block {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("Backend returned a non-array chain, treating it as empty", "op", op, "error", err)
		return []models.Block{}
	}
	blocks := make([]models.Block, 0, len(raw))
	for i, r := range raw {
		var b models.Block
		if err := json.Unmarshal(r, &b); err != nil {
			slog.Warn("Skipping malformed block record", "op", op, "position", i, "error", err)
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// SubmitTransaction posts a single transaction and returns its id.
func (c *Client) SubmitTransaction(ctx context.Context, tx models.TransactionRequest) (string, error) {
	body, err := c.do(ctx, OpSubmit, http.MethodPost, "/addTransaction", func(r *resty.Request) {
		r.SetBody(tx)
	})
	if err != nil {
		return "", err
	}
	var out models.TransactionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.WithMessage(ErrMalformedResponse, err.Error())
	}
	if out.TransactionID == "" {
		return "", errors.WithMessage(ErrMalformedResponse, "missing transactionID")
	}
	return out.TransactionID, nil
}

// SubmitBatch posts one batch of transactions and returns the assigned ids.
// A reply without an id list is logged and yields no ids.
func (c *Client) SubmitBatch(ctx context.Context, entries []models.BatchEntry) ([]string, error) {
	body, err := c.do(ctx, OpSubmitBatch, http.MethodPost, "/shardTransactions", func(r *resty.Request) {
		r.SetBody(models.BatchRequest{Transactions: entries})
	})
	if err != nil {
		return nil, err
	}
	var out models.BatchResponse
	if err := json.Unmarshal(body, &out); err != nil || out.TransactionIDs == nil {
		slog.Warn("Batch reply carried no transaction ids", "entries", len(entries), "error", err)
		return []string{}, nil
	}
	return out.TransactionIDs, nil
}

// SubmitCrossShard posts a cross-shard transaction and returns the backend message.
func (c *Client) SubmitCrossShard(ctx context.Context, tx models.CrossShardRequest) (string, error) {
	body, err := c.do(ctx, OpCrossShard, http.MethodPost, "/crossShardTransaction", func(r *resty.Request) {
		r.SetBody(tx)
	})
	if err != nil {
		return "", err
	}
	return decodeMessage(OpCrossShard, body), nil
}

// TransactionStatus polls the status of one transaction. A reply without a
// status is treated as still pending.
func (c *Client) TransactionStatus(ctx context.Context, id string) (models.TxStatus, error) {
	body, err := c.do(ctx, OpStatus, http.MethodGet, "/transactionStatus/{id}", func(r *resty.Request) {
		r.SetPathParam("id", id)
	})
	if err != nil {
		return "", err
	}
	var out models.StatusResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		slog.Warn("Status reply carried no status, keeping transaction pending", "id", id, "error", err)
		return models.StatusPending, nil
	}
	return out.Status, nil
}

// AssignNodesToShard moves nodes into a shard.
func (c *Client) AssignNodesToShard(ctx context.Context, shardID int, nodes []models.NodeID) error {
	_, err := c.do(ctx, OpAssignShard, http.MethodPost, "/assignNodesToShard", func(r *resty.Request) {
		r.SetBody(models.AssignShardRequest{ShardID: shardID, Nodes: nodes})
	})
	return err
}

// ResetChain collapses every node back into a single shard.
func (c *Client) ResetChain(ctx context.Context) error {
	_, err := c.do(ctx, OpReset, http.MethodPost, "/resetBlockchain", nil)
	return err
}

type logsEnvelope struct {
	Logs json.RawMessage `json:"logs"`
}

type logRecord struct {
	TxID               string  `json:"txID"`
	Source             int     `json:"source"`
	Target             int     `json:"target"`
	Type               string  `json:"type"`
	ExecTime           float64 `json:"execTime"`
	FinalityTime       float64 `json:"finalityTime"`
	PropagationLatency float64 `json:"propagationLatency"`
	TPS                float64 `json:"tps"`
	Timestamp          string  `json:"timestamp"`
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// TransactionLogs returns the backend transaction log. A reply whose logs
// field is not an array yields an empty log.
func (c *Client) TransactionLogs(ctx context.Context) ([]models.TransactionLog, error) {
	body, err := c.do(ctx, OpLogs, http.MethodGet, "/transactionLogs", nil)
	if err != nil {
		return nil, err
	}

	var env logsEnvelope
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("Transaction log reply is not an object, treating it as empty", "error", err)
		return []models.TransactionLog{}, nil
	}
	if err := json.Unmarshal(env.Logs, &raw); err != nil {
		slog.Warn("Transaction log reply has no logs array, treating it as empty", "error", err)
		return []models.TransactionLog{}, nil
	}

	logs := make([]models.TransactionLog, 0, len(raw))
	for i, r := range raw {
		var rec logRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			slog.Warn("Skipping malformed transaction log record", "position", i, "error", err)
			continue
		}
		logs = append(logs, models.TransactionLog{
			TxID:               rec.TxID,
			Source:             rec.Source,
			Target:             rec.Target,
			Type:               rec.Type,
			ExecTime:           rec.ExecTime,
			FinalityTime:       rec.FinalityTime,
			PropagationLatency: rec.PropagationLatency,
			TPS:                rec.TPS,
			Timestamp:          parseTimestamp(rec.Timestamp),
		})
	}
	return logs, nil
}

// ExecuteRun starts a backend benchmark run (models.RunSharded, models.RunNonSharded or models.RunStress).
func (c *Client) ExecuteRun(ctx context.Context, option int) (string, error) {
	body, err := c.do(ctx, OpExecute, http.MethodPost, "/executeTransaction", func(r *resty.Request) {
		r.SetBody(models.ExecuteRequest{Option: option})
	})
	if err != nil {
		return "", err
	}
	return decodeMessage(OpExecute, body), nil
}

// Conflicts returns the concurrency conflicts recorded by the backend.
func (c *Client) Conflicts(ctx context.Context) (models.ConflictsResponse, error) {
	body, err := c.do(ctx, OpConflicts, http.MethodGet, "/conflicts", nil)
	if err != nil {
		return models.ConflictsResponse{}, err
	}
	var out models.ConflictsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		slog.Warn("Conflicts reply is malformed, treating it as empty", "error", err)
		return models.ConflictsResponse{Conflicts: []models.Conflict{}}, nil
	}
	return out, nil
}

func decodeMessage(op string, body []byte) string {
	var out models.MessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		slog.Warn("Backend reply carried no message", "op", op, "error", err)
		return ""
	}
	return out.Message
}
