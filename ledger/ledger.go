// Package ledger executes the value transfers behind payment settlement.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NativeToken is the TokenID denoting the chain's native currency rather
// than a token contract.
const NativeToken = "native"

// TransferRequest describes one transfer to execute.
type TransferRequest struct {
	// TokenID is NativeToken or a token contract address.
	TokenID string
	// To is the destination account.
	To string
	// Amount is the transfer amount in whole token units.
	Amount float64
	// Memo is attached to the transfer where the ledger supports it.
	Memo string
}

// Receipt is the durable proof of an executed transfer.
type Receipt struct {
	TransactionID string
}

// Executor submits transfers to a ledger. Implementations must either return
// a receipt whose transaction id is final, or an error meaning the transfer
// did not take effect.
type Executor interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}

// MemoryExecutor settles transfers in memory. Used by local scenario runs
// and tests; supports failure injection.
type MemoryExecutor struct {
	mu        sync.Mutex
	transfers []TransferRequest
	failWith  error
}

// NewMemoryExecutor creates an executor that succeeds every transfer.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{}
}

// Transfer records the request and returns a synthetic transaction id.
func (m *MemoryExecutor) Transfer(_ context.Context, req TransferRequest) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return Receipt{}, m.failWith
	}
	m.transfers = append(m.transfers, req)
	return Receipt{TransactionID: "tx-" + uuid.NewString()[:8]}, nil
}

// SetFailure makes subsequent transfers fail with err; nil restores success.
func (m *MemoryExecutor) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Transfers returns the executed transfers in order.
func (m *MemoryExecutor) Transfers() []TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferRequest(nil), m.transfers...)
}

func (m *MemoryExecutor) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memory executor (%d transfers)", len(m.transfers))
}
