package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeRealizedPnl
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeRealizedPnl:
		return "realized_pnl"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from batch and position
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global call sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        *big.Int    // 18-decimal amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Block timestamp (epoch seconds)
}

// Batch represents the balanced set of journal entries of one call
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

var batchNamespace = uuid.MustParse("7d0b6c5e-2f1a-4c51-9a57-8e2a0f4c1b93")

// Seal stamps the batch and its journals with the committed sequence and
// derives their IDs, so a replay yields identical identifiers.
func (b *Batch) Seal(sequence int64) {
	b.Sequence = sequence
	b.BatchID = uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("batch:%d:%s", sequence, b.EventRef)))
	for i := range b.Journals {
		b.Journals[i].Sequence = sequence
		b.Journals[i].BatchID = b.BatchID
		b.Journals[i].JournalID = uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("journal:%d", i)))
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so every entry is balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
