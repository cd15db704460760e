package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"payops-agent/internal/controlloop"
	"payops-agent/internal/decisionlog"
	"payops-agent/internal/queue"
	"payops-agent/internal/schema"
)

// maxLineSize bounds one JSON line of input.
const maxLineSize = 1024 * 1024

// summary describes a finished replay.
type summary struct {
	Ticks        int                   `json:"ticks"`
	Transactions int                   `json:"transactions"`
	Invalid      int                   `json:"invalid"`
	Dropped      int                   `json:"dropped"`
	Signals      int                   `json:"signals"`
	Executed     int                   `json:"executed"`
	Blocked      map[string]int        `json:"blocked"`
	RolledBack   int                   `json:"rolled_back"`
	Thresholds   schema.ThresholdState `json:"thresholds"`
}

// readTransactions parses JSON lines from r, skipping lines that do not
// validate, and returns them ordered by timestamp. Missing IDs are derived
// from the line number so repeated replays are identical.
func readTransactions(r io.Reader, v *schema.Validator) ([]*schema.Transaction, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var txs []*schema.Transaction
	invalid := 0
	line := 0

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var tx schema.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			invalid++
			slog.Warn("skipping unparseable line", "line", line, "error", err)
			continue
		}
		if tx.ID == uuid.Nil {
			tx.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("payops-replay:%d", line)))
		}
		if err := v.Validate(&tx); err != nil {
			invalid++
			slog.Warn("skipping invalid transaction", "line", line, "error", err)
			continue
		}
		txs = append(txs, &tx)
	}
	if err := scanner.Err(); err != nil {
		return nil, invalid, fmt.Errorf("failed to read input: %w", err)
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})
	return txs, invalid, nil
}

// replay drives a controller over txs, one tick per TickInterval of
// transaction time, and writes every decision record to out as a JSON line.
// trailing extra ticks run after the input is exhausted.
func replay(ctx context.Context, settings controlloop.Settings, txs []*schema.Transaction, trailing int, out io.Writer) (summary, error) {
	sum := summary{Transactions: len(txs), Blocked: make(map[string]int)}
	if len(txs) == 0 {
		return sum, nil
	}

	c := controlloop.New(settings)
	enc := json.NewEncoder(out)
	interval := settings.Loop.TickInterval

	next := 0
	end := txs[0].Timestamp.Add(interval)
	extra := 0

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		for next < len(txs) && txs[next].Timestamp.Before(end) {
			if err := c.Enqueue(txs[next]); err != nil {
				if !errors.Is(err, queue.ErrQueueFull) {
					return sum, err
				}
				sum.Dropped++
			}
			next++
		}

		rec := c.Tick(ctx, end)
		sum.Ticks++
		tally(&sum, rec)

		if err := enc.Encode(rec); err != nil {
			return sum, fmt.Errorf("failed to write record: %w", err)
		}

		end = end.Add(interval)
		if next < len(txs) || c.Status().Feed.Depth > 0 {
			continue
		}
		if extra >= trailing {
			break
		}
		extra++
	}

	sum.Thresholds = c.Status().Thresholds
	return sum, nil
}

func tally(sum *summary, rec decisionlog.Record) {
	if rec.Signal != nil {
		sum.Signals++
	}
	if rec.Decision != nil {
		if rec.Decision.Executed() {
			sum.Executed++
		} else if rec.Decision.BlockedBy != "" {
			sum.Blocked[rec.Decision.BlockedBy]++
		}
	}
	if rec.Outcome != nil && rec.Outcome.RolledBack {
		sum.RolledBack++
	}
}
