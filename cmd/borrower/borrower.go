package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cmwolfe/msgbook"
	"github.com/cmwolfe/msgbook/contracts"
	"github.com/cmwolfe/msgbook/internal/cli"
	"github.com/cmwolfe/msgbook/internal/config"
	"github.com/cmwolfe/msgbook/messaging"
)

// loanClientOptions returns the request side options for cfg. Replies arrive
// on a private queue per borrower unless sharedReplyQueue is set; a shared
// direct queue hands replies round-robin to every borrower consuming it, so
// it only works with a single borrower.
func loanClientOptions(cfg config.Config, sharedReplyQueue bool) []msgbook.ClientOption {
	opts := []msgbook.ClientOption{
		msgbook.WithRequestQueue(cfg.RequestQueue),
		msgbook.WithDefaultTimeout(cfg.RequestTimeout),
	}
	if sharedReplyQueue {
		opts = append(opts, msgbook.WithReplyQueue(cfg.ResponseQueue))
	}
	return opts
}

// Map fields of a loan request
const (
	salaryField     = "Salary"
	loanAmountField = "LoanAmount"
)

var errMalformedRequest = errors.New("expected: salary, loan amount")

type requester interface {
	SendRequest(ctx context.Context, request contracts.Message, timeout time.Duration) (contracts.Message, error)
}

// parseLoanRequest reads a "salary, loanAmount" line
func parseLoanRequest(line string) (salary, amount float64, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, errMalformedRequest
	}
	if salary, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid salary %q: %w", strings.TrimSpace(parts[0]), err)
	}
	if amount, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid loan amount %q: %w", strings.TrimSpace(parts[1]), err)
	}
	return salary, amount, nil
}

func newLoanRequest(salary, amount float64) contracts.Message {
	return contracts.NewMapMessage(map[string]any{
		salaryField:     salary,
		loanAmountField: amount,
	})
}

// describeOutcome renders the result of a loan request for the console
func describeOutcome(reply contracts.Message, err error) string {
	switch {
	case err == nil:
		return "Loan request was " + reply.Payload.String()
	case messaging.IsTimeout(err):
		return "QLender not responding"
	case messaging.IsTransport(err):
		return fmt.Sprintf("Could not send loan request: %v", err)
	default:
		return fmt.Sprintf("Loan request failed: %v", err)
	}
}

func printBanner(out io.Writer) {
	fmt.Fprintln(out, "QBorrower Application Started")
	fmt.Fprintln(out, "Press enter to quit application")
	fmt.Fprintln(out, "Enter: Salary, Loan Amount")
	fmt.Fprintln(out, "\ne.g. 50000, 120000")
}

// runBorrower sends one loan request per input line until a blank line,
// EOF or ctx is done
func runBorrower(ctx context.Context, r requester, timeout time.Duration, in io.Reader, out io.Writer) error {
	printBanner(out)
	lines := cli.Lines(ctx, in)
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}

		salary, amount, err := parseLoanRequest(line)
		if err != nil {
			fmt.Fprintf(out, "Invalid loan request: %v\n", err)
			continue
		}

		reply, err := r.SendRequest(ctx, newLoanRequest(salary, amount), timeout)
		if errors.Is(err, messaging.ErrCancelled) && ctx.Err() != nil {
			return nil
		}
		fmt.Fprintln(out, describeOutcome(reply, err))
	}
}
