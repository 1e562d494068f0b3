package order

import (
	"context"
	"fmt"

	xerrors "MCP-Trader/internal/errors"
)

func invalid(msg string) error {
	return xerrors.New(xerrors.CodeValidation, msg)
}

// Validate checks a request before anything is sent to the venue. hold is
// always valid. Live mode additionally checks cash for buys and holdings for
// sells.
func (m *Manager) Validate(ctx context.Context, req Request) error {
	switch req.Action {
	case ActionHold:
		return nil
	case ActionBuy, ActionSell:
	default:
		return invalid(fmt.Sprintf("Unsupported action: %s", req.Action))
	}
	if req.Ticker == "" {
		return invalid("Missing ticker symbol")
	}
	if req.Quantity <= 0 {
		return invalid("Invalid quantity")
	}
	if req.Confidence < m.opts.MinConfidence {
		return invalid(fmt.Sprintf("Confidence too low: %g", req.Confidence))
	}
	if m.opts.SimulationMode {
		return nil
	}

	if req.Action == ActionBuy {
		account, err := m.api.AccountInfo(ctx)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeValidation, err, "Validation error")
		}
		quote, err := m.api.Quote(ctx, req.Ticker)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeValidation, err, "Validation error")
		}
		required := quote.Price.Current * float64(req.Quantity)
		if required > account.Cash.Available {
			return invalid(fmt.Sprintf("Insufficient funds: required %g, available %g", required, account.Cash.Available))
		}
		return nil
	}

	positions, err := m.api.Positions(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "Validation error")
	}
	for _, p := range positions {
		if p.Ticker != req.Ticker {
			continue
		}
		if float64(req.Quantity) > p.Quantity {
			return invalid(fmt.Sprintf("Insufficient shares: required %d, available %g", req.Quantity, p.Quantity))
		}
		return nil
	}
	return invalid(fmt.Sprintf("No position found for ticker %s", req.Ticker))
}
