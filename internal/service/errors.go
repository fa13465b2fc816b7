package service

import (
	"errors"

	"github.com/GooferByte/portfolio-ledger/internal/models"
)

var (
	ErrValidation             = errors.New("validation_error")
	ErrLedgerNotFound         = errors.New("ledger not found")
	ErrHoldingNotFound        = models.ErrHoldingNotFound
	ErrInvalidQuantity        = models.ErrInvalidQuantity
	ErrConflict               = errors.New("ledger was modified concurrently, retry")
	ErrReconciliationNotFound = errors.New("reconciliation not found")
)
