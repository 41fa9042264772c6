package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trackwise/backend/internal/models"
)

type TransactionService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// AddTransactionRequest represents the ledger-add payload
type AddTransactionRequest struct {
	UserID      int             `json:"userId" validate:"required"`
	Category    string          `json:"category" validate:"required"`
	Type        string          `json:"type" validate:"required,oneof=income expense"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date" validate:"required"`
	Description string          `json:"description" validate:"max=500"`
}

func NewTransactionService(db *sql.DB) *TransactionService {
	return &TransactionService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// AddTransaction records an income or expense entry and adjusts the owning
// user's cached balance. Both writes happen inside one SQL transaction with
// set-based increments, so a crash between them cannot leave the balance out
// of step with the ledger and concurrent adds cannot lose updates.
func (ts *TransactionService) AddTransaction(w http.ResponseWriter, r *http.Request) {
	var req AddTransactionRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid input data", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Invalid input data", http.StatusBadRequest, err)
		return
	}

	if !req.Amount.IsPositive() {
		SendErrorResponse(w, "Invalid input data", http.StatusBadRequest, errors.New("amount must be a positive number"))
		return
	}

	tx := models.Transaction{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Category:    req.Category,
		Type:        req.Type,
		Amount:      req.Amount,
		Date:        req.Date,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[LEDGER] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to add transaction", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	var exists bool
	if err := dbTx.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", req.UserID).Scan(&exists); err != nil {
		log.Printf("[LEDGER] User lookup failed for %d: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to add transaction", http.StatusInternalServerError, nil)
		return
	}
	if !exists {
		SendErrorResponse(w, "User not found. Please log in again.", http.StatusNotFound, nil)
		return
	}

	if _, err := dbTx.Exec(`
        INSERT INTO transactions (id, user_id, category, type, amount, date, description, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, tx.ID, tx.UserID, tx.Category, tx.Type, tx.Amount, tx.Date, tx.Description, tx.CreatedAt); err != nil {
		log.Printf("[LEDGER] Failed to store transaction for user %d: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to add transaction", http.StatusInternalServerError, nil)
		return
	}

	if err := ts.applyBalanceDelta(dbTx, tx.UserID, tx.SignedAmount(), expenseDelta(&tx)); err != nil {
		log.Printf("[LEDGER] Failed to adjust balance for user %d: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to add transaction", http.StatusInternalServerError, nil)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LEDGER] Failed to commit transaction: %v", err)
		SendErrorResponse(w, "Failed to add transaction", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[LEDGER] Transaction %s saved for user %d: %s %s", tx.ID, tx.UserID, tx.Type, tx.Amount)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tx)
}

// DeleteTransaction removes a ledger entry and reverses its balance
// adjustment, the symmetric inverse of AddTransaction.
func (ts *TransactionService) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		SendErrorResponse(w, "Invalid transaction ID format", http.StatusBadRequest, nil)
		return
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[LEDGER] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to delete transaction", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	var tx models.Transaction
	err = dbTx.QueryRow(`
        SELECT id, user_id, type, amount FROM transactions WHERE id = $1 FOR UPDATE
    `, id).Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[LEDGER] Failed to fetch transaction %s: %v", id, err)
		SendErrorResponse(w, "Failed to delete transaction", http.StatusInternalServerError, nil)
		return
	}

	if err := ts.applyBalanceDelta(dbTx, tx.UserID, tx.SignedAmount().Neg(), expenseDelta(&tx).Neg()); err != nil {
		log.Printf("[LEDGER] Failed to reverse balance for user %d: %v", tx.UserID, err)
		SendErrorResponse(w, "Failed to delete transaction", http.StatusInternalServerError, nil)
		return
	}

	if _, err := dbTx.Exec("DELETE FROM transactions WHERE id = $1", id); err != nil {
		log.Printf("[LEDGER] Failed to delete transaction %s: %v", id, err)
		SendErrorResponse(w, "Failed to delete transaction", http.StatusInternalServerError, nil)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LEDGER] Failed to commit delete: %v", err)
		SendErrorResponse(w, "Failed to delete transaction", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[LEDGER] Transaction %s deleted, balance reversed for user %d", id, tx.UserID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Transaction deleted"})
}

// ListTransactions returns all ledger entries for a user, newest first.
// Read-only projection with no side effects.
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID format", http.StatusBadRequest, nil)
		return
	}

	rows, err := ts.db.Query(`
        SELECT id, user_id, category, type, amount, date, description, created_at
        FROM transactions
        WHERE user_id = $1
        ORDER BY date DESC, created_at DESC
    `, userID)
	if err != nil {
		log.Printf("[LEDGER] Failed to fetch transactions for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Category, &tx.Type, &tx.Amount, &tx.Date, &tx.Description, &tx.CreatedAt); err != nil {
			log.Printf("[LEDGER] Failed to scan transaction row: %v", err)
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// GetBalanceSummary returns the cached running balance and cumulative spend.
func (ts *TransactionService) GetBalanceSummary(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID format", http.StatusBadRequest, nil)
		return
	}

	var currentBalance, totalSpent decimal.Decimal
	err = ts.db.QueryRow(
		"SELECT current_balance, total_amount_spent FROM users WHERE id = $1",
		userID,
	).Scan(&currentBalance, &totalSpent)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[LEDGER] Balance fetch failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"currentBalance":   currentBalance,
		"totalAmountSpent": totalSpent,
	})
}

// applyBalanceDelta bumps the user's cached totals with set-based increments.
// balanceDelta is signed; spentDelta is non-zero only for expense entries.
func (ts *TransactionService) applyBalanceDelta(dbTx *sql.Tx, userID int, balanceDelta, spentDelta decimal.Decimal) error {
	result, err := dbTx.Exec(`
        UPDATE users
        SET current_balance = current_balance + $1,
            total_amount_spent = total_amount_spent + $2,
            updated_at = NOW()
        WHERE id = $3
    `, balanceDelta, spentDelta, userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return errors.New("user row missing during balance update")
	}

	return nil
}

func expenseDelta(tx *models.Transaction) decimal.Decimal {
	if tx.Type == models.TransactionTypeExpense {
		return tx.Amount
	}
	return decimal.Zero
}
