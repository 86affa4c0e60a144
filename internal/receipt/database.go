package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	expenseBucketName = "expenses"
	coupleIndexBucket = "expenses_by_couple"
)

// ExpenseStore defines the structured record store for expenses
type ExpenseStore interface {
	// SaveExpense creates or replaces an expense
	SaveExpense(expense *Expense) error

	// GetExpense retrieves an expense by ID
	GetExpense(id string) (*Expense, error)

	// UpdateExpense applies fn to the stored expense and saves the result atomically
	UpdateExpense(id string, fn func(*Expense) error) (*Expense, error)

	// ListExpenses returns the expenses of a couple, newest first
	ListExpenses(coupleID string) ([]*Expense, error)

	// DeleteExpense removes an expense
	DeleteExpense(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements ExpenseStore using BoltDB. A second bucket indexes
// expense IDs by couple so listing never scans other couples' records.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(expenseBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(coupleIndexBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func indexKey(coupleID, id string) []byte {
	return []byte(coupleID + "\x00" + id)
}

func putExpense(tx *bbolt.Tx, expense *Expense) error {
	data, err := json.Marshal(expense)
	if err != nil {
		return fmt.Errorf("marshaling expense: %w", err)
	}
	if err := tx.Bucket([]byte(expenseBucketName)).Put([]byte(expense.ID), data); err != nil {
		return err
	}
	return tx.Bucket([]byte(coupleIndexBucket)).Put(indexKey(expense.CoupleID, expense.ID), nil)
}

func getExpense(tx *bbolt.Tx, id string) (*Expense, error) {
	data := tx.Bucket([]byte(expenseBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("expense %s: %w", id, ErrNotFound)
	}
	var expense Expense
	if err := json.Unmarshal(data, &expense); err != nil {
		return nil, fmt.Errorf("unmarshaling expense: %w", err)
	}
	return &expense, nil
}

// SaveExpense saves an expense to the database
func (b *BoltDB) SaveExpense(expense *Expense) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if existing, err := getExpense(tx, expense.ID); err == nil && existing.CoupleID != expense.CoupleID {
			if err := tx.Bucket([]byte(coupleIndexBucket)).Delete(indexKey(existing.CoupleID, existing.ID)); err != nil {
				return err
			}
		}
		return putExpense(tx, expense)
	})
}

// GetExpense retrieves an expense by ID
func (b *BoltDB) GetExpense(id string) (*Expense, error) {
	var expense *Expense
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		expense, err = getExpense(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

// UpdateExpense reads, modifies and writes an expense in one transaction
func (b *BoltDB) UpdateExpense(id string, fn func(*Expense) error) (*Expense, error) {
	var updated *Expense
	err := b.db.Update(func(tx *bbolt.Tx) error {
		expense, err := getExpense(tx, id)
		if err != nil {
			return err
		}
		coupleID := expense.CoupleID
		if err := fn(expense); err != nil {
			return err
		}
		// identity fields are fixed once created
		expense.ID = id
		expense.CoupleID = coupleID
		updated = expense
		return putExpense(tx, expense)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListExpenses returns all expenses of a couple
func (b *BoltDB) ListExpenses(coupleID string) ([]*Expense, error) {
	expenses := make([]*Expense, 0)
	prefix := []byte(coupleID + "\x00")
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(coupleIndexBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			expense, err := getExpense(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			expenses = append(expenses, expense)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(expenses, func(i, j int) bool {
		return expenses[i].CreatedAt.After(expenses[j].CreatedAt)
	})
	return expenses, nil
}

// DeleteExpense removes an expense from the database
func (b *BoltDB) DeleteExpense(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		expense, err := getExpense(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(coupleIndexBucket)).Delete(indexKey(expense.CoupleID, id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(expenseBucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
