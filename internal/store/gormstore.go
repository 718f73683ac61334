package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// elementSequenceRow is the element_sequence table: one row per element,
// holding the next sequence number that has not yet been handed out.
type elementSequenceRow struct {
	Element uint16 `gorm:"primaryKey"`
	NextSeq uint32
}

func (elementSequenceRow) TableName() string { return "element_sequence" }

// ivIndexStateRow is the iv_index_state table. It is a singleton: ID is
// always 1.
type ivIndexStateRow struct {
	ID             uint `gorm:"primaryKey"`
	Index          uint32
	UpdateActive   bool
	LastTransition time.Time
}

func (ivIndexStateRow) TableName() string { return "iv_index_state" }

// GormStore is the SequenceStore implementation backed by an embedded
// gorm.io/driver/sqlite database, per SPEC_FULL.md §4.I. Every NextSeq call
// runs inside a transaction so the durable counter advances strictly before
// the caller is allowed to build the corresponding network PDU.
type GormStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// OpenGormStore opens (creating if necessary) a sqlite database at dsn and
// auto-migrates the element_sequence and iv_index_state tables.
func OpenGormStore(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn is required")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&elementSequenceRow{}, &ivIndexStateRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NextSeq allocates and durably records the next 24-bit sequence number for
// element.
func (s *GormStore) NextSeq(element ElementAddress) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var allocated uint32
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row elementSequenceRow
		err := tx.Where("element = ?", uint16(element)).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = elementSequenceRow{Element: uint16(element), NextSeq: 0}
		case err != nil:
			return err
		}

		if row.NextSeq > 0xFFFFFF {
			return fmt.Errorf("store: sequence counter exhausted for element %#04x", element)
		}
		allocated = row.NextSeq
		row.NextSeq++
		return tx.Save(&row).Error
	})
	if err != nil {
		return 0, err
	}
	return allocated, nil
}

// LoadIVIndex returns the persisted IV-Index state, or the zero state if
// none has ever been saved.
func (s *GormStore) LoadIVIndex() (IvIndexState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row ivIndexStateRow
	err := s.db.First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return IvIndexState{}, nil
	}
	if err != nil {
		return IvIndexState{}, err
	}
	return IvIndexState{
		Index:          row.Index,
		UpdateActive:   row.UpdateActive,
		LastTransition: row.LastTransition,
	}, nil
}

// SaveIVIndex persists the current IV-Index state, overwriting any previous
// value.
func (s *GormStore) SaveIVIndex(state IvIndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := ivIndexStateRow{
		ID:             1,
		Index:          state.Index,
		UpdateActive:   state.UpdateActive,
		LastTransition: state.LastTransition,
	}
	return s.db.Save(&row).Error
}

// Close releases the underlying database handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
