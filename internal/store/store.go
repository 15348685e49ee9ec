// Package store persists transfer outcomes in a sqlite journal.
package store

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Journal struct {
	DB *gorm.DB
}

func NewJournal(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, err
	}
	return &Journal{DB: db}, nil
}

func (j *Journal) Record(t *Transfer) error {
	return j.DB.Create(t).Error
}

// Recent returns the latest journaled transfers, newest first.
func (j *Journal) Recent(limit int) ([]Transfer, error) {
	var transfers []Transfer
	err := j.DB.Order("id desc").Limit(limit).Find(&transfers).Error
	return transfers, err
}
