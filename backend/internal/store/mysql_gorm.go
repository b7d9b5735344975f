package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"gomflowCollab/backend/internal/entity"
)

// InitMySQL 打开连接并建表。句柄由调用方持有并注入各个 store，不做包级全局
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&entity.CollabRecord{}, &EditOperation{}); err != nil {
		return nil, err
	}
	return db, nil
}
