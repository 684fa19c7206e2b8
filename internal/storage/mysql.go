package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"panelforge/internal/config"
	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

// MySQLStore persists panels and their generated images. It implements the
// panel service contract the core consumes.
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.Panel{}, &models.GeneratedImage{}); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction helper
func (s *MySQLStore) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// CreatePanel inserts a new panel row.
func (s *MySQLStore) CreatePanel(ctx context.Context, panel *models.Panel) error {
	return s.db.WithContext(ctx).Create(panel).Error
}

// ListPanels returns a project's panels in sequence order.
func (s *MySQLStore) ListPanels(ctx context.Context, projectID string) ([]models.Panel, error) {
	var panels []models.Panel
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("sequence asc").
		Find(&panels).Error
	return panels, err
}

// GetPanel returns one panel by id.
func (s *MySQLStore) GetPanel(ctx context.Context, panelID string) (*models.Panel, error) {
	var panel models.Panel
	err := s.db.WithContext(ctx).First(&panel, "id = ?", panelID).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &panel, nil
}

// GetSelectedOutput returns the panel's currently selected generated image.
func (s *MySQLStore) GetSelectedOutput(ctx context.Context, panelID string) (*models.GeneratedImage, error) {
	panel, err := s.GetPanel(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if panel.SelectedImageID == "" {
		return nil, interfaces.ErrNotFound
	}

	var img models.GeneratedImage
	if err := s.db.WithContext(ctx).First(&img, "id = ?", panel.SelectedImageID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &img, nil
}

// CreateGeneratedImage records a new output for a panel.
func (s *MySQLStore) CreateGeneratedImage(ctx context.Context, img *models.GeneratedImage) error {
	return s.db.WithContext(ctx).Create(img).Error
}

// SelectOutput marks one generated image as the panel's selected output. The
// image must belong to the panel.
func (s *MySQLStore) SelectOutput(ctx context.Context, panelID, imageID string) error {
	return s.WithTx(func(tx *gorm.DB) error {
		var img models.GeneratedImage
		if err := tx.WithContext(ctx).First(&img, "id = ? AND panel_id = ?", imageID, panelID).Error; err != nil {
			return mapNotFound(err)
		}
		result := tx.WithContext(ctx).Model(&models.Panel{}).
			Where("id = ?", panelID).
			Update("selected_image_id", imageID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// mapNotFound translates gorm's missing-record error to the contract's
// sentinel.
func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return interfaces.ErrNotFound
	}
	return err
}
