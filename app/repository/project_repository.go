package repository

import (
	"context"
	"strings"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"gorm.io/gorm"
)

type projectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a new project repository instance
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) GetByID(ctx context.Context, id uint) (*models.Project, error) {
	var p models.Project
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, "project %d", id)
	}
	return &p, nil
}

func (r *projectRepository) GetByStripeAccount(ctx context.Context, accountID string) (*models.Project, error) {
	var p models.Project
	err := r.db.WithContext(ctx).
		Where("stripe_account_id = ?", strings.TrimSpace(accountID)).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "project for connected account %q", accountID)
	}
	return &p, nil
}

func (r *projectRepository) GetPlan(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, notFound(err, "plan %d", id)
	}
	return &plan, nil
}

func (r *projectRepository) DefaultPlan(ctx context.Context, projectID uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND is_active = ?", projectID, true).
		Order("price ASC, id ASC").
		First(&plan).Error
	if err != nil {
		return nil, notFound(err, "active plan for project %d", projectID)
	}
	return &plan, nil
}
