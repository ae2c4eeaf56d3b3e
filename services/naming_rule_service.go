package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"backapp-server/models"
)

// NamingRuleService 管理命名规则
type NamingRuleService struct {
	db *gorm.DB
}

// NewNamingRuleService 创建命名规则服务
func NewNamingRuleService(db *gorm.DB) *NamingRuleService {
	return &NamingRuleService{db: db}
}

// NamingRuleInput 创建或更新命名规则的参数
type NamingRuleInput struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

func (in *NamingRuleInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Pattern = strings.TrimSpace(in.Pattern)
	if in.Name == "" {
		return invalidf("name 不能为空")
	}
	return ValidatePattern(in.Pattern)
}

// List 列出所有命名规则
func (s *NamingRuleService) List(ctx context.Context) ([]models.NamingRule, error) {
	var rules []models.NamingRule
	err := s.db.WithContext(ctx).Order("name ASC").Find(&rules).Error
	return rules, err
}

// Get 获取命名规则
func (s *NamingRuleService) Get(ctx context.Context, id uint) (*models.NamingRule, error) {
	var rule models.NamingRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// Create 创建命名规则
func (s *NamingRuleService) Create(ctx context.Context, in NamingRuleInput) (*models.NamingRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule := &models.NamingRule{Name: in.Name, Pattern: in.Pattern}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// Update 更新命名规则，只影响之后的执行
func (s *NamingRuleService) Update(ctx context.Context, id uint, in NamingRuleInput) (*models.NamingRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Name = in.Name
	rule.Pattern = in.Pattern
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}
