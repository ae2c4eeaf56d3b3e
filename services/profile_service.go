package services

import (
	"context"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// ScheduleSyncer 配置变化后重新登记定时计划
type ScheduleSyncer interface {
	SyncProfile(profileID uint) error
}

// ProfileService 管理备份配置及其文件规则
type ProfileService struct {
	db        *gorm.DB
	scheduler ScheduleSyncer
}

// NewProfileService 创建备份配置服务，scheduler 可以为 nil
func NewProfileService(db *gorm.DB, scheduler ScheduleSyncer) *ProfileService {
	return &ProfileService{db: db, scheduler: scheduler}
}

// ProfileInput 创建或更新备份配置的参数
type ProfileInput struct {
	Name              string `json:"name"`
	ServerID          uint   `json:"server_id"`
	StorageLocationID uint   `json:"storage_location_id"`
	NamingRuleID      uint   `json:"naming_rule_id"`
	ScheduleCron      string `json:"schedule_cron"`
	RetentionDays     *int   `json:"retention_days"`
	Enabled           *bool  `json:"enabled"`
}

func (s *ProfileService) validate(ctx context.Context, in *ProfileInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.ScheduleCron = strings.TrimSpace(in.ScheduleCron)
	if in.Name == "" {
		return invalidf("name 不能为空")
	}
	if in.RetentionDays != nil && *in.RetentionDays < 0 {
		return invalidf("retention_days 不能为负数")
	}
	if in.ScheduleCron != "" {
		if _, err := ParseSchedule(in.ScheduleCron); err != nil {
			return invalidf("无效的 cron 表达式 %q: %v", in.ScheduleCron, err)
		}
	}

	refs := []struct {
		name  string
		id    uint
		model interface{}
	}{
		{"server_id", in.ServerID, &models.Server{}},
		{"storage_location_id", in.StorageLocationID, &models.StorageLocation{}},
		{"naming_rule_id", in.NamingRuleID, &models.NamingRule{}},
	}
	for _, ref := range refs {
		var count int64
		if err := s.db.WithContext(ctx).Model(ref.model).Where("id = ?", ref.id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return invalidf("%s 不存在: %d", ref.name, ref.id)
		}
	}
	return nil
}

// List 列出备份配置
func (s *ProfileService) List(ctx context.Context) ([]models.BackupProfile, error) {
	var profiles []models.BackupProfile
	err := s.db.WithContext(ctx).
		Preload("Server").
		Preload("StorageLocation").
		Preload("NamingRule").
		Order("name ASC").
		Find(&profiles).Error
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		sanitizeProfile(&profiles[i])
	}
	return profiles, nil
}

// Get 获取备份配置及其命令和文件规则
func (s *ProfileService) Get(ctx context.Context, id uint) (*models.BackupProfile, error) {
	profile, err := LoadProfileForRun(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	sanitizeProfile(profile)
	return profile, nil
}

// Create 创建备份配置
func (s *ProfileService) Create(ctx context.Context, in ProfileInput) (*models.BackupProfile, error) {
	if err := s.validate(ctx, &in); err != nil {
		return nil, err
	}

	profile := &models.BackupProfile{
		Name:              in.Name,
		ServerID:          in.ServerID,
		StorageLocationID: in.StorageLocationID,
		NamingRuleID:      in.NamingRuleID,
		ScheduleCron:      in.ScheduleCron,
		RetentionDays:     in.RetentionDays,
		Enabled:           true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(profile).Error; err != nil {
			return err
		}
		// enabled 字段带默认值，false 需要单独写入
		if in.Enabled != nil && !*in.Enabled {
			return tx.Model(profile).Update("enabled", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.syncSchedule(profile.ID)
	return s.Get(ctx, profile.ID)
}

// Update 更新备份配置
func (s *ProfileService) Update(ctx context.Context, id uint, in ProfileInput) (*models.BackupProfile, error) {
	var profile models.BackupProfile
	if err := s.db.WithContext(ctx).First(&profile, id).Error; err != nil {
		return nil, err
	}
	if err := s.validate(ctx, &in); err != nil {
		return nil, err
	}

	enabled := profile.Enabled
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	err := s.db.WithContext(ctx).Model(&profile).Updates(map[string]interface{}{
		"name":                in.Name,
		"server_id":           in.ServerID,
		"storage_location_id": in.StorageLocationID,
		"naming_rule_id":      in.NamingRuleID,
		"schedule_cron":       in.ScheduleCron,
		"retention_days":      in.RetentionDays,
		"enabled":             enabled,
	}).Error
	if err != nil {
		return nil, err
	}

	s.syncSchedule(id)
	return s.Get(ctx, id)
}

func (s *ProfileService) syncSchedule(profileID uint) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.SyncProfile(profileID); err != nil {
		log.Warn().Err(err).Uint("profile_id", profileID).Msg("⚠️ 更新定时计划失败")
	}
}

func sanitizeProfile(p *models.BackupProfile) {
	if p.Server != nil {
		server := p.Server.Sanitized()
		p.Server = &server
	}
}

// FileRuleInput 创建或更新文件规则的参数；RunOrder 为 0 表示排在最后
type FileRuleInput struct {
	RemotePath     string `json:"remote_path"`
	Recursive      bool   `json:"recursive"`
	ExcludePattern string `json:"exclude_pattern"`
	RunOrder       int    `json:"run_order"`
}

func (in *FileRuleInput) validate() error {
	in.RemotePath = strings.TrimSpace(in.RemotePath)
	if in.RemotePath == "" || !path.IsAbs(in.RemotePath) {
		return invalidf("remote_path 必须是绝对路径: %q", in.RemotePath)
	}
	in.RemotePath = path.Clean(in.RemotePath)
	if in.RunOrder < 0 {
		return invalidf("run_order 不能为负数")
	}
	if _, err := parseExcludes(in.ExcludePattern); err != nil {
		return err
	}
	return nil
}

// ListFileRules 按顺序列出文件规则
func (s *ProfileService) ListFileRules(ctx context.Context, profileID uint) ([]models.FileRule, error) {
	if err := s.db.WithContext(ctx).First(&models.BackupProfile{}, profileID).Error; err != nil {
		return nil, err
	}
	var rules []models.FileRule
	err := s.db.WithContext(ctx).
		Where("backup_profile_id = ?", profileID).
		Order("run_order ASC, id ASC").
		Find(&rules).Error
	return rules, err
}

// CreateFileRule 添加文件规则
func (s *ProfileService) CreateFileRule(ctx context.Context, profileID uint, in FileRuleInput) (*models.FileRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	rule := &models.FileRule{
		BackupProfileID: profileID,
		RemotePath:      in.RemotePath,
		Recursive:       in.Recursive,
		ExcludePattern:  in.ExcludePattern,
		RunOrder:        in.RunOrder,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.BackupProfile{}, profileID).Error; err != nil {
			return err
		}
		if rule.RunOrder == 0 {
			var maxOrder int
			err := tx.Model(&models.FileRule{}).
				Where("backup_profile_id = ?", profileID).
				Select("COALESCE(MAX(run_order), 0)").
				Scan(&maxOrder).Error
			if err != nil {
				return err
			}
			rule.RunOrder = maxOrder + 1
		}
		return tx.Create(rule).Error
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateFileRule 更新文件规则
func (s *ProfileService) UpdateFileRule(ctx context.Context, profileID, ruleID uint, in FileRuleInput) (*models.FileRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule, err := s.fileRule(ctx, profileID, ruleID)
	if err != nil {
		return nil, err
	}

	rule.RemotePath = in.RemotePath
	rule.Recursive = in.Recursive
	rule.ExcludePattern = in.ExcludePattern
	if in.RunOrder > 0 {
		rule.RunOrder = in.RunOrder
	}
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteFileRule 删除文件规则，已有的备份文件不受影响
func (s *ProfileService) DeleteFileRule(ctx context.Context, profileID, ruleID uint) error {
	rule, err := s.fileRule(ctx, profileID, ruleID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(rule).Error
}

func (s *ProfileService) fileRule(ctx context.Context, profileID, ruleID uint) (*models.FileRule, error) {
	var rule models.FileRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND backup_profile_id = ?", ruleID, profileID).
		First(&rule).Error
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
