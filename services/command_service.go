package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"backapp-server/models"
)

// CommandService 管理备份配置的前置/后置命令，每个阶段内 run_order 始终为 1..n
type CommandService struct {
	db *gorm.DB
}

// NewCommandService 创建命令服务
func NewCommandService(db *gorm.DB) *CommandService {
	return &CommandService{db: db}
}

// CommandInput 创建或更新命令的参数；RunOrder 为 0 表示追加到末尾
type CommandInput struct {
	Command          string              `json:"command"`
	WorkingDirectory string              `json:"working_directory"`
	RunStage         models.CommandStage `json:"run_stage"`
	RunOrder         int                 `json:"run_order"`
}

func (in *CommandInput) validate() error {
	in.Command = strings.TrimSpace(in.Command)
	if in.Command == "" {
		return invalidf("command 不能为空")
	}
	if in.RunStage == "" {
		in.RunStage = models.CommandStagePre
	}
	if !in.RunStage.Valid() {
		return invalidf("run_stage 必须是 pre 或 post")
	}
	if in.RunOrder < 0 {
		return invalidf("run_order 不能为负数")
	}
	return nil
}

// List 按阶段和顺序列出命令
func (s *CommandService) List(ctx context.Context, profileID uint) ([]models.Command, error) {
	if err := s.db.WithContext(ctx).First(&models.BackupProfile{}, profileID).Error; err != nil {
		return nil, err
	}
	var commands []models.Command
	err := s.db.WithContext(ctx).
		Where("backup_profile_id = ?", profileID).
		Order("run_stage DESC, run_order ASC").
		Find(&commands).Error
	return commands, err
}

// Create 在指定位置插入命令，其后的命令顺延
func (s *CommandService) Create(ctx context.Context, profileID uint, in CommandInput) (*models.Command, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	cmd := &models.Command{
		BackupProfileID:  profileID,
		Command:          in.Command,
		WorkingDirectory: in.WorkingDirectory,
		RunStage:         in.RunStage,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.BackupProfile{}, profileID).Error; err != nil {
			return err
		}
		stage, err := loadStage(tx, profileID, in.RunStage)
		if err != nil {
			return err
		}
		cmd.RunOrder = len(stage) + 1
		if err := tx.Create(cmd).Error; err != nil {
			return err
		}
		return renumber(tx, insertAt(stage, *cmd, in.RunOrder))
	})
	if err != nil {
		return nil, err
	}
	return s.get(ctx, cmd.ID)
}

// Update 修改命令，可以在阶段之间移动或调整顺序
func (s *CommandService) Update(ctx context.Context, profileID, commandID uint, in CommandInput) (*models.Command, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cmd models.Command
		if err := tx.Where("backup_profile_id = ?", profileID).First(&cmd, commandID).Error; err != nil {
			return err
		}
		oldStage := cmd.RunStage

		cmd.Command = in.Command
		cmd.WorkingDirectory = in.WorkingDirectory
		cmd.RunStage = in.RunStage
		if err := tx.Model(&cmd).Updates(map[string]interface{}{
			"command":           cmd.Command,
			"working_directory": cmd.WorkingDirectory,
			"run_stage":         cmd.RunStage,
		}).Error; err != nil {
			return err
		}

		target := in.RunOrder
		if target == 0 && oldStage == in.RunStage {
			target = cmd.RunOrder
		}

		if oldStage != in.RunStage {
			old, err := loadStage(tx, profileID, oldStage)
			if err != nil {
				return err
			}
			if err := renumber(tx, without(old, cmd.ID)); err != nil {
				return err
			}
		}

		stage, err := loadStage(tx, profileID, in.RunStage)
		if err != nil {
			return err
		}
		return renumber(tx, insertAt(without(stage, cmd.ID), cmd, target))
	})
	if err != nil {
		return nil, err
	}
	return s.get(ctx, commandID)
}

// Delete 删除命令并收拢顺序
func (s *CommandService) Delete(ctx context.Context, profileID, commandID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cmd models.Command
		if err := tx.Where("backup_profile_id = ?", profileID).First(&cmd, commandID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&cmd).Error; err != nil {
			return err
		}
		stage, err := loadStage(tx, profileID, cmd.RunStage)
		if err != nil {
			return err
		}
		return renumber(tx, stage)
	})
}

func (s *CommandService) get(ctx context.Context, id uint) (*models.Command, error) {
	var cmd models.Command
	if err := s.db.WithContext(ctx).First(&cmd, id).Error; err != nil {
		return nil, err
	}
	return &cmd, nil
}

func loadStage(tx *gorm.DB, profileID uint, stage models.CommandStage) ([]models.Command, error) {
	var commands []models.Command
	err := tx.Where("backup_profile_id = ? AND run_stage = ?", profileID, stage).
		Order("run_order ASC, id ASC").
		Find(&commands).Error
	return commands, err
}

func without(commands []models.Command, id uint) []models.Command {
	out := make([]models.Command, 0, len(commands))
	for _, c := range commands {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

// insertAt 把命令放到第 pos 位（从 1 开始），越界时追加到末尾
func insertAt(commands []models.Command, cmd models.Command, pos int) []models.Command {
	commands = without(commands, cmd.ID)
	if pos <= 0 || pos > len(commands) {
		return append(commands, cmd)
	}
	out := make([]models.Command, 0, len(commands)+1)
	out = append(out, commands[:pos-1]...)
	out = append(out, cmd)
	return append(out, commands[pos-1:]...)
}

func renumber(tx *gorm.DB, ordered []models.Command) error {
	for i, c := range ordered {
		if c.RunOrder == i+1 {
			continue
		}
		if err := tx.Model(&models.Command{}).Where("id = ?", c.ID).Update("run_order", i+1).Error; err != nil {
			return err
		}
	}
	return nil
}
