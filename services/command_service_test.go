package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"backapp-server/models"
)

func stageOrder(t *testing.T, db *gorm.DB, profileID uint, stage models.CommandStage) []string {
	t.Helper()
	cmds, err := loadStage(db, profileID, stage)
	require.NoError(t, err)
	out := make([]string, len(cmds))
	for i, c := range cmds {
		require.Equal(t, i+1, c.RunOrder, "run_order must be dense")
		out[i] = c.Command
	}
	return out
}

func TestCommandService_DenseOrdering(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	p := fx.profile(t, db, "one", nil)
	svc := NewCommandService(db)
	ctx := context.Background()

	a, err := svc.Create(ctx, p.ID, CommandInput{Command: "a", RunStage: models.CommandStagePre})
	require.NoError(t, err)
	_, err = svc.Create(ctx, p.ID, CommandInput{Command: "b", RunStage: models.CommandStagePre})
	require.NoError(t, err)
	c, err := svc.Create(ctx, p.ID, CommandInput{Command: "c", RunStage: models.CommandStagePre, RunOrder: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, c.RunOrder)
	assert.Equal(t, []string{"c", "a", "b"}, stageOrder(t, db, p.ID, models.CommandStagePre))

	// 移动到末尾
	_, err = svc.Update(ctx, p.ID, c.ID, CommandInput{Command: "c", RunStage: models.CommandStagePre, RunOrder: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, stageOrder(t, db, p.ID, models.CommandStagePre))

	// 跨阶段移动
	_, err = svc.Update(ctx, p.ID, a.ID, CommandInput{Command: "a", RunStage: models.CommandStagePost})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, stageOrder(t, db, p.ID, models.CommandStagePre))
	assert.Equal(t, []string{"a"}, stageOrder(t, db, p.ID, models.CommandStagePost))

	require.NoError(t, svc.Delete(ctx, p.ID, a.ID))
	require.NoError(t, svc.Delete(ctx, p.ID, c.ID))
	assert.Equal(t, []string{"b"}, stageOrder(t, db, p.ID, models.CommandStagePre))
	assert.Empty(t, stageOrder(t, db, p.ID, models.CommandStagePost))
}

func TestCommandService_Validation(t *testing.T) {
	db := newTestDB(t)
	fx := newFixture(t, db)
	p := fx.profile(t, db, "one", nil)
	svc := NewCommandService(db)

	_, err := svc.Create(context.Background(), p.ID, CommandInput{Command: "  "})
	assert.Error(t, err)
	_, err = svc.Create(context.Background(), p.ID, CommandInput{Command: "ls", RunStage: "during"})
	assert.Error(t, err)
	_, err = svc.Create(context.Background(), 999, CommandInput{Command: "ls"})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
