package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namingCtx() NamingContext {
	return NamingContext{
		ProfileName: "nightly db",
		ServerName:  "web/01",
		Host:        "10.0.0.5",
		RunID:       42,
		StartedAt:   time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestNamingResolver_AppendsRunSegmentWhenPatternNotUnique(t *testing.T) {
	r, err := NewNamingResolver("{profile}", namingCtx())
	require.NoError(t, err)

	root, err := r.RunRoot()
	require.NoError(t, err)
	assert.Equal(t, "nightly db/20260304_050607-42", root)

	rel, err := r.Resolve(RemoteFile{Path: "/etc/app/config.yml", RuleRoot: "/etc/app/config.yml"})
	require.NoError(t, err)
	assert.Equal(t, "nightly db/20260304_050607-42/config.yml", rel)
}

func TestNamingResolver_TwoRunsNeverCollide(t *testing.T) {
	ctx1 := namingCtx()
	ctx2 := namingCtx()
	ctx2.RunID = 43

	r1, err := NewNamingResolver("{profile}/{date}", ctx1)
	require.NoError(t, err)
	r2, err := NewNamingResolver("{profile}/{date}", ctx2)
	require.NoError(t, err)

	file := RemoteFile{Path: "/data/a.txt", RuleRoot: "/data/a.txt"}
	p1, err := r1.Resolve(file)
	require.NoError(t, err)
	p2, err := r2.Resolve(file)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestNamingResolver_RecursiveKeepsTreeBelowRuleRoot(t *testing.T) {
	r, err := NewNamingResolver("{server}/{run_id}", namingCtx())
	require.NoError(t, err)

	rel, err := r.Resolve(RemoteFile{Path: "/var/www/html/css/site.css", RuleRoot: "/var/www"})
	require.NoError(t, err)
	assert.Equal(t, "web_01/42/www/html/css/site.css", rel)
}

func TestNamingResolver_FilePlaceholders(t *testing.T) {
	r, err := NewNamingResolver("{host}/{dir}/{timestamp}_{filename}", namingCtx())
	require.NoError(t, err)

	root, err := r.RunRoot()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", root)

	rel, err := r.Resolve(RemoteFile{Path: "/etc/hosts", RuleRoot: "/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5/etc/20260304_050607_hosts", rel)
}

func TestNamingResolver_FilePlaceholdersWithoutUniqueGetRunSegment(t *testing.T) {
	r, err := NewNamingResolver("{profile}/{filename}", namingCtx())
	require.NoError(t, err)

	rel, err := r.Resolve(RemoteFile{Path: "/etc/hosts", RuleRoot: "/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, "nightly db/20260304_050607-42/hosts", rel)
}

func TestNamingResolver_InvalidPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"empty", "   "},
		{"unknown placeholder", "{profile}/{nope}"},
		{"unbalanced", "{profile"},
		{"absolute", "/srv/{profile}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNamingResolver(tt.pattern, namingCtx())
			var invalid *InvalidPatternError
			assert.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}
}

func TestNamingResolver_RejectsEscape(t *testing.T) {
	_, err := NewNamingResolver("../../{profile}", namingCtx())
	var escape *PathEscapeError
	assert.True(t, errors.As(err, &escape), "got %v", err)
}

func TestNamingResolver_LocalPathStaysInsideBase(t *testing.T) {
	r, err := NewNamingResolver("{run_id}", namingCtx())
	require.NoError(t, err)

	full, err := r.LocalPath("/backups", RemoteFile{Path: "/../../etc/passwd", RuleRoot: "/"})
	require.NoError(t, err)
	assert.Equal(t, "/backups/42/etc/passwd", full)
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("{profile}/{date}"))
	assert.Error(t, ValidatePattern("{bogus}"))
}
