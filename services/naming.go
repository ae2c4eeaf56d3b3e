package services

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

const (
	runSegmentLayout = "20060102_150405"
)

// 按所需上下文划分的占位符
var (
	runPlaceholders = map[string]bool{
		"profile": true, "server": true, "host": true,
		"date": true, "time": true, "timestamp": true, "run_id": true,
	}
	filePlaceholders = map[string]bool{
		"filename": true, "dir": true, "path": true,
	}
	uniquePlaceholders = map[string]bool{
		"timestamp": true, "run_id": true,
	}
)

// NamingContext 渲染命名规则所需的执行上下文
type NamingContext struct {
	ProfileName string
	ServerName  string
	Host        string
	RunID       uint
	StartedAt   time.Time
}

// RemoteFile 待渲染的远程文件，RuleRoot 为所属文件规则的根路径
type RemoteFile struct {
	Path     string
	RuleRoot string
}

// NamingResolver 把命名规则渲染为存储位置下的相对路径
type NamingResolver struct {
	pattern string
	ctx     NamingContext

	hasFile   bool
	hasUnique bool
}

// NewNamingResolver 解析并校验命名规则，失败时返回 *InvalidPatternError
func NewNamingResolver(pattern string, ctx NamingContext) (*NamingResolver, error) {
	r := &NamingResolver{pattern: strings.TrimSpace(pattern), ctx: ctx}
	if r.pattern == "" {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: "empty pattern"}
	}
	if strings.HasPrefix(r.pattern, "/") {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: "pattern must be relative"}
	}

	stripped := placeholderPattern.ReplaceAllString(r.pattern, "")
	if strings.ContainsAny(stripped, "{}") {
		return nil, &InvalidPatternError{Pattern: pattern, Reason: "unbalanced braces"}
	}

	for _, m := range placeholderPattern.FindAllStringSubmatch(r.pattern, -1) {
		name := m[1]
		switch {
		case runPlaceholders[name]:
			if uniquePlaceholders[name] {
				r.hasUnique = true
			}
		case filePlaceholders[name]:
			r.hasFile = true
		default:
			return nil, &InvalidPatternError{Pattern: pattern, Reason: fmt.Sprintf("unknown placeholder {%s}", name)}
		}
	}

	// 提前渲染一次运行级部分，尽早暴露无法解析的占位符
	if _, err := r.RunRoot(); err != nil {
		return nil, err
	}
	return r, nil
}

// RunRoot 本次执行的根目录（相对存储位置）
func (r *NamingResolver) RunRoot() (string, error) {
	var segments []string
	for _, seg := range strings.Split(r.pattern, "/") {
		if r.segmentHasFilePlaceholder(seg) {
			break
		}
		segments = append(segments, seg)
	}

	rendered, err := r.render(strings.Join(segments, "/"), RemoteFile{})
	if err != nil {
		return "", err
	}
	if !r.hasUnique {
		rendered = path.Join(rendered, r.runSegment())
	}
	return cleanRelative(rendered)
}

// Resolve 渲染单个远程文件的目标相对路径
func (r *NamingResolver) Resolve(file RemoteFile) (string, error) {
	rendered, err := r.render(r.pattern, file)
	if err != nil {
		return "", err
	}

	switch {
	case !r.hasFile && !r.hasUnique:
		rendered = path.Join(rendered, r.runSegment(), relativeRemotePath(file))
	case !r.hasFile:
		rendered = path.Join(rendered, relativeRemotePath(file))
	case !r.hasUnique:
		rendered = r.insertRunSegment(rendered)
	}
	return cleanRelative(rendered)
}

// LocalPath 渲染并拼接到存储位置根路径，保证结果不会超出 basePath
func (r *NamingResolver) LocalPath(basePath string, file RemoteFile) (string, error) {
	rel, err := r.Resolve(file)
	if err != nil {
		return "", err
	}
	return joinWithin(basePath, rel)
}

func (r *NamingResolver) render(pattern string, file RemoteFile) (string, error) {
	var renderErr error
	out := placeholderPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		name := match[1 : len(match)-1]
		value := r.value(name, file)
		if value == "" && renderErr == nil {
			renderErr = &InvalidPatternError{Pattern: r.pattern, Reason: fmt.Sprintf("placeholder {%s} resolved to an empty value", name)}
		}
		return value
	})
	return out, renderErr
}

func (r *NamingResolver) value(name string, file RemoteFile) string {
	ts := r.ctx.StartedAt
	switch name {
	case "profile":
		return sanitizeSegment(r.ctx.ProfileName)
	case "server":
		return sanitizeSegment(r.ctx.ServerName)
	case "host":
		return sanitizeSegment(r.ctx.Host)
	case "date":
		return ts.Format("2006-01-02")
	case "time":
		return ts.Format("150405")
	case "timestamp":
		return ts.Format(runSegmentLayout)
	case "run_id":
		if r.ctx.RunID == 0 {
			return ""
		}
		return strconv.FormatUint(uint64(r.ctx.RunID), 10)
	case "filename":
		if file.Path == "" {
			return ""
		}
		return path.Base(path.Clean(file.Path))
	case "dir":
		if file.Path == "" {
			return ""
		}
		return strings.TrimPrefix(path.Dir(path.Clean(file.Path)), "/")
	case "path":
		return relativeRemotePath(file)
	}
	return ""
}

func (r *NamingResolver) runSegment() string {
	return fmt.Sprintf("%s-%d", r.ctx.StartedAt.Format(runSegmentLayout), r.ctx.RunID)
}

// insertRunSegment 把执行标识插入到第一个文件级片段之前
func (r *NamingResolver) insertRunSegment(rendered string) string {
	root := 0
	for _, seg := range strings.Split(r.pattern, "/") {
		if r.segmentHasFilePlaceholder(seg) {
			break
		}
		root++
	}
	parts := strings.Split(rendered, "/")
	if root > len(parts) {
		root = len(parts)
	}
	out := append([]string{}, parts[:root]...)
	out = append(out, r.runSegment())
	out = append(out, parts[root:]...)
	return path.Join(out...)
}

func (r *NamingResolver) segmentHasFilePlaceholder(seg string) bool {
	for _, m := range placeholderPattern.FindAllStringSubmatch(seg, -1) {
		if filePlaceholders[m[1]] {
			return true
		}
	}
	return false
}

// relativeRemotePath 文件相对于规则根目录的路径，保留根目录名
func relativeRemotePath(file RemoteFile) string {
	p := path.Clean("/" + file.Path)
	if file.RuleRoot == "" {
		return path.Base(p)
	}
	root := path.Clean("/" + file.RuleRoot)
	if root == p {
		return path.Base(p)
	}
	if rel, ok := strings.CutPrefix(p, strings.TrimSuffix(root, "/")+"/"); ok {
		if root == "/" {
			return rel
		}
		return path.Join(path.Base(root), rel)
	}
	return path.Base(p)
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", `\`, "_").Replace(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

func cleanRelative(rel string) (string, error) {
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == "" {
		return "", &InvalidPatternError{Pattern: rel, Reason: "resolved to an empty path"}
	}
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &PathEscapeError{Path: rel}
	}
	return cleaned, nil
}

// joinWithin 拼接路径并校验结果仍位于 base 之下
func joinWithin(base, rel string) (string, error) {
	full := filepath.Join(base, filepath.FromSlash(rel))
	within, err := filepath.Rel(filepath.Clean(base), full)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", &PathEscapeError{Path: full}
	}
	return full, nil
}

// ValidatePattern 保存命名规则前的校验
func ValidatePattern(pattern string) error {
	_, err := NewNamingResolver(pattern, NamingContext{
		ProfileName: "profile",
		ServerName:  "server",
		Host:        "host",
		RunID:       1,
		StartedAt:   time.Now(),
	})
	return err
}
